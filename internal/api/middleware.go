package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger writes one line per completed request. Health probes from
// the dashboard poll every few seconds and log at debug so steady-state logs
// stay dominated by capture activity; the SSE stream logs its connection
// lifetime, which is expected to be long.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case r.URL.Path == "/health":
			slog.Debug("health probe", attrs...)
		case strings.HasPrefix(r.URL.Path, "/api/v1/events"):
			slog.Info("event stream closed", attrs...)
		default:
			slog.Info("api request", append(attrs,
				"bytes", ww.BytesWritten(),
				"remote", r.RemoteAddr,
			)...)
		}
	})
}
