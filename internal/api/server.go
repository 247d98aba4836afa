// Package api exposes the agent's manual surface: session inspection,
// manual capture, manual flush, settings and the live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/webtrail/agent/internal/agent"
	"github.com/webtrail/agent/internal/relay"
	"github.com/webtrail/agent/internal/session"
)

// Service is the agent surface the API exposes.
type Service interface {
	TabCount(ctx context.Context) int
	ListSessions(ctx context.Context) ([]agent.SessionSummary, error)
	GetSession(ctx context.Context, tabID int64) (*session.TabSession, error)
	CaptureNow(ctx context.Context, tabID int64) (session.PageVisitRecord, error)
	Flush(ctx context.Context) (agent.FlushResult, error)
	GetSettings(ctx context.Context) (agent.Settings, error)
	UpdateSettings(ctx context.Context, settings agent.Settings) error
}

type tabIDInput struct {
	TabID int64 `path:"tab_id" doc:"Numeric tab session id"`
}

// NewServer builds the router: huma-typed endpoints plus the raw SSE
// stream.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Webtrail Agent API", "1.0.0")
	cfg.DocsPath = ""
	humaAPI := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/api/v1/events", relay.SSEHandler(broker))

	registerHandlers(humaAPI, svc)
	return router
}

func registerHandlers(humaAPI huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
			Tabs   int    `json:"tabs"`
		}
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Tabs = svc.TabCount(ctx)
			return out, nil
		})

	type sessionListOutput struct {
		Body struct {
			Sessions []agent.SessionSummary `json:"sessions"`
		}
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List tab sessions", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct{}) (*sessionListOutput, error) {
			sessions, err := svc.ListSessions(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &sessionListOutput{}
			out.Body.Sessions = sessions
			return out, nil
		})

	type sessionOutput struct {
		Body session.TabSession
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/sessions/{tab_id}", Summary: "Get one tab session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *tabIDInput) (*sessionOutput, error) {
			sess, err := svc.GetSession(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &sessionOutput{}
			out.Body = *sess
			return out, nil
		})

	type captureOutput struct {
		Body session.PageVisitRecord
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "capture-now", Method: http.MethodPost, Path: "/api/v1/sessions/{tab_id}/capture", Summary: "Snapshot the tab's current page now", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabIDInput) (*captureOutput, error) {
			rec, err := svc.CaptureNow(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &captureOutput{}
			out.Body = rec
			return out, nil
		})

	type flushOutput struct {
		Body agent.FlushResult
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "flush", Method: http.MethodPost, Path: "/api/v1/flush", Summary: "Upload all pending visits to the backend", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*flushOutput, error) {
			result, err := svc.Flush(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &flushOutput{}
			out.Body = result
			return out, nil
		})

	type settingsOutput struct {
		Body agent.Settings
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Get upload credentials", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			settings, err := svc.GetSettings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			// The token itself never leaves the agent.
			if settings.Token != "" {
				settings.Token = "***"
			}
			out := &settingsOutput{}
			out.Body = settings
			return out, nil
		})

	type settingsInput struct {
		Body agent.Settings
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "update-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Update upload credentials", Tags: []string{"Settings"}},
		func(ctx context.Context, input *settingsInput) (*settingsOutput, error) {
			if err := svc.UpdateSettings(ctx, input.Body); err != nil {
				return nil, mapErr(err)
			}
			out := &settingsOutput{}
			out.Body = agent.Settings{Token: "***", SearchSpaceID: input.Body.SearchSpaceID}
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *agent.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case agent.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case agent.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case agent.CodeCDPUnavailable, agent.CodeSnapshotFailure:
			return huma.Error502BadGateway(coded.Message)
		case agent.CodeBackendUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
