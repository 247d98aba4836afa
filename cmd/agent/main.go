package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webtrail/agent/internal/agent"
	"github.com/webtrail/agent/internal/api"
	"github.com/webtrail/agent/internal/capture"
	"github.com/webtrail/agent/internal/config"
	"github.com/webtrail/agent/internal/kv"
	"github.com/webtrail/agent/internal/markdown"
	"github.com/webtrail/agent/internal/netutil"
	"github.com/webtrail/agent/internal/relay"
	"github.com/webtrail/agent/internal/session"
	"github.com/webtrail/agent/internal/uploader"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("config loaded",
		"cdp_url", cfg.CDPURL(),
		"backend_url", cfg.BackendURL,
		"bind_addr", cfg.BindAddr,
		"data_dir", cfg.DataDir,
		"tab_url_filter", cfg.TabURLFilter,
		"flush_every", cfg.FlushEvery,
		"log_level", cfg.LogLevel,
	)

	store, err := kv.Open(kv.DefaultOptions(filepath.Join(cfg.DataDir, "sessions")))
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}()

	sessions := session.NewStore(store)
	conv := markdown.NewConverter()
	broker := relay.NewBroker()
	ingest := uploader.New(cfg.BackendURL, cfg.UploadTimeout)

	svc := agent.NewService(store, sessions, conv, nil, ingest, broker)
	if err := svc.SeedSettings(cfg.APIToken, cfg.SearchSpaceID); err != nil {
		slog.Error("failed to seed settings", "error", err)
		os.Exit(1)
	}

	registry := capture.NewRegistry()
	browser := capture.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.EvalTimeout, registry, svc)
	svc.SetBrowser(browser)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := browser.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		slog.Info("make sure Chromium is running with remote debugging enabled")
		os.Exit(1)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			slog.Warn("capture client close failed", "error", err)
		}
	}()

	go svc.RunFlushLoop(ctx, cfg.FlushEvery)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, broker)}
	go func() {
		slog.Info("agent listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
