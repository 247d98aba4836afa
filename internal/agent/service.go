// Package agent composes the session store, capture client, markdown
// converter, uploader and relay broker into the service behind the HTTP API
// and the flush loop.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/webtrail/agent/internal/capture"
	"github.com/webtrail/agent/internal/kv"
	"github.com/webtrail/agent/internal/markdown"
	"github.com/webtrail/agent/internal/relay"
	"github.com/webtrail/agent/internal/session"
	"github.com/webtrail/agent/internal/uploader"
)

// Settings are the upload credentials, kept in the KV store so the
// dashboard can change them without restarting the agent.
type Settings struct {
	Token         string `json:"token"`
	SearchSpaceID int64  `json:"search_space_id"`
}

const (
	tokenKey         = "auth:token"
	searchSpaceIDKey = "auth:search_space_id"
)

// SessionSummary is the list view of one tab session.
type SessionSummary struct {
	TabSessionID int64  `json:"tab_session_id"`
	Visits       int    `json:"visits"`
	Pending      int    `json:"pending"`
	LastURL      string `json:"last_url,omitempty"`
}

// FlushResult reports one flush pass.
type FlushResult struct {
	Documents   int     `json:"documents"`
	Sessions    int     `json:"sessions"`
	RemovedTabs []int64 `json:"removed_tabs,omitempty"`
}

// Browser is the subset of the capture client the service depends on.
type Browser interface {
	Snapshot(ctx context.Context, tabID int64) (capture.PageSnapshot, error)
	OpenTabIDs(ctx context.Context) (map[int64]bool, error)
	TabCount() int
}

// Ingestor ships document batches to the backend.
type Ingestor interface {
	Upload(ctx context.Context, token string, searchSpaceID int64, docs []uploader.DocumentPayload) error
}

// Service implements both the HTTP API surface and the capture.Sink fed by
// tab lifecycle events.
type Service struct {
	store    kv.Store
	sessions *session.Store
	conv     *markdown.Converter
	browser  Browser
	ingest   Ingestor
	broker   *relay.Broker
}

func NewService(store kv.Store, sessions *session.Store, conv *markdown.Converter, browser Browser, ingest Ingestor, broker *relay.Broker) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		conv:     conv,
		browser:  browser,
		ingest:   ingest,
		broker:   broker,
	}
}

// SetBrowser wires the capture client after Connect; the client needs the
// service as its Sink first.
func (s *Service) SetBrowser(b Browser) { s.browser = b }

// --- capture.Sink ---
//
// Everything below the manual API surface is best-effort telemetry: errors
// are logged and swallowed, the tab keeps working.

func (s *Service) TabCreated(ctx context.Context, tab *capture.TabInfo) {
	if _, err := s.sessions.Ensure(tab.TabID); err != nil {
		slog.Error("session create failed", "tab_id", tab.TabID, "error", err)
		return
	}
	s.broker.Publish(relay.TypeTab, map[string]any{"action": "created", "tab_id": tab.TabID})
}

func (s *Service) TabNavigated(ctx context.Context, tab *capture.TabInfo, snap capture.PageSnapshot) {
	referer, durationMs, err := s.sessions.AppendNavigation(tab.TabID, snap.URL, snap.EntryTime)
	if err != nil {
		slog.Error("navigation record failed", "tab_id", tab.TabID, "url", snap.URL, "error", err)
		return
	}

	content, err := s.conv.Convert(snap.RenderedHTML, snap.URL)
	if err != nil {
		// The navigation stays in the queues for referer/duration purposes,
		// but the visit is not recorded with empty content.
		slog.Warn("page conversion failed, visit skipped", "tab_id", tab.TabID, "url", snap.URL, "error", err)
		return
	}

	rec := session.PageVisitRecord{
		URL:                 snap.URL,
		Title:               snap.Title,
		EntryTime:           snap.EntryTime,
		DurationMs:          durationMs,
		RefererURL:          referer,
		PageContentMarkdown: content,
	}
	if err := s.sessions.AppendHistory(tab.TabID, rec); err != nil {
		slog.Error("history append failed", "tab_id", tab.TabID, "url", snap.URL, "error", err)
		return
	}

	s.broker.Publish(relay.TypeVisit, map[string]any{
		"tab_id":      tab.TabID,
		"url":         snap.URL,
		"title":       snap.Title,
		"referer":     referer,
		"duration_ms": durationMs,
	})
	slog.Debug("visit recorded", "tab_id", tab.TabID, "url", snap.URL, "referer", referer, "duration_ms", durationMs)
}

func (s *Service) TabRemoved(ctx context.Context, tabID int64) {
	if err := s.sessions.Remove(tabID); err != nil {
		slog.Error("session remove failed", "tab_id", tabID, "error", err)
		return
	}
	s.broker.Publish(relay.TypeTab, map[string]any{"action": "removed", "tab_id": tabID})
}

// --- API surface ---

func (s *Service) TabCount(ctx context.Context) int {
	return s.browser.TabCount()
}

func (s *Service) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	sessions, err := s.sessions.All()
	if err != nil {
		return nil, newError(CodeStoreFailure, "list sessions", err)
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := SessionSummary{
			TabSessionID: sess.TabSessionID,
			Visits:       len(sess.URLQueue),
			Pending:      len(sess.TabHistory),
		}
		if n := len(sess.URLQueue); n > 0 {
			sum.LastURL = sess.URLQueue[n-1]
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

func (s *Service) GetSession(ctx context.Context, tabID int64) (*session.TabSession, error) {
	sess, err := s.sessions.Get(tabID)
	if errors.Is(err, session.ErrNoSession) {
		return nil, newError(CodeTabNotFound, "no session for tab", err)
	}
	if err != nil {
		return nil, newError(CodeStoreFailure, "load session", err)
	}
	return sess, nil
}

// CaptureNow takes a manual snapshot of the tab's current page and queues
// it for the next flush. Unlike the automatic path, failures surface to the
// caller as typed errors.
func (s *Service) CaptureNow(ctx context.Context, tabID int64) (session.PageVisitRecord, error) {
	snap, err := s.browser.Snapshot(ctx, tabID)
	if err != nil {
		return session.PageVisitRecord{}, newError(CodeSnapshotFailure, "page snapshot failed", err)
	}

	content, err := s.conv.Convert(snap.RenderedHTML, snap.URL)
	if err != nil {
		return session.PageVisitRecord{}, newError(CodeConvertFailure, "markdown conversion failed", err)
	}

	sess, err := s.sessions.Ensure(tabID)
	if err != nil {
		return session.PageVisitRecord{}, newError(CodeStoreFailure, "load session", err)
	}

	// The navigation that loaded this page is already in the queues; the
	// record is built from their tails. A tab captured before any tracked
	// navigation falls back to the snapshot itself.
	url, entryTime, referer, durationMs, ok := session.VisitFromQueues(sess)
	if !ok {
		url, entryTime, referer, durationMs = snap.URL, snap.EntryTime, session.RefererStart, 0
	}

	rec := session.PageVisitRecord{
		URL:                 url,
		Title:               snap.Title,
		EntryTime:           entryTime,
		DurationMs:          durationMs,
		RefererURL:          referer,
		PageContentMarkdown: content,
	}
	if err := s.sessions.AppendHistory(tabID, rec); err != nil {
		return session.PageVisitRecord{}, newError(CodeStoreFailure, "queue visit", err)
	}

	s.broker.Publish(relay.TypeVisit, map[string]any{
		"tab_id": tabID,
		"url":    url,
		"title":  snap.Title,
		"manual": true,
	})
	return rec, nil
}

// Flush drains every session's pending visits into one ingestion request.
// Histories are cleared before the request is sent; a failed upload loses
// the drained visits. Queues survive and are only trimmed by the
// reconciliation pass that runs after a successful upload.
func (s *Service) Flush(ctx context.Context) (FlushResult, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	if settings.Token == "" || settings.SearchSpaceID == 0 {
		return FlushResult{}, newError(CodeValidation, "flush requires a bearer token and a search space id", nil)
	}

	drained, err := s.sessions.DrainHistories()
	if err != nil {
		return FlushResult{}, newError(CodeStoreFailure, "drain histories", err)
	}
	if len(drained) == 0 {
		return FlushResult{}, nil
	}

	docs := uploader.BuildBatch(drained)
	if err := s.ingest.Upload(ctx, settings.Token, settings.SearchSpaceID, docs); err != nil {
		slog.Error("batch upload failed, drained visits lost", "documents", len(docs), "error", err)
		return FlushResult{}, newError(CodeBackendUnavailable, "batch upload failed", err)
	}

	result := FlushResult{Documents: len(docs), Sessions: len(drained)}

	open, err := s.browser.OpenTabIDs(ctx)
	if err != nil {
		// Upload already succeeded; skip GC this round.
		slog.Warn("open tab enumeration failed, reconciliation skipped", "error", err)
	} else {
		removed, err := s.sessions.Reconcile(open)
		if err != nil {
			slog.Warn("reconciliation failed", "error", err)
		} else if len(removed) > 0 {
			result.RemovedTabs = removed
			s.broker.Publish(relay.TypeReconcile, map[string]any{"removed_tabs": removed})
		}
	}

	s.broker.Publish(relay.TypeFlush, result)
	slog.Info("flush complete", "documents", result.Documents, "sessions", result.Sessions, "removed_tabs", len(result.RemovedTabs))
	return result, nil
}

// RunFlushLoop flushes on a fixed interval until ctx is cancelled. Errors
// are logged; the background path stays fire-and-forget.
func (s *Service) RunFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				var coded *CodedError
				if errors.As(err, &coded) && coded.Code == CodeValidation {
					slog.Debug("periodic flush skipped", "reason", coded.Message)
					continue
				}
				slog.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

func (s *Service) GetSettings(ctx context.Context) (Settings, error) {
	var settings Settings

	token, err := s.store.Get(tokenKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Settings{}, newError(CodeStoreFailure, "load token", err)
	}
	settings.Token = string(token)

	raw, err := s.store.Get(searchSpaceIDKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Settings{}, newError(CodeStoreFailure, "load search space id", err)
	}
	if len(raw) > 0 {
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Settings{}, newError(CodeValidation, "stored search space id is not numeric", err)
		}
		settings.SearchSpaceID = id
	}
	return settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, settings Settings) error {
	// Zero is the unset state and stays storable; flush refuses to run with
	// it until a real search space is configured.
	if settings.SearchSpaceID < 0 {
		return newError(CodeValidation, "search space id cannot be negative", nil)
	}
	if err := s.store.Set(tokenKey, []byte(settings.Token)); err != nil {
		return newError(CodeStoreFailure, "store token", err)
	}
	if err := s.store.Set(searchSpaceIDKey, []byte(strconv.FormatInt(settings.SearchSpaceID, 10))); err != nil {
		return newError(CodeStoreFailure, "store search space id", err)
	}
	return nil
}

// SeedSettings writes credentials from the environment unless the store
// already holds a value; dashboard-made changes win over .env defaults.
func (s *Service) SeedSettings(token string, searchSpaceID int64) error {
	if token != "" {
		if _, err := s.store.Get(tokenKey); errors.Is(err, kv.ErrNotFound) {
			if err := s.store.Set(tokenKey, []byte(token)); err != nil {
				return err
			}
		}
	}
	if searchSpaceID > 0 {
		if _, err := s.store.Get(searchSpaceIDKey); errors.Is(err, kv.ErrNotFound) {
			if err := s.store.Set(searchSpaceIDKey, []byte(strconv.FormatInt(searchSpaceID, 10))); err != nil {
				return err
			}
		}
	}
	return nil
}
