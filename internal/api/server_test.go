package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/webtrail/agent/internal/agent"
	"github.com/webtrail/agent/internal/relay"
	"github.com/webtrail/agent/internal/session"
)

type stubService struct {
	sessions    []agent.SessionSummary
	session     *session.TabSession
	sessionErr  error
	captureRec  session.PageVisitRecord
	captureErr  error
	flushResult agent.FlushResult
	flushErr    error
	settings    agent.Settings
	updated     *agent.Settings
}

func (s *stubService) TabCount(ctx context.Context) int { return 2 }

func (s *stubService) ListSessions(ctx context.Context) ([]agent.SessionSummary, error) {
	return s.sessions, nil
}

func (s *stubService) GetSession(ctx context.Context, tabID int64) (*session.TabSession, error) {
	return s.session, s.sessionErr
}

func (s *stubService) CaptureNow(ctx context.Context, tabID int64) (session.PageVisitRecord, error) {
	return s.captureRec, s.captureErr
}

func (s *stubService) Flush(ctx context.Context) (agent.FlushResult, error) {
	return s.flushResult, s.flushErr
}

func (s *stubService) GetSettings(ctx context.Context) (agent.Settings, error) {
	return s.settings, nil
}

func (s *stubService) UpdateSettings(ctx context.Context, settings agent.Settings) error {
	s.updated = &settings
	return nil
}

func newTestServer(t *testing.T, svc *stubService) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(svc, relay.NewBroker()))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	var body struct {
		Status string `json:"status"`
		Tabs   int    `json:"tabs"`
	}
	if code := getJSON(t, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", code)
	}
	if body.Status != "ok" || body.Tabs != 2 {
		t.Fatalf("health body = %+v, want ok/2", body)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	svc := &stubService{sessions: []agent.SessionSummary{
		{TabSessionID: 1, Visits: 3, Pending: 1, LastURL: "https://a.example"},
	}}
	srv := newTestServer(t, svc)

	var body struct {
		Sessions []agent.SessionSummary `json:"sessions"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/sessions", &body); code != http.StatusOK {
		t.Fatalf("GET /api/v1/sessions status = %d, want 200", code)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].TabSessionID != 1 {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	svc := &stubService{sessionErr: &agent.CodedError{Code: agent.CodeTabNotFound, Message: "no session for tab"}}
	srv := newTestServer(t, svc)

	if code := getJSON(t, srv.URL+"/api/v1/sessions/99", nil); code != http.StatusNotFound {
		t.Fatalf("GET missing session status = %d, want 404", code)
	}
}

func TestGetSessionBadTabID(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	resp, err := http.Get(srv.URL + "/api/v1/sessions/not-a-number")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnprocessableEntity && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-numeric tab id status = %d, want 422 or 400", resp.StatusCode)
	}
}

func TestCaptureSnapshotFailureMapsTo502(t *testing.T) {
	svc := &stubService{captureErr: &agent.CodedError{Code: agent.CodeSnapshotFailure, Message: "page snapshot failed"}}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/sessions/1/capture", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("capture failure status = %d, want 502", resp.StatusCode)
	}
}

func TestFlushValidationMapsTo400(t *testing.T) {
	svc := &stubService{flushErr: &agent.CodedError{Code: agent.CodeValidation, Message: "flush requires a bearer token"}}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("flush without credentials status = %d, want 400", resp.StatusCode)
	}
}

func TestFlushSuccess(t *testing.T) {
	svc := &stubService{flushResult: agent.FlushResult{Documents: 5, Sessions: 2, RemovedTabs: []int64{4}}}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flush status = %d, want 200", resp.StatusCode)
	}
	var result agent.FlushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode flush result: %v", err)
	}
	if result.Documents != 5 || len(result.RemovedTabs) != 1 {
		t.Fatalf("flush result = %+v", result)
	}
}

func TestGetSettingsMasksToken(t *testing.T) {
	svc := &stubService{settings: agent.Settings{Token: "super-secret", SearchSpaceID: 7}}
	srv := newTestServer(t, svc)

	var settings agent.Settings
	if code := getJSON(t, srv.URL+"/api/v1/settings", &settings); code != http.StatusOK {
		t.Fatalf("GET /api/v1/settings status = %d, want 200", code)
	}
	if settings.Token != "***" {
		t.Fatalf("token = %q, want masked", settings.Token)
	}
	if settings.SearchSpaceID != 7 {
		t.Fatalf("search_space_id = %d, want 7", settings.SearchSpaceID)
	}
}

func TestUpdateSettings(t *testing.T) {
	svc := &stubService{}
	srv := newTestServer(t, svc)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/settings",
		strings.NewReader(`{"token":"new-token","search_space_id":12}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/v1/settings status = %d, want 200", resp.StatusCode)
	}

	if svc.updated == nil || svc.updated.Token != "new-token" || svc.updated.SearchSpaceID != 12 {
		t.Fatalf("service received settings = %+v", svc.updated)
	}
	var echoed agent.Settings
	if err := json.NewDecoder(resp.Body).Decode(&echoed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if echoed.Token != "***" {
		t.Fatalf("response token = %q, want masked", echoed.Token)
	}
}

func TestDocsPage(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	resp, err := http.Get(srv.URL + "/docs")
	if err != nil {
		t.Fatalf("GET /docs error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /docs status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Fatalf("docs content type = %q, want text/html", ct)
	}
}
