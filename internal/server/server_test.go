package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"milestoneline/internal/config"
	"milestoneline/internal/db"
	"milestoneline/internal/domain"
	"milestoneline/internal/engine"
)

type testServer struct {
	URL    string
	DB     *sql.DB
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Timezone = "UTC"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		DB:     conn,
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestMilestoneDurationsFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for _, body := range []map[string]any{
		{"id": "PRJ-1", "type": "Project", "title": "Portal", "milestone": "Development"},
		{"id": "CR-1", "type": "CR", "title": "Fix login", "milestone": "Testing"},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", body, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create initiative: %d %s", res.StatusCode, string(data))
		}
	}

	// Past days cannot be requested: the date parameter is not part of the API.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/snapshots/capture?date=2024-01-05", nil, map[string]string{"X-Actor-Id": "ops"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capture: %d %s", res.StatusCode, string(data))
	}
	var captured engine.CaptureResult
	if err := json.Unmarshal(data, &captured); err != nil {
		t.Fatal(err)
	}
	if captured.Skipped || len(captured.Snapshots) != 2 || captured.Date != "2024-01-10" {
		t.Fatalf("unexpected capture %+v", captured)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/snapshots/capture", nil, nil)
	if err := json.Unmarshal(data, &captured); err != nil || res.StatusCode != http.StatusOK || !captured.Skipped {
		t.Fatalf("second capture should skip: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/initiatives/PRJ-1", map[string]any{"milestone": "Testing"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/durations", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("durations: %d %s", res.StatusCode, string(data))
	}
	var summaries []domain.MilestoneSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		t.Fatal(err)
	}
	// PRJ-1 moved to Testing on the day it was captured, so both are open in Testing.
	if len(summaries) != 1 || summaries[0].Milestone != domain.MilestoneTesting || summaries[0].CurrentCount != 2 {
		t.Fatalf("unexpected summaries %+v", summaries)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/durations?type=CR", nil, nil)
	if err := json.Unmarshal(data, &summaries); err != nil || res.StatusCode != http.StatusOK || len(summaries) != 1 {
		t.Fatalf("CR durations: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/initiatives/PRJ-1/milestones", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("breakdown: %d %s", res.StatusCode, string(data))
	}
	var b domain.MilestoneBreakdown
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatal(err)
	}
	if b.CurrentMilestone != domain.MilestoneTesting || len(b.Intervals) != 1 || b.CurrentElapsedDays != 1 {
		t.Fatalf("unexpected breakdown %+v", b)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/snapshots?initiative_id=CR-1", nil, nil)
	var snaps []domain.Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil || res.StatusCode != http.StatusOK || len(snaps) != 1 {
		t.Fatalf("list snapshots: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=snapshot", nil, nil)
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil || res.StatusCode != http.StatusOK || len(evts) != 1 || evts[0].ActorID != "ops" {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/initiatives/missing/milestones", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/durations?type=Epic", nil, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_type" {
		t.Fatalf("expected invalid_type, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{"id": "X", "type": "CR", "title": "one"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{"id": "X", "type": "CR", "title": "two"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/durations", nil, nil)
	// X has no milestone yet, so it contributes no statistics.
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty durations, got %d %s", res.StatusCode, string(data))
	}
}

func TestRequestBodyLimits(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	handler, err := New(Config{Engine: srv.Engine, BasePath: "/v0", MaxBodyBytes: 64})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	small := httptest.NewServer(handler)
	defer small.Close()

	res, data := doJSON(t, small.Client(), http.MethodPost, small.URL+"/v0/initiatives",
		map[string]any{"id": "BIG", "type": "CR", "title": strings.Repeat("x", 200)}, nil)
	if res.StatusCode != http.StatusRequestEntityTooLarge || errorCode(t, data) != "body_too_large" {
		t.Fatalf("expected body_too_large, got %d %s", res.StatusCode, string(data))
	}
	if _, err := srv.Engine.Repo.GetInitiative(context.Background(), "BIG"); err == nil {
		t.Fatalf("oversized create must not reach the store")
	}

	res, data = doJSON(t, small.Client(), http.MethodPost, small.URL+"/v0/initiatives",
		map[string]any{"id": "OK", "type": "CR", "title": "fits"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create under limit: %d %s", res.StatusCode, string(data))
	}
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestUnreadableBody(t *testing.T) {
	reached := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true })
	req := httptest.NewRequest(http.MethodPost, "/v0/initiatives", io.NopCloser(failingBody{}))
	rec := httptest.NewRecorder()
	captureBody(DefaultMaxBodyBytes)(next).ServeHTTP(rec, req)
	if reached {
		t.Fatalf("handler ran after a failed body read")
	}
	if rec.Code != http.StatusBadRequest || errorCode(t, rec.Body.Bytes()) != "unreadable_body" {
		t.Fatalf("expected unreadable_body, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDefaultErrorCodes(t *testing.T) {
	cases := map[int]string{
		http.StatusUnauthorized:          "unauthorized",
		http.StatusMethodNotAllowed:      "method_not_allowed",
		http.StatusRequestEntityTooLarge: "body_too_large",
		http.StatusServiceUnavailable:    "store_unavailable",
		http.StatusGone:                  "gone",
	}
	for status, want := range cases {
		if got := defaultCodeForStatus(status); got != want {
			t.Fatalf("status %d: expected %q, got %q", status, want, got)
		}
	}
	if eventLimit(0) != defaultEventLimit || eventLimit(500) != maxEventLimit || eventLimit(7) != 7 {
		t.Fatalf("unexpected event limit clamping")
	}
}

func TestStoreUnavailable(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.DB.Close()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/milestones/durations", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable || errorCode(t, data) != "store_unavailable" {
		t.Fatalf("expected store_unavailable, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health should report the store, got %d %s", res.StatusCode, string(data))
	}
}

func TestCaptureRequiresPermission(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()
	now := time.Now()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/snapshots/capture", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/snapshots/capture", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}

	reader, err := SignToken(secret, "viewer", nil, time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/snapshots/capture", nil, map[string]string{"Authorization": "Bearer " + reader})
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/durations", nil, map[string]string{"Authorization": "Bearer " + reader})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads need only a valid token, got %d %s", res.StatusCode, string(data))
	}

	ops, err := SignToken(secret, "ops", []string{PermSnapshotCapture}, time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/snapshots/capture", nil, map[string]string{"Authorization": "Bearer " + ops})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capture with permission: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + ops})
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil || who.ActorID != "ops" || who.Source != "jwt" {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "milestoneline_http_requests_total") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
	for _, want := range []string{`"/v0/milestones/durations"`, `"ApiError"`, `"bearerAuth"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi document missing %s", want)
		}
	}
}
