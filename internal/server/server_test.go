package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
)

const testJWTSecret = "test-secret"

type fakeScanner struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeScanner) Scan(_ context.Context, issueKey string) (domain.Report, error) {
	f.mu.Lock()
	f.keys = append(f.keys, issueKey)
	f.mu.Unlock()
	mode := domain.ModeBatch
	if issueKey != "" {
		mode = domain.ModeSingle
	}
	rep := domain.Report{RunTimestamp: "2024-03-01T10:15:30Z", Mode: mode, Results: []domain.TicketResult{}}
	rep.Scanned = 1
	rep.Add(domain.TicketResult{Key: issueKey, Outcome: domain.OutcomePRCreated, PRURL: "https://github.com/acme/api/pull/7"})
	return rep, nil
}

func (f *fakeScanner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type testServer struct {
	URL     string
	Engine  engine.Engine
	Server  *Server
	Scanner *fakeScanner
	APIKey  string
	clock   *time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("ORKY"))
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return clock }

	_, secret, err := e.CreateAPIKey(context.Background(), "ops", "tests")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	scanner := &fakeScanner{}
	handler, err := New(Config{
		Engine:        e,
		Scanner:       scanner,
		BasePath:      "/v0",
		Auth:          AuthConfig{JWTSecret: testJWTSecret, DevLogin: true},
		WebhookSecret: "hook-secret",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, Server: handler, Scanner: scanner, APIKey: secret, clock: &clock}
}

func (s *testServer) tick() {
	*s.clock = s.clock.Add(time.Second)
}

func (s *testServer) auth() map[string]string {
	return map[string]string{"X-Api-Key": s.APIKey}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func TestHealthIsPublicAndRunsRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, body)
	}
	apiErr := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, body)
	if apiErr.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error envelope %s", body)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"X-Api-Key": "slk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, body)
	}
	token := decode[DevLoginResponse](t, body).Token

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, body)
	}
	me := decode[MeResponse](t, body)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestScanEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/scan", map[string]any{"issue_key": "ORKY-10"}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan status %d: %s", res.StatusCode, body)
	}
	rep := decode[domain.Report](t, body)
	if rep.Mode != domain.ModeSingle || rep.Processed != 1 || len(rep.Results) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if calls := srv.Scanner.calls(); len(calls) != 1 || calls[0] != "ORKY-10" {
		t.Fatalf("unexpected scanner calls %v", calls)
	}
}

func TestRunsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	run, err := srv.Engine.CreateRun(ctx, "ORKY-10", "worker-a")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := srv.Engine.SetFingerprint(ctx, run.ID, domain.Fingerprint{Full: "abc123", Short: "fp_abc123"}); err != nil {
		t.Fatalf("set fingerprint: %v", err)
	}

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/runs?ticket_key=ORKY-10", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	list := decode[paginatedRuns](t, body)
	if len(list.Items) != 1 || list.Items[0].ID != run.ID || list.NextCursor != "" {
		t.Fatalf("unexpected list %+v", list)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/"+run.ID, nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, body)
	}
	detail := decode[RunDetailResponse](t, body)
	if detail.Artifacts[domain.ArtifactFingerprintShort] != "fp_abc123" || detail.CursorState != "received" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/cancel", map[string]any{"reason": "wrong ticket"}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, body)
	}
	if got := decode[RunResponse](t, body); got.CursorState != "cancelled" {
		t.Fatalf("expected cancelled run, got %+v", got)
	}
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/cancel", map[string]any{"reason": "again"}, srv.auth())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/audit", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, body)
	}
	audit := decode[paginatedAudit](t, body)
	var cancelActor string
	for _, a := range audit.Items {
		if a.Action == "run.cancel" && a.Phase == "result" {
			cancelActor = a.ActorID
		}
	}
	if cancelActor != "ops" {
		t.Fatalf("expected cancel attributed to the api key actor, got %q in %+v", cancelActor, audit.Items)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/missing", nil, srv.auth())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestListRunsPaginates(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for _, key := range []string{"ORKY-1", "ORKY-2", "ORKY-3"} {
		if _, err := srv.Engine.CreateRun(ctx, key, "worker-a"); err != nil {
			t.Fatalf("create run: %v", err)
		}
		srv.tick()
	}
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/runs?limit=2", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	page := decode[paginatedRuns](t, body)
	if len(page.Items) != 2 || page.Items[0].TicketKey != "ORKY-3" || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/runs?limit=2&cursor="+page.NextCursor, nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, body)
	}
	page = decode[paginatedRuns](t, body)
	if len(page.Items) != 1 || page.Items[0].TicketKey != "ORKY-1" || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/runs?cursor=bogus", nil, srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d", res.StatusCode)
	}
}

func TestTrackerWebhookSchedulesScan(t *testing.T) {
	srv := newTestServer(t)
	payload := map[string]any{
		"webhookEvent": "jira:issue_updated",
		"issue":        map[string]any{"key": "ORKY-42", "fields": map[string]any{"summary": "ignored"}},
	}
	res, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/webhooks/tracker", payload, map[string]string{WebhookSecretHeader: "nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", res.StatusCode)
	}
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/webhooks/tracker", map[string]any{"issue": map[string]any{}}, map[string]string{WebhookSecretHeader: "hook-secret"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without issue key, got %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/webhooks/tracker", payload, map[string]string{WebhookSecretHeader: "hook-secret"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.StatusCode, body)
	}
	if got := decode[WebhookAcceptedResponse](t, body); got.IssueKey != "ORKY-42" {
		t.Fatalf("unexpected response %+v", got)
	}
	srv.Server.Wait()
	if calls := srv.Scanner.calls(); len(calls) != 1 || calls[0] != "ORKY-42" {
		t.Fatalf("expected one scan for ORKY-42, got %v", calls)
	}
}

func TestTrackerWebhookCoalescesWaitingScans(t *testing.T) {
	srv := newTestServer(t)
	hook := func(key string) (*http.Response, []byte) {
		payload := map[string]any{"webhookEvent": "jira:issue_updated", "issue": map[string]any{"key": key}}
		return doJSON(t, http.MethodPost, srv.URL+"/v0/webhooks/tracker", payload, map[string]string{WebhookSecretHeader: "hook-secret"})
	}

	// Hold the scan slot so every event stays queued.
	srv.Server.scanMu.Lock()
	srv.Server.queueLimit = 2
	var dup []bool
	for _, key := range []string{"ORKY-42", "ORKY-42", "ORKY-43"} {
		res, body := hook(key)
		if res.StatusCode != http.StatusAccepted {
			srv.Server.scanMu.Unlock()
			t.Fatalf("expected 202 for %s, got %d: %s", key, res.StatusCode, body)
		}
		dup = append(dup, decode[WebhookAcceptedResponse](t, body).Duplicate)
	}
	res, body := hook("ORKY-44")
	srv.Server.scanMu.Unlock()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the queue limit, got %d: %s", res.StatusCode, body)
	}
	if dup[0] || !dup[1] || dup[2] {
		t.Fatalf("unexpected duplicate flags %v", dup)
	}

	srv.Server.Wait()
	calls := srv.Scanner.calls()
	sort.Strings(calls)
	if len(calls) != 2 || calls[0] != "ORKY-42" || calls[1] != "ORKY-43" {
		t.Fatalf("expected one scan per issue, got %v", calls)
	}

	// The queue drains once scans start.
	res, body = hook("ORKY-42")
	if res.StatusCode != http.StatusAccepted || decode[WebhookAcceptedResponse](t, body).Duplicate {
		t.Fatalf("expected a fresh scan, got %d: %s", res.StatusCode, body)
	}
	srv.Server.Wait()
	if n := len(srv.Scanner.calls()); n != 3 {
		t.Fatalf("expected 3 scans, got %d", n)
	}
}

func TestNotifierForwardsNewAuditResults(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []notification
	var secrets []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n notification
		_ = json.NewDecoder(r.Body).Decode(&n)
		mu.Lock()
		got = append(got, n)
		secrets = append(secrets, r.Header.Get("X-Shipline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(receiver.Close)

	cfg := config.Default("ORKY")
	cfg.Notifications = []config.WebhookConfig{{URL: receiver.URL, Secret: "s3", Actions: []string{"run.cancel"}}}
	n := NewNotifier(srv.Engine, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if n == nil {
		t.Fatalf("expected a notifier")
	}
	// The first pass only pins the cursor to existing history.
	n.DispatchAll(ctx)

	run, err := srv.Engine.CreateRun(ctx, "ORKY-10", "worker-a")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := srv.Engine.Cancel(ctx, run.ID, "ops", "stop"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	n.DispatchAll(ctx)
	n.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", got)
	}
	if got[0].Action != "run.cancel" || got[0].RunID != run.ID || secrets[0] != "s3" {
		t.Fatalf("unexpected delivery %+v (secret %q)", got[0], secrets[0])
	}
	if NewNotifier(srv.Engine, config.Default("ORKY"), nil) != nil {
		t.Fatalf("no hooks should yield no notifier")
	}
}

func TestOpenAPIIsPublicAndDocumentsSecurity(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v0/openapi.json", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", resp.StatusCode, body)
	}
	var doc struct {
		Components struct {
			Schemas         map[string]any `json:"schemas"`
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if _, ok := doc.Components.Schemas["ApiError"]; !ok {
		t.Fatalf("ApiError schema missing")
	}
	for _, name := range []string{"bearerAuth", "apiKeyAuth", "webhookSecret"} {
		if _, ok := doc.Components.SecuritySchemes[name]; !ok {
			t.Fatalf("security scheme %s missing", name)
		}
	}
	hook := doc.Paths["/v0/webhooks/tracker"]["post"].Security
	if len(hook) != 1 || hook[0]["webhookSecret"] == nil {
		t.Fatalf("unexpected webhook security %v", hook)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/docs", nil, nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("/v0/openapi.json")) {
		t.Fatalf("docs status %d: %s", resp.StatusCode, body)
	}
}
