package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/db"
	"github.com/foxzi/chatblast/internal/dispatch"
	"github.com/foxzi/chatblast/internal/models"
	"github.com/foxzi/chatblast/internal/receipts"
	"github.com/foxzi/chatblast/internal/repository"
)

// mockEngine implements Dispatcher for testing
type mockEngine struct {
	calls []string
	err   error
}

func (m *mockEngine) record(op, id string) error {
	m.calls = append(m.calls, op+":"+id)
	return m.err
}

func (m *mockEngine) Start(_ context.Context, id string) error  { return m.record("start", id) }
func (m *mockEngine) Pause(_ context.Context, id string) error  { return m.record("pause", id) }
func (m *mockEngine) Stop(_ context.Context, id string) error   { return m.record("stop", id) }
func (m *mockEngine) Resume(_ context.Context, id string) error { return m.record("resume", id) }

func (m *mockEngine) Progress(_ context.Context, id string) (*models.CampaignProgress, error) {
	if err := m.record("progress", id); err != nil {
		return nil, err
	}
	return &models.CampaignProgress{CampaignID: id, Status: models.CampaignActive, Progress: 40, Running: true}, nil
}

func (m *mockEngine) ResetLead(_ context.Context, id string) (*models.Lead, error) {
	if err := m.record("reset", id); err != nil {
		return nil, err
	}
	return &models.Lead{ID: id, Status: models.LeadPending}, nil
}

type testServer struct {
	server    *Server
	engine    *mockEngine
	inbox     *receipts.Inbox
	instances *repository.InstanceRepository
	campaigns *repository.CampaignRepository
	bindings  *repository.BindingRepository
}

func setupTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	database, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	inbox, err := receipts.Open(filepath.Join(t.TempDir(), "receipts.db"))
	if err != nil {
		t.Fatalf("failed to open inbox: %v", err)
	}
	t.Cleanup(func() { inbox.Close() })

	ts := &testServer{
		engine:    &mockEngine{},
		inbox:     inbox,
		instances: repository.NewInstanceRepository(database.DB),
		campaigns: repository.NewCampaignRepository(database.DB),
		bindings:  repository.NewBindingRepository(database.DB),
	}

	cfg := &config.APIConfig{
		ListenAddr:   ":8080",
		APIKey:       apiKey,
		WebhookToken: "hook-secret",
	}
	deps := Deps{
		Engine:    ts.engine,
		Campaigns: ts.campaigns,
		Leads:     repository.NewLeadRepository(database.DB),
		Instances: ts.instances,
		Bindings:  ts.bindings,
		Receipts:  inbox,
	}
	ts.server = NewServer(deps, cfg, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createInstance(t *testing.T, name string) *models.Instance {
	t.Helper()
	inst := &models.Instance{Name: name}
	if err := ts.instances.Create(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t, "secret-key")

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"correct key", "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", "X-API-Key", "secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/instances", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			ts.server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestInstancesEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.do(t, "POST", "/api/v1/instances", `{"name":"sales-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var inst models.Instance
	json.NewDecoder(w.Body).Decode(&inst)
	if inst.ID == "" || inst.Name != "sales-1" {
		t.Errorf("unexpected instance: %+v", inst)
	}

	if w := ts.do(t, "POST", "/api/v1/instances", `{"name":"sales-1"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate: Status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := ts.do(t, "POST", "/api/v1/instances", `{"name":" "}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank name: Status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = ts.do(t, "GET", "/api/v1/instances", "")
	var list []models.Instance
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("expected 1 instance, got %d", len(list))
	}

	if w := ts.do(t, "DELETE", "/api/v1/instances/"+inst.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := ts.do(t, "DELETE", "/api/v1/instances/"+inst.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCampaignCreate(t *testing.T) {
	ts := setupTestServer(t, "")
	inst := ts.createInstance(t, "sales-1")

	body := `{
		"name": "launch",
		"message": "Hi {{name}}",
		"min_delay": 1,
		"max_delay": 3,
		"instance_id": "` + inst.ID + `",
		"leads": [{"phone": "5511999990001", "name": "Ana"}, {"phone": "5511999990002"}]
	}`
	w := ts.do(t, "POST", "/api/v1/campaigns", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp CampaignResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Imported != 2 {
		t.Errorf("Imported = %d, want 2", resp.Imported)
	}
	if resp.Campaign.Status != models.CampaignDraft || resp.Campaign.InstanceName != "sales-1" {
		t.Errorf("unexpected campaign: %+v", resp.Campaign)
	}

	w = ts.do(t, "POST", "/api/v1/campaigns/"+resp.Campaign.ID+"/leads", `{"leads":[{"phone":"5511999990003"}]}`)
	if w.Code != http.StatusCreated {
		t.Errorf("import: Status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestCampaignCreateValidation(t *testing.T) {
	ts := setupTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{invalid}`, http.StatusBadRequest},
		{"missing name", `{"message":"hi","use_rotation":true}`, http.StatusBadRequest},
		{"missing content", `{"name":"c","use_rotation":true}`, http.StatusBadRequest},
		{"bad media type", `{"name":"c","media_url":"https://x/a.png","media_type":"gif","use_rotation":true}`, http.StatusBadRequest},
		{"inverted delays", `{"name":"c","message":"hi","min_delay":5,"max_delay":1,"use_rotation":true}`, http.StatusBadRequest},
		{"no instance", `{"name":"c","message":"hi"}`, http.StatusBadRequest},
		{"unknown instance", `{"name":"c","message":"hi","instance_id":"missing"}`, http.StatusUnprocessableEntity},
		{"bad strategy", `{"name":"c","message":"hi","use_rotation":true,"rotation_strategy":"round_robin"}`, http.StatusBadRequest},
		{"lead without phone", `{"name":"c","message":"hi","use_rotation":true,"leads":[{"name":"x"}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, "POST", "/api/v1/campaigns", tt.body); w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCampaignControlErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusAccepted},
		{"not found", dispatch.ErrCampaignNotFound, http.StatusNotFound},
		{"already running", dispatch.ErrAlreadyRunning, http.StatusConflict},
		{"not connected", dispatch.ErrNotConnected, http.StatusPreconditionFailed},
		{"no recipients", dispatch.ErrNoRecipients, http.StatusUnprocessableEntity},
		{"store failure", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t, "")
			ts.engine.err = tt.err

			w := ts.do(t, "POST", "/api/v1/campaigns/c-1/start", "")
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
			if len(ts.engine.calls) != 1 || ts.engine.calls[0] != "start:c-1" {
				t.Errorf("unexpected engine calls: %v", ts.engine.calls)
			}
		})
	}
}

func TestCampaignControlRoutes(t *testing.T) {
	ts := setupTestServer(t, "")

	for _, op := range []string{"pause", "resume", "stop"} {
		if w := ts.do(t, "POST", "/api/v1/campaigns/c-1/"+op, ""); w.Code != http.StatusAccepted {
			t.Errorf("%s: Status = %d, want %d", op, w.Code, http.StatusAccepted)
		}
	}

	w := ts.do(t, "GET", "/api/v1/campaigns/c-1/progress", "")
	var p models.CampaignProgress
	json.NewDecoder(w.Body).Decode(&p)
	if w.Code != http.StatusOK || p.Progress != 40 {
		t.Errorf("progress: Status = %d, body = %+v", w.Code, p)
	}

	if w := ts.do(t, "POST", "/api/v1/leads/l-1/reset", ""); w.Code != http.StatusOK {
		t.Errorf("lead reset: Status = %d, want %d", w.Code, http.StatusOK)
	}

	want := []string{"pause:c-1", "resume:c-1", "stop:c-1", "progress:c-1", "reset:l-1"}
	if len(ts.engine.calls) != len(want) {
		t.Fatalf("engine calls = %v, want %v", ts.engine.calls, want)
	}
	for i := range want {
		if ts.engine.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, ts.engine.calls[i], want[i])
		}
	}
}

func TestRotationEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")
	ctx := context.Background()
	a := ts.createInstance(t, "a")
	b := ts.createInstance(t, "b")

	c := &models.Campaign{Name: "c", Message: "hi", UseRotation: true}
	if err := ts.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	base := "/api/v1/campaigns/" + c.ID + "/instances"

	body := `{"use_rotation":true,"strategy":"load_balanced","max_messages_per_instance":50,"instance_ids":["` + a.ID + `","` + b.ID + `"]}`
	w := ts.do(t, "PUT", base, body)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp RotationResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Strategy != models.StrategyLoadBalanced || len(resp.Instances) != 2 {
		t.Errorf("unexpected rotation: %+v", resp)
	}
	if resp.Instances[0].MaxMessages == nil || *resp.Instances[0].MaxMessages != 50 {
		t.Errorf("expected cap 50 on bindings, got %+v", resp.Instances[0])
	}

	w = ts.do(t, "POST", base+"/"+a.ID+"/toggle", "")
	var toggled map[string]bool
	json.NewDecoder(w.Body).Decode(&toggled)
	if w.Code != http.StatusOK || toggled["is_active"] {
		t.Errorf("toggle: Status = %d, body = %v", w.Code, toggled)
	}

	if w := ts.do(t, "POST", base+"/missing/toggle", ""); w.Code != http.StatusNotFound {
		t.Errorf("toggle unknown: Status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := ts.do(t, "POST", base+"/reset", ""); w.Code != http.StatusOK {
		t.Errorf("reset: Status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := ts.do(t, "DELETE", base+"/"+b.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("remove: Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := ts.do(t, "DELETE", base+"/"+b.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second remove: Status = %d, want %d", w.Code, http.StatusNotFound)
	}

	got, _ := ts.campaigns.GetByID(ctx, c.ID)
	if got.RotationStrategy != models.StrategyLoadBalanced {
		t.Errorf("strategy not stored: %s", got.RotationStrategy)
	}

	bad := []string{
		`{"use_rotation":true,"instance_ids":[]}`,
		`{"use_rotation":true,"strategy":"fastest","instance_ids":["` + a.ID + `"]}`,
		`{"use_rotation":true,"instance_ids":["` + a.ID + `","` + a.ID + `"]}`,
	}
	for _, body := range bad {
		if w := ts.do(t, "PUT", base, body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: Status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
	if w := ts.do(t, "PUT", "/api/v1/campaigns/missing/instances", `{"use_rotation":false}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown campaign: Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGatewayWebhook(t *testing.T) {
	ts := setupTestServer(t, "")

	tests := []struct {
		name  string
		token string
		body  string
		want  int
		added int
	}{
		{"single", "hook-secret", `{"message_id":"m1","status":"DELIVERY_ACK"}`, http.StatusAccepted, 1},
		{"batch", "hook-secret", `[{"message_id":"m2","status":"READ","timestamp":"2026-01-01T10:00:00Z"},{"message_id":"m3","status":"ERROR"}]`, http.StatusAccepted, 2},
		{"missing token", "", `{"message_id":"m4","status":"READ"}`, http.StatusUnauthorized, 0},
		{"missing status", "hook-secret", `{"message_id":"m5"}`, http.StatusBadRequest, 0},
		{"empty batch", "hook-secret", `[]`, http.StatusBadRequest, 0},
		{"garbage", "hook-secret", `not json`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := ts.inbox.Len()

			req := httptest.NewRequest("POST", "/webhooks/gateway", bytes.NewBufferString(tt.body))
			if tt.token != "" {
				req.Header.Set("X-Webhook-Token", tt.token)
			}
			w := httptest.NewRecorder()
			ts.server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
			after, _ := ts.inbox.Len()
			if after-before != tt.added {
				t.Errorf("inbox grew by %d, want %d", after-before, tt.added)
			}
		})
	}
}

func TestGatewayWebhookAllowedIPs(t *testing.T) {
	ts := setupTestServer(t, "")
	cfg := &config.APIConfig{
		WebhookToken:      "hook-secret",
		WebhookAllowedIPs: []string{"10.0.0.0/8"},
	}
	server := NewServer(Deps{Engine: ts.engine, Receipts: ts.inbox}, cfg, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name       string
		remoteAddr string
		want       int
	}{
		{"inside range", "10.20.0.3:5555", http.StatusAccepted},
		{"outside range", "192.0.2.1:5555", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhooks/gateway", bytes.NewBufferString(`{"message_id":"m1","status":"READ"}`))
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("X-Webhook-Token", "hook-secret")
			w := httptest.NewRecorder()
			server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestDeadReceipts(t *testing.T) {
	ts := setupTestServer(t, "test-key")

	w := ts.do(t, "GET", "/api/v1/receipts/dead", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("Body = %s, want []", got)
	}

	if w := ts.do(t, "GET", "/api/v1/receipts/dead?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
