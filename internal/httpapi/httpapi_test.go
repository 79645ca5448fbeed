package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
	"github.com/PSEUDONYM97/zeroclaw/internal/router"
	"github.com/PSEUDONYM97/zeroclaw/internal/secretstore"
)

// fakeLifecycle records lifecycle calls instead of touching real processes.
type fakeLifecycle struct {
	started, stopped, restarted []string
	err                         error
}

func (f *fakeLifecycle) Start(ctx context.Context, instanceID string) error {
	f.started = append(f.started, instanceID)
	return f.err
}

func (f *fakeLifecycle) Stop(ctx context.Context, instanceID string) error {
	f.stopped = append(f.stopped, instanceID)
	return f.err
}

func (f *fakeLifecycle) Restart(ctx context.Context, instanceID string) error {
	f.restarted = append(f.restarted, instanceID)
	return f.err
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *fakeLifecycle) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	bus := eventbus.New()
	rt := router.New(reg, bus, time.Hour, 5)
	secrets, err := secretstore.New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("secretstore.New: %v", err)
	}
	lifecycle := &fakeLifecycle{}

	srv := NewServer(&Server{Reg: reg, Bus: bus, Router: rt, Secrets: secrets, Lifecycle: lifecycle})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, reg, lifecycle
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestHealthzReportsOK(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %+v, want status=ok", body)
	}
}

func TestCreateAndGetInstance(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18801})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created instanceDTO
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "agent-a" || created.Status != registry.StatusStopped {
		t.Fatalf("created = %+v", created)
	}
	if created.CreatedAt == "" || len(created.CreatedAt) != len("2026-07-29 00:00:00") {
		t.Fatalf("created_at = %q, want wire datetime format", created.CreatedAt)
	}

	getResp := doJSON(t, http.MethodGet, ts.URL+"/instances/agent-a", nil)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
}

func TestCreateInstanceRejectsDuplicateName(t *testing.T) {
	ts, _, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18801}).Body.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18802})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStartStopDriveLifecycle(t *testing.T) {
	ts, _, lifecycle := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18801}).Body.Close()

	startResp := doJSON(t, http.MethodPost, ts.URL+"/instances/agent-a/start", nil)
	startResp.Body.Close()
	if startResp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", startResp.StatusCode)
	}
	if len(lifecycle.started) != 1 {
		t.Fatalf("started calls = %d, want 1", len(lifecycle.started))
	}

	stopResp := doJSON(t, http.MethodPost, ts.URL+"/instances/agent-a/stop", nil)
	stopResp.Body.Close()
	if stopResp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", stopResp.StatusCode)
	}
	if len(lifecycle.stopped) != 1 {
		t.Fatalf("stopped calls = %d, want 1", len(lifecycle.stopped))
	}
}

func TestArchiveThenDeleteInstance(t *testing.T) {
	ts, _, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18801}).Body.Close()

	archiveResp := doJSON(t, http.MethodPost, ts.URL+"/instances/agent-a/archive", nil)
	archiveResp.Body.Close()
	if archiveResp.StatusCode != http.StatusNoContent {
		t.Fatalf("archive status = %d, want 204", archiveResp.StatusCode)
	}

	deleteResp := doJSON(t, http.MethodDelete, ts.URL+"/instances/agent-a", nil)
	deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", deleteResp.StatusCode)
	}
}

func TestSendMessageThenAck(t *testing.T) {
	ts, reg, _ := newTestServer(t)
	if _, err := reg.AddRoutingRule(registry.RoutingRule{FromPattern: "agent-a", ToPattern: "agent-b", TypePattern: "task.*"}); err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}
	doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18801}).Body.Close()
	doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-b", "port": 18802}).Body.Close()

	sendResp := doJSON(t, http.MethodPost, ts.URL+"/messages", map[string]any{
		"from": "agent-a", "to": "agent-b", "type": "task.handoff",
		"payload": json.RawMessage(`{"x":1}`), "idempotency_key": "key-1",
	})
	defer sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d, want 202", sendResp.StatusCode)
	}
	var result router.Result
	if err := json.NewDecoder(sendResp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}

	ackResp := doJSON(t, http.MethodPost, ts.URL+"/messages/"+result.ID+"/ack", nil)
	defer ackResp.Body.Close()
	if ackResp.StatusCode != http.StatusConflict {
		t.Fatalf("ack on queued status = %d, want 409", ackResp.StatusCode)
	}
}

func TestPutInstanceSecretNeverEchoesValue(t *testing.T) {
	ts, _, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/instances", map[string]any{"name": "agent-a", "port": 18801}).Body.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/instances/agent-a/secrets/api_key", bytes.NewReader([]byte("super-secret-value")))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if bytes.Contains(body.Bytes(), []byte("super-secret-value")) {
		t.Fatalf("response echoed the plaintext secret: %s", body.String())
	}
}
