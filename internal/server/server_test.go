package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/forged/internal/isolation"
	"github.com/danmuck/forged/internal/pool"
	"github.com/danmuck/forged/internal/testutil/testlog"
	"github.com/danmuck/forged/internal/worker"
)

type echoProcess struct{ name string }

func (e echoProcess) DisplayName() string { return e.name }

func (e echoProcess) Invoke(_ context.Context, payload worker.Payload) (worker.Result, error) {
	return worker.Result{Output: payload.Operation}, nil
}

func (e echoProcess) Terminate() error { return nil }

func (e echoProcess) MemorySnapshot() (worker.MemorySnapshot, error) {
	return worker.MemorySnapshot{MaxHeapBytes: 2048, CommittedHeapBytes: 1024}, nil
}

func newTestServer(t *testing.T, cfg pool.Config) (*Server, *pool.Pool) {
	t.Helper()
	spawn := worker.SpawnerFunc(func(_ context.Context, desc isolation.Descriptor) (worker.Process, error) {
		return echoProcess{name: "echo"}, nil
	})
	p, err := pool.New(cfg, spawn)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { _ = p.ShutdownAll() })
	return New("forged.test", nil, p, pool.NewMonitor(p)), p
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, pool.Config{})

	rr := doRequest(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health status: %d", rr.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if health["daemon"] != "forged.test" || health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	rr = doRequest(t, s, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status: %d", rr.Code)
	}
}

func TestWorkersEndpointListsDiagnostics(t *testing.T) {
	testlog.Start(t)

	s, p := newTestServer(t, pool.Config{})
	desc := isolation.Descriptor{Classpath: []string{"x.jar"}, KeepAlive: isolation.KeepAliveDaemon}
	if _, err := p.Submit(context.Background(), desc, worker.Payload{Operation: "compile"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rr := doRequest(t, s, http.MethodGet, "/workers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("workers status: %d", rr.Code)
	}

	var payload struct {
		Workers []worker.Diagnostics `json:"workers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("workers body: %v", err)
	}
	if len(payload.Workers) != 1 {
		t.Fatalf("expected one worker, got %d", len(payload.Workers))
	}
	d := payload.Workers[0]
	if d.UseCount != 1 || d.KeepAlive != "daemon" || d.Failed {
		t.Fatalf("unexpected diagnostics: %+v", d)
	}
}

func TestPressureEndpointDrivesEviction(t *testing.T) {
	testlog.Start(t)

	s, p := newTestServer(t, pool.Config{MaxIdle: time.Hour})
	desc := isolation.Descriptor{Classpath: []string{"x.jar"}, KeepAlive: isolation.KeepAliveDaemon}
	if _, err := p.Submit(context.Background(), desc, worker.Payload{Operation: "compile"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.WorkerCount() != 1 {
		t.Fatalf("expected one live worker")
	}

	rr := doRequest(t, s, http.MethodPost, "/pressure", `{"target_bytes": 512}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("pressure status: %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("pressure body: %v", err)
	}
	if resp["freed_estimate"].(float64) != 1024 {
		t.Fatalf("unexpected freed estimate: %v", resp["freed_estimate"])
	}
	if p.WorkerCount() != 0 {
		t.Fatalf("expected eviction to empty the pool")
	}
}

func TestPressureEndpointRejectsMissingTarget(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, pool.Config{})
	rr := doRequest(t, s, http.MethodPost, "/pressure", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestExpireEndpointRunsSweep(t *testing.T) {
	testlog.Start(t)

	s, p := newTestServer(t, pool.Config{MaxIdle: time.Nanosecond})
	desc := isolation.Descriptor{Classpath: []string{"x.jar"}, KeepAlive: isolation.KeepAliveDaemon}
	if _, err := p.Submit(context.Background(), desc, worker.Payload{Operation: "compile"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	rr := doRequest(t, s, http.MethodPost, "/workers/expire", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expire status: %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expire body: %v", err)
	}
	if resp["stopped"].(float64) != 1 {
		t.Fatalf("expected one stopped worker, got %v", resp["stopped"])
	}
}
