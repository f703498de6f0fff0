package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/config"
	"github.com/marko911/layerbridge/internal/delivery/websocket"
	"github.com/marko911/layerbridge/internal/events"
	"github.com/marko911/layerbridge/internal/manager"
	"github.com/marko911/layerbridge/internal/policy"
	"github.com/marko911/layerbridge/internal/transfer"
)

// newDemoServer runs a manager with demo adapters for every kind, all Active.
func newDemoServer(t *testing.T, opts ...manager.Option) (*manager.Manager, http.Handler, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil)

	cfg := manager.DefaultConfig()
	cfg.Transfer.BackoffBase = time.Millisecond
	cfg.Transfer.BackoffMax = 5 * time.Millisecond
	m := manager.New(cfg, append([]manager.Option{manager.WithSink(bus)}, opts...)...)

	if err := registerAdapters(m, config.Default().Adapters, true, slog.Default()); err != nil {
		t.Fatalf("registerAdapters: %v", err)
	}
	ctx := context.Background()
	for kind, err := range m.InitializeAll(ctx) {
		if err != nil {
			t.Fatalf("initialize %s: %v", kind, err)
		}
	}
	for kind, err := range m.ConnectAll(ctx) {
		if err != nil {
			t.Fatalf("connect %s: %v", kind, err)
		}
	}

	hub := websocket.New(bus, nil)
	t.Cleanup(func() {
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		bus.Close()
	})
	return m, NewServer(m, hub, slog.Default()).Router(), bus
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestServer_HealthAndReady(t *testing.T) {
	_, h, _ := newDemoServer(t)

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/ready status = %d, body %s", rec.Code, rec.Body)
	}
	var ready map[string]any
	decode(t, rec, &ready)
	if ready["ready"] != true || ready["protocols"] != float64(len(adapter.Kinds())) {
		t.Errorf("/ready = %v", ready)
	}
}

func TestServer_ReadyReportsDisconnectedProtocol(t *testing.T) {
	m, h, _ := newDemoServer(t)
	handle, err := m.Get(adapter.KindOracleContract)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := handle.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "oracle_contract") {
		t.Errorf("body %s does not name the protocol", rec.Body)
	}
}

func TestServer_ReadyReportsFailedDependency(t *testing.T) {
	m, _, _ := newDemoServer(t)
	srv := NewServer(m, nil, slog.Default())
	srv.AddCheck(DependencyCheck{Name: "postgres", Check: func(context.Context) error { return nil }})
	srv.AddCheck(DependencyCheck{Name: "redis", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	h := srv.Router()

	rec := do(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready status = %d, want 503", rec.Code)
	}
	var ready struct {
		Ready       bool     `json:"ready"`
		Unavailable []string `json:"unavailable"`
	}
	decode(t, rec, &ready)
	if ready.Ready || len(ready.Unavailable) != 1 || ready.Unavailable[0] != "redis" {
		t.Errorf("/ready = %+v, want only redis unavailable", ready)
	}
}

func TestServer_SubmitAndFetchTransfer(t *testing.T) {
	m, h, _ := newDemoServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/transfers",
		`{"source":"channel_net","destination":"sidechain","asset":"BTC","amount":5000}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	var submitted map[string]string
	decode(t, rec, &submitted)
	id := submitted["id"]
	if !strings.HasPrefix(id, "channel_net_sidechain_") {
		t.Fatalf("id = %q", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.WaitTransfer(ctx, id); err != nil {
		t.Fatalf("WaitTransfer: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/transfers/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got transfer.Record
	decode(t, rec, &got)
	if got.Phase != transfer.PhaseCommitted {
		t.Errorf("phase = %s, want committed", got.Phase)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/transfers?phase=committed", "")
	var list struct {
		Count     int                `json:"count"`
		Transfers []*transfer.Record `json:"transfers"`
	}
	decode(t, rec, &list)
	if list.Count != 1 || list.Transfers[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/transfers?phase=pending,failed", "")
	decode(t, rec, &list)
	if list.Count != 0 {
		t.Errorf("pending/failed count = %d, want 0", list.Count)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/transfers/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel of committed transfer status = %d, want 409", rec.Code)
	}
}

func TestServer_SubmitErrors(t *testing.T) {
	_, h, _ := newDemoServer(t, manager.WithPolicy(policy.Limits{
		Assets: map[string]policy.AssetLimit{"BTC": {Max: 1000}},
	}))

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{"source":`, want: http.StatusBadRequest},
		{name: "unknown kind", body: `{"source":"lightning","destination":"sidechain","asset":"BTC","amount":1}`, want: http.StatusBadRequest},
		{name: "zero amount", body: `{"source":"channel_net","destination":"sidechain","asset":"BTC"}`, want: http.StatusBadRequest},
		{name: "unsupported asset", body: `{"source":"channel_net","destination":"sidechain","asset":"DOGE","amount":1}`, want: http.StatusBadRequest},
		{name: "same kind", body: `{"source":"sidechain","destination":"sidechain","asset":"BTC","amount":1}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"source":"channel_net","destination":"sidechain","asset":"BTC","amount":1,"fee":2}`, want: http.StatusBadRequest},
		{name: "duplicate id", body: `{"id":"dup","source":"channel_net","destination":"sidechain","asset":"BTC","amount":1}`, want: http.StatusConflict},
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/transfers",
		`{"id":"dup","source":"channel_net","destination":"sidechain","asset":"BTC","amount":1}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d, body %s", rec.Code, rec.Body)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/transfers", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

// Policy runs when the transfer starts, so a denied transfer is accepted and
// then fails.
func TestServer_PolicyDeniedTransferFails(t *testing.T) {
	m, h, _ := newDemoServer(t, manager.WithPolicy(policy.Limits{
		Assets: map[string]policy.AssetLimit{"BTC": {Max: 1000}},
	}))

	rec := do(t, h, http.MethodPost, "/api/v1/transfers",
		`{"source":"channel_net","destination":"sidechain","asset":"BTC","amount":5000}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	var submitted map[string]string
	decode(t, rec, &submitted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := m.WaitTransfer(ctx, submitted["id"])
	if err != nil {
		t.Fatalf("WaitTransfer: %v", err)
	}
	if got.Phase != transfer.PhaseFailed {
		t.Errorf("phase = %s, want failed", got.Phase)
	}
}

func TestServer_UnknownTransfer(t *testing.T) {
	_, h, _ := newDemoServer(t)
	if rec := do(t, h, http.MethodGet, "/api/v1/transfers/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/transfers?phase=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad phase status = %d, want 400", rec.Code)
	}
}

func TestServer_Status(t *testing.T) {
	_, h, _ := newDemoServer(t)
	rec := do(t, h, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report manager.Report
	decode(t, rec, &report)
	if len(report.Protocols) != len(adapter.Kinds()) {
		t.Errorf("protocols = %d, want %d", len(report.Protocols), len(adapter.Kinds()))
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
