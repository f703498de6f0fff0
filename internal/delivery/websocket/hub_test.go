package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/layerbridge/internal/events"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func transferID(t *testing.T, msg ServerMessage) string {
	t.Helper()
	data, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", msg.Data)
	}
	id, _ := data["transfer_id"].(string)
	return id
}

func TestHub_StreamsEvents(t *testing.T) {
	bus := events.NewBus(nil)
	hub := New(bus, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "")
	ctx := context.Background()

	_ = bus.PublishTransfer(ctx, &protov1.TransferEvent{TransferId: "t1", Phase: protov1.TransferPhase_TRANSFER_PHASE_PENDING})
	_ = bus.PublishProtocol(ctx, &protov1.ProtocolEvent{Kind: protov1.ProtocolKind_PROTOCOL_KIND_SIDECHAIN, State: "active"})

	first := readFrame(t, conn)
	if first.Type != "transfer" || transferID(t, first) != "t1" {
		t.Errorf("first frame = %+v", first)
	}
	second := readFrame(t, conn)
	if second.Type != "protocol" {
		t.Errorf("second frame type = %q, want protocol", second.Type)
	}
	if hub.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", hub.ActiveCount())
	}
}

func TestHub_TransferFilter(t *testing.T) {
	bus := events.NewBus(nil)
	hub := New(bus, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "?transfer_id=t2")
	ctx := context.Background()

	_ = bus.PublishTransfer(ctx, &protov1.TransferEvent{TransferId: "t1"})
	_ = bus.PublishProtocol(ctx, &protov1.ProtocolEvent{State: "degraded"})
	_ = bus.PublishTransfer(ctx, &protov1.TransferEvent{TransferId: "t2"})

	msg := readFrame(t, conn)
	if msg.Type != "transfer" || transferID(t, msg) != "t2" {
		t.Errorf("frame = %+v, want only t2", msg)
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	bus := events.NewBus(nil)
	hub := New(bus, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "")
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TotalConnections() != 1 {
		t.Errorf("TotalConnections = %d, want 1", hub.TotalConnections())
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	bus := events.NewBus(nil)
	hub := New(bus, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after Close = %v, want going-away close", err)
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil); err == nil {
		t.Error("dial after Close succeeded")
	}
}
