package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/trade"
)

func startHub(t *testing.T) (*trade.WSHub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := trade.NewWSHub()
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, hub *trade.WSHub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	want := hub.ClientCount() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return evt
}

func TestWSHub_Broadcast(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv, "")

	addr := solana.NewWallet().PublicKey()
	hub.Publish(context.Background(), events.New(events.TypeProfileCreated, addr, address.Address{}, nil, time.Now()))

	evt := readEvent(t, conn)
	if evt.Type != events.TypeProfileCreated || !evt.Address.Equals(addr) {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestWSHub_AccountFilter(t *testing.T) {
	hub, srv := startHub(t)
	watched := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	conn := dial(t, hub, srv, "?account="+watched.String())

	ctx := context.Background()
	hub.Publish(ctx, events.New(events.TypePositionOpened, other, other, nil, time.Now()))
	hub.Publish(ctx, events.New(events.TypePositionClosed, watched, other, nil, time.Now()))

	evt := readEvent(t, conn)
	if evt.Type != events.TypePositionClosed || !evt.Address.Equals(watched) {
		t.Errorf("expected only the watched account's event, got %+v", evt)
	}
}

func TestWSHub_InvalidFilter(t *testing.T) {
	hub := trade.NewWSHub()
	req := httptest.NewRequest("GET", "/ws?account=nope", nil)
	w := httptest.NewRecorder()
	hub.HandleWS(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
