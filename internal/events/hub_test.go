package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/events"
	"github.com/atmx/collateral-bridge/internal/model"
)

func TestHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := events.NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	id := common.HexToHash("0x0a")
	hub.Emit(model.Event{Kind: model.EventOrderFunded, Chain: model.ChainA, OrderID: id, Amount: uint256.NewInt(5)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg events.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "event" || msg.Chain != "A" || msg.Event.Kind != model.EventOrderFunded || msg.Event.OrderID != id {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Event.Amount == nil || msg.Event.Amount.Uint64() != 5 {
		t.Errorf("amount: %v", msg.Event.Amount)
	}
}

func TestHub_EmitWithoutClients(t *testing.T) {
	hub := events.NewHub()
	// Emit must not block even when nothing drains the hub.
	for i := 0; i < 300; i++ {
		hub.Emit(model.Event{Kind: model.EventBorrowed})
	}
	if hub.Clients() != 0 {
		t.Errorf("clients: %d", hub.Clients())
	}
}
