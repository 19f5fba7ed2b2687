package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/ledgersync/internal/cache/memory"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
)

func TestHub_PushesFilteredEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := cachemem.NewSignalBus(0)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "serve"})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])

	require.NoError(t, conn.WriteJSON(filterMsg{Types: []domain.EventType{domain.EventOrderFilled}}))
	require.Eventually(t, func() bool {
		for c := range snapshot(hub) {
			return c.wants(domain.Event{Type: domain.EventOrderFilled}) &&
				!c.wants(domain.Event{Type: domain.EventDivergence})
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	pub := events.NewPublisher(bus)
	require.NoError(t, pub.Publish(ctx, domain.Event{Type: domain.EventDivergence, TradeID: "T1"}))
	require.NoError(t, pub.Publish(ctx, domain.Event{Type: domain.EventOrderFilled, TradeID: "T1"}))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, domain.EventOrderFilled, ev.Type)
	assert.Equal(t, 1, hub.Clients())
}

func snapshot(h *Hub) map[*client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*client]bool, len(h.clients))
	for c := range h.clients {
		out[c] = true
	}
	return out
}
