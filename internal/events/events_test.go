package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/ledgersync/internal/cache/memory"
	"github.com/alanyoungcy/ledgersync/internal/domain"
)

func TestPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := cachemem.NewSignalBus(0)
	sub, err := bus.Subscribe(ctx, domain.EventChannel)
	require.NoError(t, err)

	p := NewPublisher(bus)
	p.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, p.Publish(ctx, domain.Event{Type: domain.EventOrderFilled, TradeID: "T1"}))
	require.NoError(t, p.Publish(ctx, domain.Event{Type: domain.EventLedgerWritten, TradeID: "T1"}))

	select {
	case payload := <-sub:
		ev, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, domain.EventOrderFilled, ev.Type)
		assert.Equal(t, 2026, ev.Timestamp.Year())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	hist, err := p.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.EventLedgerWritten, hist[1].Event.Type)

	rest, err := p.History(ctx, hist[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, hist[1].ID, rest[0].ID)
}

func TestPublisher_NilSafe(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.Publish(context.Background(), domain.Event{Type: domain.EventDivergence}))
	hist, err := p.History(context.Background(), "", 5)
	assert.NoError(t, err)
	assert.Empty(t, hist)

	assert.NoError(t, NewPublisher(nil).Publish(context.Background(), domain.Event{}))
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)
}
