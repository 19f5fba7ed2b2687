// Package events publishes reconciliation lifecycle events on the signal bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Publisher serialises events onto the signal bus. A nil bus drops events.
type Publisher struct {
	bus domain.SignalBus
	now func() time.Time
}

// Entry is an event read back from the history stream.
type Entry struct {
	ID    string       `json:"id"`
	Event domain.Event `json:"event"`
}

// NewPublisher creates a Publisher.
func NewPublisher(bus domain.SignalBus) *Publisher {
	return &Publisher{bus: bus, now: time.Now}
}

// Publish sends ev on domain.EventChannel and appends it to
// domain.EventStream. Timestamp defaults to now.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	if p == nil || p.bus == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	if err := p.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	if err := p.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		return fmt.Errorf("events: append %s: %w", ev.Type, err)
	}
	return nil
}

// History returns up to count events recorded after the stream ID after.
// An empty after reads from the oldest retained event.
func (p *Publisher) History(ctx context.Context, after string, count int) ([]Entry, error) {
	if p == nil || p.bus == nil {
		return nil, nil
	}
	if after == "" {
		after = "0"
	}
	msgs, err := p.bus.StreamRead(ctx, domain.EventStream, after, count)
	if err != nil {
		return nil, fmt.Errorf("events: history: %w", err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		ev, err := Decode(m.Payload)
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: m.ID, Event: ev})
	}
	return out, nil
}

// Decode parses a payload received from the bus.
func Decode(payload []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("events: decode: %w", err)
	}
	return ev, nil
}
