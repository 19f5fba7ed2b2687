// Package paper implements an in-memory broker gateway that fills market
// orders at a configured price. It backs the "paper" broker driver.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Broker is a simulated broker execution gateway.
type Broker struct {
	mu        sync.Mutex
	positions map[string]domain.BrokerPosition
	prices    map[string]decimal.Decimal
	halted    map[string]string
	orders    map[string]domain.BrokerOrder
	byClient  map[string]string
	subs      []chan domain.Execution
	seq       int
	submits   int
	autoFill  bool
	now       func() time.Time

	// BeforePositions, when set, runs before every position read.
	BeforePositions func()
	// SubmitErr, when set, is returned by the next SubmitMarketOrder after the
	// order was accepted, simulating a lost response.
	SubmitErr error
}

// New creates a paper broker that fills market orders immediately.
func New() *Broker {
	return &Broker{
		positions: make(map[string]domain.BrokerPosition),
		prices:    make(map[string]decimal.Decimal),
		halted:    make(map[string]string),
		orders:    make(map[string]domain.BrokerOrder),
		byClient:  make(map[string]string),
		autoFill:  true,
		now:       time.Now,
	}
}

// Compile-time interface checks.
var (
	_ domain.BrokerGateway   = (*Broker)(nil)
	_ domain.ExecutionSource = (*Broker)(nil)
)

// SetPosition sets the signed quantity held on inst.
func (b *Broker) SetPosition(inst domain.Instrument, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[inst.Key()] = domain.BrokerPosition{Instrument: inst, Quantity: qty, AsOf: b.now().UTC()}
}

// SetPrice sets the fill price for inst.
func (b *Broker) SetPrice(inst domain.Instrument, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[inst.Key()] = price
}

// Halt makes orders on inst rejected with reason.
func (b *Broker) Halt(inst domain.Instrument, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted[inst.Key()] = reason
}

// SetAutoFill controls whether accepted orders fill immediately. When off,
// orders stay working until Fill is called.
func (b *Broker) SetAutoFill(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoFill = on
}

// Submissions reports how many orders were submitted.
func (b *Broker) Submissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// Positions returns every non-flat position ordered by instrument key.
func (b *Broker) Positions(_ context.Context) ([]domain.BrokerPosition, error) {
	if hook := b.BeforePositions; hook != nil {
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		if !p.IsFlat() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.Key() < out[j].Instrument.Key() })
	return out, nil
}

// OpenOrders returns working orders.
func (b *Broker) OpenOrders(_ context.Context) ([]domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.BrokerOrder
	for _, o := range b.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SubmitMarketOrder accepts, rejects or fills an order. A repeated client
// order ID returns the original order.
func (b *Broker) SubmitMarketOrder(_ context.Context, req domain.MarketOrderRequest) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return b.orders[id], nil
	}
	b.submits++
	b.seq++
	key := req.Instrument.Key()
	o := domain.BrokerOrder{
		ID:            fmt.Sprintf("paper-%d", b.seq),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        domain.OrderStatusWorking,
		UpdatedAt:     b.now().UTC(),
	}

	if reason, halted := b.halted[key]; halted {
		o.Status = domain.OrderStatusRejected
		o.RejectReason = reason
		b.store(o)
		return o, fmt.Errorf("paper: %s: %w", reason, domain.ErrOrderRejected)
	}

	if b.autoFill {
		o = b.fillLocked(o)
	}
	b.store(o)

	if err := b.SubmitErr; err != nil {
		b.SubmitErr = nil
		return domain.BrokerOrder{}, err
	}
	return o, nil
}

// Fill completes a working order at the configured price.
func (b *Broker) Fill(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status.Terminal() {
		return nil
	}
	b.store(b.fillLocked(o))
	return nil
}

// Order returns an order by broker ID.
func (b *Broker) Order(_ context.Context, orderID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.BrokerOrder{}, domain.ErrNotFound
	}
	return o, nil
}

// OrderByClientID returns an order by client order ID.
func (b *Broker) OrderByClientID(_ context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byClient[clientOrderID]
	if !ok {
		return domain.BrokerOrder{}, domain.ErrNotFound
	}
	return b.orders[id], nil
}

// Executions streams fills until ctx is done.
func (b *Broker) Executions(ctx context.Context) (<-chan domain.Execution, error) {
	ch := make(chan domain.Execution, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *Broker) store(o domain.BrokerOrder) {
	b.orders[o.ID] = o
	if o.ClientOrderID != "" {
		b.byClient[o.ClientOrderID] = o.ID
	}
}

func (b *Broker) fillLocked(o domain.BrokerOrder) domain.BrokerOrder {
	key := o.Instrument.Key()
	price := b.prices[key]
	now := b.now().UTC()

	o.Status = domain.OrderStatusFilled
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = price
	o.UpdatedAt = now

	pos := b.positions[key]
	pos.Instrument = o.Instrument
	pos.Quantity = pos.Quantity.Add(o.Quantity.Mul(decimal.NewFromInt(o.Side.Sign())))
	pos.AsOf = now
	b.positions[key] = pos

	exec := domain.Execution{
		ExecID:        o.ID + "-1",
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Instrument:    o.Instrument,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         price,
		Time:          now,
	}
	for _, s := range b.subs {
		select {
		case s <- exec:
		default:
		}
	}
	return o
}
