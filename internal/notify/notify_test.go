package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"submission_failed"}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), Message{Event: domain.EventSubmissionFail, Title: "a"}))
	require.NoError(t, n.Notify(context.Background(), Message{Event: domain.EventDivergence, Title: "b"}))
	require.NoError(t, n.NotifyAll(context.Background(), "c", ""))

	assert.Equal(t, []string{"a", "c"}, s.titles)
}

func TestNotifier_NilAndFailingSenders(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Notify(context.Background(), Message{Title: "x"}))
	assert.False(t, n.Enabled())

	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	n = NewNotifier([]Sender{bad, ok}, nil, discardLogger())
	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"t"}, ok.titles)
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Position flattened", "AAPL <sell>"))

	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Position flattened</b>\nAAPL &lt;sell&gt;", got["text"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", strings.Repeat("x", 3000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 404")
}

func TestMessages(t *testing.T) {
	a := domain.Action{
		ID:         "A1",
		TradeID:    "T1",
		Instrument: domain.Instrument{Symbol: "AAPL", SecType: domain.SecTypeStock},
		Side:       domain.OrderSideSell,
		Quantity:   decimal.NewFromInt(100),
	}

	m := SubmissionFailed(a, &domain.SubmissionError{ActionID: "A1", TradeID: "T1", Reason: "no shortable shares"})
	assert.Equal(t, domain.EventSubmissionFail, m.Event)
	assert.Contains(t, m.Body, "no shortable shares")
	assert.Contains(t, m.Body, "A1")

	m = WriteConflict(a, &domain.WriteConflictError{TradeID: "T1", ExpectedVersion: 3, ActualVersion: 4})
	assert.Contains(t, m.Body, "row version 3, found 4")

	m = AmbiguousState(&domain.AmbiguousStateError{
		TradeID: "T1", Instrument: a.Instrument,
		Expected: decimal.NewFromInt(100), Actual: decimal.NewFromInt(40),
	})
	assert.Contains(t, m.Body, "expected 100, found 40")

	m = Divergences("P1", []domain.Divergence{{
		Kind: domain.DivergenceLedgerOpenBrokerFlat, TradeID: "T2", Instrument: a.Instrument,
	}})
	assert.Contains(t, m.Body, "T2 STK:AAPL: ledger_open_broker_flat")
}
