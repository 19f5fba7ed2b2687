package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Message is one operator alert.
type Message struct {
	Event domain.EventType
	Title string
	Body  string
}

// SubmissionFailed reports a broker rejection. The action blocks its trade
// until acknowledged.
func SubmissionFailed(a domain.Action, err error) Message {
	reason := a.Error
	var se *domain.SubmissionError
	if errors.As(err, &se) {
		reason = se.Reason
	}
	return Message{
		Event: domain.EventSubmissionFail,
		Title: "Reconciliation order rejected",
		Body: fmt.Sprintf("Trade %s: %s %s %s was rejected by the broker: %s\nAcknowledge action %s once reviewed.",
			a.TradeID, a.Side, a.Quantity, a.Instrument, reason, a.ID),
	}
}

// AmbiguousState reports a position that moved between detection and
// submission.
func AmbiguousState(err *domain.AmbiguousStateError) Message {
	return Message{
		Event: domain.EventAmbiguousState,
		Title: "Broker position changed",
		Body: fmt.Sprintf("Trade %s on %s: expected %s, found %s. No order was sent.",
			err.TradeID, err.Instrument, err.Expected, err.Actual),
	}
}

// WriteConflict reports a ledger write that lost a version race and was
// queued for retry.
func WriteConflict(a domain.Action, err error) Message {
	detail := err.Error()
	var wc *domain.WriteConflictError
	if errors.As(err, &wc) {
		detail = fmt.Sprintf("row version %d, found %d", wc.ExpectedVersion, wc.ActualVersion)
	}
	return Message{
		Event: domain.EventWriteConflict,
		Title: "Ledger write queued",
		Body: fmt.Sprintf("Trade %s filled but the ledger row changed (%s). The fill is queued and will be retried.",
			a.TradeID, detail),
	}
}

// Divergences reports findings that need a human rather than an order.
func Divergences(passID string, divs []domain.Divergence) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Pass %s found %d divergence(s) needing review:", passID, len(divs))
	for _, d := range divs {
		fmt.Fprintf(&b, "\n- %s %s: %s", d.TradeID, d.Instrument, d.Kind)
		if d.Detail != "" {
			fmt.Fprintf(&b, " (%s)", d.Detail)
		}
	}
	return Message{Event: domain.EventDivergence, Title: "Ledger and broker disagree", Body: b.String()}
}

// TradeFlattened reports a closing order that filled.
func TradeFlattened(a domain.Action) Message {
	body := fmt.Sprintf("Trade %s: %s %s %s", a.TradeID, a.Side, a.Quantity, a.Instrument)
	if f, ok := a.Fill(); ok {
		body = fmt.Sprintf("Trade %s: %s %s %s filled at %s", a.TradeID, a.Side, f.Quantity, a.Instrument, f.Price)
	}
	return Message{Event: domain.EventOrderFilled, Title: "Position flattened", Body: body}
}

// TradeClosed reports an operator force-close.
func TradeClosed(t domain.Trade, reason string) Message {
	return Message{
		Event: domain.EventTradeClosed,
		Title: "Trade closed",
		Body:  fmt.Sprintf("Trade %s (%s %s %s) closed: %s", t.ID, t.Side, t.Quantity, t.Instrument, reason),
	}
}

// LedgerWritten reports a queued fill that was finally applied.
func LedgerWritten(tradeID string) Message {
	return Message{
		Event: domain.EventLedgerWritten,
		Title: "Ledger updated",
		Body:  fmt.Sprintf("Queued fill for trade %s was written to the ledger.", tradeID),
	}
}
