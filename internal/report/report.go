// Package report renders pass reports and action listings as text tables
// for the command line.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Pass prints a one-paragraph summary followed by the divergence table.
func Pass(w io.Writer, r domain.PassReport) {
	mode := "live"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "pass %s (%s) %s, took %s\n", r.PassID, mode,
		r.StartedAt.Format("2006-01-02 15:04:05Z07:00"), r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  ledger trades: %d (skipped rows: %d)  broker positions: %d\n",
		r.TradesRead, r.SkippedRows, r.PositionsRead)
	if !r.DryRun {
		fmt.Fprintf(w, "  actions created: %d  submitted: %d  filled: %d  failed: %d  aborted: %d  resumed: %d\n",
			r.Created, r.Submitted, r.Filled, r.Failed, r.Aborted, r.Resumed)
		fmt.Fprintf(w, "  ledger writes: %d  queued: %d\n", r.LedgerWrites, r.WriteConflicts)
	}

	if len(r.Divergences) == 0 {
		fmt.Fprintln(w, "\nledger and broker agree")
	} else {
		fmt.Fprintln(w)
		Divergences(w, r.Divergences)
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "\nerrors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

// Divergences prints one row per divergence.
func Divergences(w io.Writer, divs []domain.Divergence) {
	table := tablewriter.NewWriter(w)
	table.Header("Trade", "Instrument", "Ledger", "Broker", "Residual", "Kind", "Proposed", "Detail")
	for _, d := range divs {
		proposed := "-"
		if d.Actionable() {
			proposed = strings.ToUpper(string(d.Action.Side)) + " " + d.Action.Quantity.String()
		}
		table.Append(
			d.TradeID,
			d.Instrument.Key(),
			string(d.LedgerStatus),
			d.BrokerQuantity.String(),
			d.Residual.String(),
			string(d.Kind),
			proposed,
			d.Detail,
		)
	}
	table.Render()
}

// Actions prints one row per action.
func Actions(w io.Writer, actions []domain.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "no actions")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Trade", "Instrument", "Order", "Status", "Fill", "Broker order", "Created", "Error")
	for _, a := range actions {
		status := string(a.Status)
		if a.Status == domain.ActionStatusFailed && a.Acknowledged {
			status += " (ack)"
		}
		fill := "-"
		if f, ok := a.Fill(); ok {
			fill = f.Quantity.String() + " @ " + f.Price.String()
		}
		table.Append(
			a.ID,
			a.TradeID,
			a.Instrument.Key(),
			strings.ToUpper(string(a.Side))+" "+a.Quantity.String(),
			status,
			fill,
			orDash(a.BrokerOrderID),
			a.CreatedAt.Format("2006-01-02 15:04:05"),
			orDash(a.Error),
		)
	}
	table.Render()
}

// Writes prints the pending ledger write queue.
func Writes(w io.Writer, writes []domain.PendingWrite) {
	if len(writes) == 0 {
		fmt.Fprintln(w, "no pending ledger writes")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Trade", "Action", "Fill", "Attempts", "Next attempt", "Last error")
	for _, pw := range writes {
		table.Append(
			pw.TradeID,
			pw.ActionID,
			pw.Fill.Quantity.String()+" @ "+pw.Fill.Price.String(),
			fmt.Sprintf("%d", pw.Attempts),
			pw.NextAttemptAt.Format("2006-01-02 15:04:05"),
			orDash(pw.LastError),
		)
	}
	table.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
