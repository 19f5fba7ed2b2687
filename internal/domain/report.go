package domain

import "time"

// PassReport summarises one reconciliation pass.
type PassReport struct {
	PassID         string       `json:"pass_id"`
	DryRun         bool         `json:"dry_run"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	TradesRead     int          `json:"trades_read"`
	PositionsRead  int          `json:"positions_read"`
	SkippedRows    int          `json:"skipped_rows"`
	Divergences    []Divergence `json:"divergences"`
	Created        int          `json:"created"`
	Submitted      int          `json:"submitted"`
	Filled         int          `json:"filled"`
	Failed         int          `json:"failed"`
	Aborted        int          `json:"aborted"`
	Resumed        int          `json:"resumed"`
	LedgerWrites   int          `json:"ledger_writes"`
	WriteConflicts int          `json:"write_conflicts"`
	Errors         []string     `json:"errors,omitempty"`
}

// Duration is the wall time the pass took.
func (r PassReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
