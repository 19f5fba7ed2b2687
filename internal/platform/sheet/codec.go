package sheet

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Column positions on the DataEntry tab.
const (
	colCategory    = 0
	colSymbol      = 1
	colSize        = 2
	colTactic      = 3
	colEntryPrice  = 8
	colPctSold     = 9
	colExitPrice   = 10
	colDateEntered = 11
	colDateExited  = 12
	colNotes       = 13
	colUID         = 21

	rowWidth = colUID + 1
)

// DateLayout is the format dates are written in.
const DateLayout = "01/02/2006 15:04"

var dateLayouts = []string{
	DateLayout,
	"1/2/2006 15:04",
	"01/02/2006 15:04:05",
	"1/2/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

// blank reports whether a row carries neither a symbol nor an ID.
func blank(values []string) bool {
	return cell(values, colSymbol) == "" && cell(values, colUID) == ""
}

// decodeRow maps a sheet row to a Trade. Cells that fail to parse leave the
// corresponding field zero so the reader can reject the row with a reason.
func decodeRow(r SheetRow, loc *time.Location) domain.Trade {
	v := r.Values
	t := domain.Trade{
		ID: cell(v, colUID),
		Instrument: domain.Instrument{
			Symbol:  strings.ToUpper(cell(v, colSymbol)),
			SecType: secType(cell(v, colTactic)),
		},
		Notes:   cell(v, colNotes),
		Version: r.Version,
	}

	if size, ok := parseNumber(cell(v, colSize)); ok {
		t.Quantity = size.Abs()
		t.Side = domain.SideLong
		if size.IsNegative() {
			t.Side = domain.SideShort
		}
	}
	if p, ok := parseNumber(cell(v, colEntryPrice)); ok {
		t.EntryPrice = &p
	}
	if p, ok := parseNumber(cell(v, colExitPrice)); ok {
		p = p.Abs()
		t.ExitPrice = &p
	}

	entered, hasEntered := parseDate(cell(v, colDateEntered), loc)
	exited, hasExited := parseDate(cell(v, colDateExited), loc)
	if hasEntered {
		t.EnteredAt = entered
	}
	if t.Instrument.SecType == domain.SecTypeOption || optionTactic.MatchString(strings.ToUpper(cell(v, colTactic))) {
		t.Instrument.SecType = domain.SecTypeOption
		ref := entered
		if !hasEntered {
			ref = time.Now().In(loc)
		}
		if exp, strike, right, ok := optionContract(cell(v, colTactic), ref.In(loc)); ok {
			t.Instrument.Expiry = exp
			t.Instrument.Strike = strike
			t.Instrument.Right = right
		}
	}
	switch {
	case hasExited:
		t.ExitedAt = &exited
		t.Status = domain.TradeStatusClosed
	case cell(v, colDateExited) != "":
		// Unparseable exit date: leave status empty so the row is rejected
		// rather than treated as open.
	case t.Instrument.Symbol != "" && hasEntered:
		t.Status = domain.TradeStatusOpen
	}
	return t
}

// encodeRow writes the writer-owned fields of t over the existing values.
// Exit prices are recorded negative for shorts.
func encodeRow(existing []string, t domain.Trade, loc *time.Location) []string {
	v := make([]string, max(len(existing), rowWidth))
	copy(v, existing)

	if t.ExitPrice != nil {
		p := t.ExitPrice.Abs()
		if t.Side == domain.SideShort {
			p = p.Neg()
		}
		v[colExitPrice] = p.String()
	}
	if t.ExitedAt != nil {
		v[colDateExited] = t.ExitedAt.In(loc).Format(DateLayout)
		if strings.TrimSpace(v[colPctSold]) == "" {
			v[colPctSold] = "100%"
		}
	}
	v[colNotes] = t.Notes
	return v
}

func cell(values []string, i int) string {
	if i >= len(values) {
		return ""
	}
	return strings.TrimSpace(values[i])
}

// parseNumber reads a price or size cell: currency symbols and percent signs
// are ignored and only the first comma-separated value counts.
func parseNumber(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == ',' {
			b.WriteRune(r)
		}
	}
	cleaned, _, _ := strings.Cut(b.String(), ",")
	if cleaned == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseDate(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// secType reads the tactic column. Option and futures tactics start with
// their security type; anything else is a stock trade.
func secType(tactic string) domain.SecType {
	t := strings.ToUpper(tactic)
	for _, st := range []domain.SecType{domain.SecTypeOption, domain.SecTypeFuture, domain.SecTypeCash, domain.SecTypeStock} {
		if strings.HasPrefix(t, string(st)) {
			return st
		}
	}
	return domain.SecTypeStock
}

// optionTactic matches "DEC31 2018 $100P" and "DEC31 $100P", with an optional
// OPT prefix.
var optionTactic = regexp.MustCompile(`^(?:OPT\s+)?([A-Z]{3})(\d{1,2})\s+(?:(\d{4})\s+)?\$?(\d+(?:\.\d+)?)([CP])$`)

// optionContract reads the contract out of an option tactic. Without a year
// the expiry is the first matching date on or after ref.
func optionContract(tactic string, ref time.Time) (expiry, strike string, right domain.OptionRight, ok bool) {
	m := optionTactic.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(tactic)))
	if m == nil {
		return "", "", "", false
	}
	month, err := time.Parse("Jan", m[1])
	if err != nil {
		return "", "", "", false
	}
	day, _ := strconv.Atoi(m[2])
	year := ref.Year()
	if m[3] != "" {
		year, _ = strconv.Atoi(m[3])
	}
	date := time.Date(year, month.Month(), day, 0, 0, 0, 0, time.UTC)
	if date.Day() != day {
		return "", "", "", false
	}
	if m[3] == "" {
		refDay := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		if date.Before(refDay) {
			date = date.AddDate(1, 0, 0)
		}
	}

	strike = domain.NormalizeStrike(m[4])
	if strike == "" {
		return "", "", "", false
	}
	return date.Format("20060102"), strike, domain.OptionRight(m[5]), true
}
