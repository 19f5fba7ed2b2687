package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SecType is the broker security type of an instrument.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeFuture SecType = "FUT"
	SecTypeCash   SecType = "CASH"
)

// OptionRight is the call/put flag of an option contract.
type OptionRight string

const (
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// Instrument identifies a tradable contract at the broker. Expiry, Strike and
// Right are set for options; futures carry Expiry only.
type Instrument struct {
	Symbol   string      `json:"symbol"`
	SecType  SecType     `json:"sec_type"`
	Exchange string      `json:"exchange,omitempty"`
	Currency string      `json:"currency,omitempty"`
	Expiry   string      `json:"expiry,omitempty"` // YYYYMMDD or YYYYMM
	Strike   string      `json:"strike,omitempty"`
	Right    OptionRight `json:"right,omitempty"`
}

// Key is the canonical identity used to match ledger rows with broker
// positions. Exchange and currency are routing details and not part of it.
// Option keys include expiry, strike and right so every contract on an
// underlying is tracked separately.
func (i Instrument) Key() string {
	st := i.SecType
	if st == "" {
		st = SecTypeStock
	}
	key := string(st) + ":" + strings.ToUpper(strings.TrimSpace(i.Symbol))
	switch st {
	case SecTypeOption:
		key += ":" + i.Expiry + ":" + NormalizeStrike(i.Strike) + ":" + strings.ToUpper(string(i.Right))
	case SecTypeFuture:
		if i.Expiry != "" {
			key += ":" + i.Expiry
		}
	}
	return key
}

// IsContractComplete reports whether the broker can identify the contract.
func (i Instrument) IsContractComplete() bool {
	if strings.TrimSpace(i.Symbol) == "" {
		return false
	}
	if i.SecType != SecTypeOption {
		return true
	}
	r := OptionRight(strings.ToUpper(string(i.Right)))
	return i.Expiry != "" && NormalizeStrike(i.Strike) != "" && (r == RightCall || r == RightPut)
}

// NormalizeStrike renders a strike without trailing zeros so "150.0" and
// "150" name the same contract. Unparseable strikes normalise to "".
func NormalizeStrike(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	if s == "" {
		return ""
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return ""
	}
	return d.String()
}

func (i Instrument) String() string {
	return i.Key()
}
