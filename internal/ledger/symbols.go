package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// symbolEntry is one mapping in the symbol map file.
type symbolEntry struct {
	Symbol   string `yaml:"symbol"`
	SecType  string `yaml:"sec_type"`
	Exchange string `yaml:"exchange"`
	Currency string `yaml:"currency"`
	Expiry   string `yaml:"expiry"`
}

type symbolFile struct {
	Symbols map[string]symbolEntry `yaml:"symbols"`
}

// SymbolMap translates ledger symbols into broker instruments, e.g. a ledger
// row for "ES" into the front-month future the broker reports.
type SymbolMap struct {
	entries map[string]domain.Instrument
}

// LoadSymbolMap reads a YAML symbol map. An empty path yields an identity map.
//
//	symbols:
//	  ES:
//	    symbol: ESZ6
//	    sec_type: FUT
//	    exchange: CME
func LoadSymbolMap(path string) (*SymbolMap, error) {
	if path == "" {
		return &SymbolMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read symbol map: %w", err)
	}
	return ParseSymbolMap(data)
}

// ParseSymbolMap decodes a YAML symbol map document.
func ParseSymbolMap(data []byte) (*SymbolMap, error) {
	var f symbolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ledger: parse symbol map: %w", err)
	}
	m := &SymbolMap{entries: make(map[string]domain.Instrument, len(f.Symbols))}
	for ledgerSym, e := range f.Symbols {
		if e.Symbol == "" {
			return nil, fmt.Errorf("ledger: symbol map entry %q has no broker symbol", ledgerSym)
		}
		m.entries[strings.ToUpper(ledgerSym)] = domain.Instrument{
			Symbol:   e.Symbol,
			SecType:  domain.SecType(strings.ToUpper(e.SecType)),
			Exchange: e.Exchange,
			Currency: e.Currency,
			Expiry:   e.Expiry,
		}
	}
	return m, nil
}

// Resolve returns the broker instrument for a ledger instrument. Fields the
// map leaves empty keep the ledger's values.
func (m *SymbolMap) Resolve(inst domain.Instrument) domain.Instrument {
	if m == nil || m.entries == nil {
		return inst
	}
	mapped, ok := m.entries[strings.ToUpper(inst.Symbol)]
	if !ok {
		return inst
	}
	if mapped.SecType == "" {
		mapped.SecType = inst.SecType
	}
	if mapped.Exchange == "" {
		mapped.Exchange = inst.Exchange
	}
	if mapped.Currency == "" {
		mapped.Currency = inst.Currency
	}
	if mapped.Expiry == "" {
		mapped.Expiry = inst.Expiry
	}
	mapped.Strike, mapped.Right = inst.Strike, inst.Right
	return mapped
}

// Len reports the number of mapped symbols.
func (m *SymbolMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}
