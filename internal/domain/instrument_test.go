package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstrumentKey_OptionContracts(t *testing.T) {
	put := func(strike string) Instrument {
		return Instrument{Symbol: "spy", SecType: SecTypeOption, Expiry: "20261231", Strike: strike, Right: RightPut}
	}

	assert.Equal(t, "OPT:SPY:20261231:100:P", put("100").Key())
	assert.NotEqual(t, put("100").Key(), put("110").Key())
	assert.Equal(t, put("150").Key(), put("150.00").Key())

	call := put("100")
	call.Right = RightCall
	assert.NotEqual(t, put("100").Key(), call.Key())

	assert.Equal(t, "STK:AAPL", Instrument{Symbol: "aapl"}.Key())
	assert.Equal(t, "FUT:ES:202612", Instrument{Symbol: "ES", SecType: SecTypeFuture, Expiry: "202612"}.Key())
}

func TestInstrument_IsContractComplete(t *testing.T) {
	tests := []struct {
		name string
		inst Instrument
		want bool
	}{
		{"stock", Instrument{Symbol: "AAPL"}, true},
		{"no symbol", Instrument{SecType: SecTypeStock}, false},
		{"option", Instrument{Symbol: "SPY", SecType: SecTypeOption, Expiry: "20261231", Strike: "100", Right: RightPut}, true},
		{"option without strike", Instrument{Symbol: "SPY", SecType: SecTypeOption, Expiry: "20261231", Right: RightPut}, false},
		{"option without expiry", Instrument{Symbol: "SPY", SecType: SecTypeOption, Strike: "100", Right: RightCall}, false},
		{"option bad right", Instrument{Symbol: "SPY", SecType: SecTypeOption, Expiry: "20261231", Strike: "100", Right: "X"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.inst.IsContractComplete())
		})
	}
}
