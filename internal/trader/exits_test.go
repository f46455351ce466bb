package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrailingTrade(side Side, entry, activationPct, callbackPct float64) *Trade {
	t := &Trade{
		Symbol:     "BTC/USDT",
		Side:       side,
		EntryPrice: entry,
		Quantity:   1,
		Status:     StatusOpen,
		Exit: ExitConfig{
			Mode: ExitTrailingStop,
			Trailing: TrailingConfig{
				ActivationPct: activationPct,
				CallbackPct:   callbackPct,
			},
		},
	}
	initExitState(t, 0)
	return t
}

func TestTrailing_ClosesAfterRetraceBeyondCallback(t *testing.T) {
	tr := newTrailingTrade(SideLong, 100, 0.02, 0.01)

	assert.False(t, advanceExitState(tr, 101), "below activation, stays unarmed")
	assert.False(t, tr.Trailing.Armed)

	assert.False(t, advanceExitState(tr, 102), "activation tick arms but does not close")
	require.True(t, tr.Trailing.Armed)
	assert.InDelta(t, 102, tr.Trailing.Watermark, 1e-9)

	assert.False(t, advanceExitState(tr, 105), "new high lifts the watermark")
	assert.InDelta(t, 105, tr.Trailing.Watermark, 1e-9)
	assert.InDelta(t, 103.95, tr.Trailing.StopPrice, 1e-9)

	// +5% -> +3.9% is a 1.1% retrace from the high-water mark, beyond the 1% callback.
	assert.True(t, advanceExitState(tr, 103.9))
}

func TestTrailing_HoldsWithinCallback(t *testing.T) {
	tr := newTrailingTrade(SideLong, 100, 0.02, 0.01)

	advanceExitState(tr, 102)
	advanceExitState(tr, 105)

	assert.False(t, advanceExitState(tr, 104.2), "+4.2% is within 1% of the +5% mark")
	assert.True(t, tr.IsOpen())
}

func TestTrailing_ShortUsesLowWaterMark(t *testing.T) {
	tr := newTrailingTrade(SideShort, 100, 0.02, 0.01)

	assert.False(t, advanceExitState(tr, 99))
	assert.False(t, advanceExitState(tr, 98), "activation at -2%")
	require.True(t, tr.Trailing.Armed)

	assert.False(t, advanceExitState(tr, 95))
	assert.InDelta(t, 95, tr.Trailing.Watermark, 1e-9)
	assert.InDelta(t, 95.95, tr.Trailing.StopPrice, 1e-9)

	assert.True(t, advanceExitState(tr, 96.1), "bounce beyond callback closes the short")
}

func TestTrailing_ATRMultiplierDerivesActivation(t *testing.T) {
	tr := &Trade{
		Symbol:     "ETH/USDT",
		Side:       SideLong,
		EntryPrice: 200,
		Status:     StatusOpen,
		Exit: ExitConfig{
			Mode: ExitTrailingStop,
			Trailing: TrailingConfig{
				ActivationATRMult: 2,
				CallbackPct:       0.01,
			},
		},
	}
	initExitState(tr, 3) // activation pct = 3*2/200 = 3%

	assert.InDelta(t, 206, tr.Trailing.ActivationPrice, 1e-9)
}

func TestTakeProfit_TriggersOnEitherSide(t *testing.T) {
	tr := &Trade{
		Symbol:     "BTC/USDT",
		Side:       SideLong,
		EntryPrice: 100,
		Quantity:   1,
		Status:     StatusOpen,
		Exit:       ExitConfig{Mode: ExitTakeProfit, TakeProfitPct: 0.03, StopLossPct: 0.015},
	}
	initExitState(tr, 0)

	assert.InDelta(t, 103, tr.TakeProfitPrice, 1e-9)
	assert.InDelta(t, 98.5, tr.StopLossPrice, 1e-9)

	assert.False(t, advanceExitState(tr, 101))
	assert.True(t, advanceExitState(tr, 103.2), "crossed take-profit")

	stop := &Trade{Symbol: "BTC/USDT", Side: SideLong, EntryPrice: 100, Quantity: 1, Status: StatusOpen,
		Exit: ExitConfig{Mode: ExitTakeProfit, TakeProfitPct: 0.03, StopLossPct: 0.015}}
	initExitState(stop, 0)
	assert.True(t, advanceExitState(stop, 98.4), "crossed stop-loss")
}

func TestPnLPercent_ClosesInBothDirections(t *testing.T) {
	mk := func() *Trade {
		tr := &Trade{Symbol: "SOL/USDT", Side: SideLong, EntryPrice: 100, Quantity: 1, Status: StatusOpen,
			Exit: ExitConfig{Mode: ExitPnLPercent, PnLTargetPct: 0.05}}
		initExitState(tr, 0)
		return tr
	}

	tr := mk()
	assert.False(t, advanceExitState(tr, 104))
	assert.True(t, advanceExitState(tr, 105), "hit +5% target")

	tr = mk()
	assert.False(t, advanceExitState(tr, 96))
	assert.True(t, advanceExitState(tr, 95), "hit -5% loss")
}
