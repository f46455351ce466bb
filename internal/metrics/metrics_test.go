package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kestrel/internal/trader"
)

func closedTrades(profits ...float64) []*trader.Trade {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*trader.Trade, 0, len(profits))
	for i, p := range profits {
		out = append(out, &trader.Trade{
			Symbol:         "BTC/USDT",
			Side:           trader.SideLong,
			EntryTime:      base.Add(time.Duration(i) * time.Hour),
			ExitTime:       base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
			RealizedProfit: p,
			Status:         trader.StatusClosed,
		})
	}
	return out
}

func TestComputeCapped_FloorsLossAtMargin(t *testing.T) {
	trades := closedTrades(10, -5, 20, -30)

	uncapped := Compute(trades)
	capped := ComputeCapped(trades, 10)

	assert.InDelta(t, -5, uncapped.NetProfit, 1e-9)
	// -30 floored to -10: 10 - 5 + 20 - 10 = 15
	assert.InDelta(t, 15, capped.NetProfit, 1e-9)
	assert.Equal(t, 4, capped.TotalTrades)
	assert.InDelta(t, 50, capped.WinRate, 1e-9)
}

func TestCompute_WinRateAndProfitFactor(t *testing.T) {
	s := Compute(closedTrades(10, 20, -15))

	assert.InDelta(t, 66.666666, s.WinRate, 1e-4)
	assert.InDelta(t, 2, s.ProfitFactor, 1e-9)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
}

func TestCompute_NoLossesProfitFactorIsOne(t *testing.T) {
	s := Compute(closedTrades(5, 10))
	assert.InDelta(t, 1, s.ProfitFactor, 1e-9)
}

func TestCompute_MaxDrawdown(t *testing.T) {
	// cumulative: 10, 5, 25, -5 -> peak 25, trough -5, drawdown 30
	s := Compute(closedTrades(10, -5, 20, -30))
	assert.InDelta(t, 30, s.MaxDrawdown, 1e-9)
}

func TestCompute_SharpeZeroStdDev(t *testing.T) {
	s := Compute(closedTrades(5, 5, 5))
	assert.InDelta(t, 0, s.SharpeRatio, 1e-9)
}

func TestCompute_Sharpe(t *testing.T) {
	profits := []float64{10, -5, 20, -30}
	s := Compute(closedTrades(profits...))

	mean := (10.0 - 5 + 20 - 30) / 4
	var variance float64
	for _, p := range profits {
		variance += (p - mean) * (p - mean)
	}
	variance /= 4
	assert.InDelta(t, mean/math.Sqrt(variance), s.SharpeRatio, 1e-9)
}

func TestCompute_EmptyAndOpenTradesIgnored(t *testing.T) {
	open := &trader.Trade{Symbol: "ETH/USDT", Status: trader.StatusOpen, RealizedProfit: 999}
	s := Compute([]*trader.Trade{open})

	assert.Equal(t, 0, s.TotalTrades)
	assert.InDelta(t, 0, s.WinRate, 1e-9)
	assert.InDelta(t, 1, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 0, s.SharpeRatio, 1e-9)
}
