package backtest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/market"
	"kestrel/internal/session"
	"kestrel/internal/strategy"
	"kestrel/internal/trader"
)

const hourMs = int64(3_600_000)

// 对齐到 1h 网格的固定起点（2023-11）
var replayStart = int64(472_223) * hourMs

// fakeSource 生成确定性 K 线：jump 之前恒为 100，之后恒为 104。
type fakeSource struct {
	jumpAt  int64
	fetches atomic.Int64
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	f.fetches.Add(1)
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	var out []market.Candle
	for t := req.Start; t <= req.End && len(out) < limit; t += hourMs {
		price := 100.0
		if t >= f.jumpAt {
			price = 104.0
		}
		out = append(out, market.Candle{
			OpenTime:  t,
			CloseTime: t + hourMs - 1,
			Open:      price, High: price, Low: price, Close: price,
			Volume: 1000,
			Trades: 10,
		})
	}
	return out, nil
}

type btLong struct{}

func (btLong) Name() string    { return "bt_always_long" }
func (btLong) BarsNeeded() int { return 3 }
func (btLong) Evaluate(snap *market.Snapshot) []strategy.Signal {
	if _, ok := snap.Get("BTC/USDT"); !ok {
		return nil
	}
	return []strategy.Signal{{Symbol: "BTC/USDT", Side: trader.SideLong, Tag: "bt_always_long"}}
}

func newBacktestManager() *trader.Manager {
	mgr := trader.NewManager(trader.Config{
		MaxOpenTrades:  1,
		MarginPerTrade: 100,
		Leverage:       1,
		Exit: trader.ExitConfig{
			Mode:          trader.ExitTakeProfit,
			TakeProfitPct: 0.03,
			StopLossPct:   0.9,
		},
	}, nil)
	mgr.Reset("bt-test")
	return mgr
}

func replayParams() session.StartParams {
	return session.StartParams{
		Mode:          session.ModeBacktest,
		Interval:      "1h",
		CustomSymbols: []string{"BTC/USDT"},
		StartDate:     time.UnixMilli(replayStart).UTC(),
		EndDate:       time.UnixMilli(replayStart + 9*hourMs).UTC(),
	}
}

func TestRunner_ReplayTakeProfitAndForcedClose(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	src := &fakeSource{jumpAt: replayStart + 5*hourMs}
	runner := NewRunner(Config{}, store, src)
	mgr := newBacktestManager()

	err = runner.Run(context.Background(), replayParams(), mgr, []strategy.Evaluator{btLong{}})
	require.NoError(t, err)

	closed := mgr.ClosedTrades()
	require.Len(t, closed, 2)

	// 第一笔：100 开仓，104 触发止盈
	first := closed[0]
	assert.False(t, first.Forced)
	assert.InDelta(t, 100.0, first.EntryPrice, 1e-9)
	assert.InDelta(t, 104.0, first.ExitPrice, 1e-9)
	assert.InDelta(t, 4.0, first.RealizedProfit, 1e-9)

	// 第二笔：104 重新开仓，区间结束时按最后价强平，盈亏为零
	second := closed[1]
	assert.True(t, second.Forced)
	assert.InDelta(t, 104.0, second.EntryPrice, 1e-9)
	assert.InDelta(t, 0.0, second.RealizedProfit, 1e-9)
	assert.Zero(t, mgr.OpenCount())
}

func TestRunner_DeterministicAndCacheHit(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	src := &fakeSource{jumpAt: replayStart + 5*hourMs}
	runner := NewRunner(Config{}, store, src)

	mgr1 := newBacktestManager()
	require.NoError(t, runner.Run(context.Background(), replayParams(), mgr1, []strategy.Evaluator{btLong{}}))
	fetchesAfterFirst := src.fetches.Load()
	require.Positive(t, fetchesAfterFirst)

	mgr2 := newBacktestManager()
	require.NoError(t, runner.Run(context.Background(), replayParams(), mgr2, []strategy.Evaluator{btLong{}}))

	// 第二次跑全部命中缓存，不再打数据源
	assert.Equal(t, fetchesAfterFirst, src.fetches.Load())

	first, second := mgr1.ClosedTrades(), mgr2.ClosedTrades()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].EntryPrice, second[i].EntryPrice, "trade %d entry", i)
		assert.Equal(t, first[i].ExitPrice, second[i].ExitPrice, "trade %d exit", i)
		assert.Equal(t, first[i].RealizedProfit, second[i].RealizedProfit, "trade %d pnl", i)
		assert.Equal(t, first[i].EntryTime, second[i].EntryTime, "trade %d entry time", i)
	}
}

func TestRunner_RejectsWithoutSymbols(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runner := NewRunner(Config{}, store, &fakeSource{})
	params := replayParams()
	params.CustomSymbols = nil

	err = runner.Run(context.Background(), params, newBacktestManager(), []strategy.Evaluator{btLong{}})
	require.Error(t, err)
}

func TestStore_UpsertAndCoverage(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	batch := []market.Candle{
		{OpenTime: replayStart, CloseTime: replayStart + hourMs - 1, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10},
		{OpenTime: replayStart + hourMs, CloseTime: replayStart + 2*hourMs - 1, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 20},
	}
	n, err := store.InsertCandles(ctx, "BTCUSDT", "1h", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 重复 open_time 覆盖旧值
	batch[1].Close = 9
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1h", batch[1:])
	require.NoError(t, err)

	got, err := store.RangeCandles(ctx, "BTCUSDT", "1h", replayStart, replayStart+2*hourMs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 9.0, got[1].Close, 1e-9)

	cov, err := store.Covered(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cov.Rows)
	assert.Equal(t, replayStart, cov.MinTime)
	assert.Equal(t, replayStart+hourMs, cov.MaxTime)

	count, err := store.CountRange(ctx, "BTCUSDT", "1h", replayStart, replayStart+hourMs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
