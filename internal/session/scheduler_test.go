package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/market"
	"kestrel/internal/report"
	"kestrel/internal/strategy"
	"kestrel/internal/trader"
)

type stubSource struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (s *stubSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	out := make([]market.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		price := 100 + float64(i)*0.01
		out = append(out, market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      price, High: price, Low: price, Close: price,
		})
	}
	return out, nil
}

func (s *stubSource) CurrentPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

func (s *stubSource) TickerStats(ctx context.Context) ([]market.TickerStat, error) {
	return []market.TickerStat{
		{Symbol: "BTCUSDT", LastPrice: 100, PriceChangePercent: 2.5, QuoteVolume: 5_000_000},
		{Symbol: "ETHUSDT", LastPrice: 200, PriceChangePercent: -4.0, QuoteVolume: 3_000_000},
	}, nil
}

func (s *stubSource) Stats() market.SourceStats { return market.SourceStats{} }
func (s *stubSource) Close() error              { return nil }

// alwaysLong 每轮对第一个有数据的交易对发一个多头信号。
type alwaysLong struct{}

func (alwaysLong) Name() string    { return "always_long_test" }
func (alwaysLong) BarsNeeded() int { return 10 }
func (alwaysLong) Evaluate(snap *market.Snapshot) []strategy.Signal {
	for _, sym := range snap.Symbols() {
		return []strategy.Signal{{Symbol: sym, Side: trader.SideLong, Tag: "always_long_test"}}
	}
	return nil
}

// panicOnce 第一次评估时 panic，之后返回空信号。
type panicOnce struct{}

var panicOnceCalls atomic.Int32

func (panicOnce) Name() string    { return "panic_once_test" }
func (panicOnce) BarsNeeded() int { return 5 }
func (panicOnce) Evaluate(*market.Snapshot) []strategy.Signal {
	if panicOnceCalls.Add(1) == 1 {
		panic("strategy blew up")
	}
	return nil
}

func init() {
	strategy.Register("always_long_test", func() strategy.Evaluator { return alwaysLong{} })
	strategy.Register("panic_once_test", func() strategy.Evaluator { return panicOnce{} })
}

type reportSink struct {
	mu      sync.Mutex
	reports []report.Report
}

func (r *reportSink) add(rep report.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *reportSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func newTestScheduler(src market.Source, sink *reportSink) *Scheduler {
	mgr := trader.NewManager(trader.Config{MarginPerTrade: 10, Leverage: 1}, nil)
	fetcher := market.NewSnapshotFetcher(market.SnapshotFetcherConfig{Source: src, Concurrency: 2})
	cfg := Config{
		Align:           false,
		SymbolSelection: SelectCustom,
		CustomSymbols:   []string{"BTC/USDT"},
		Cooldown:        10 * time.Millisecond,
		PaperBalance:    10000,
	}
	deps := Deps{Source: src, Fetcher: fetcher, Manager: mgr}
	if sink != nil {
		deps.OnReport = sink.add
	}
	return NewScheduler(cfg, deps)
}

func startParams() StartParams {
	return StartParams{
		Mode:       ModePaper,
		Interval:   "1m",
		Strategies: []string{"always_long_test"},
	}
}

func TestScheduler_MutualExclusion(t *testing.T) {
	src := &stubSource{prices: map[string]float64{"BTC/USDT": 100}}
	s := newTestScheduler(src, nil)

	sess, err := s.Start(context.Background(), startParams())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, s.IsRunning())

	_, err = s.Start(context.Background(), startParams())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	s.Stop(false)
	assert.False(t, s.IsRunning())

	// idle again: a fresh start must succeed
	sess2, err := s.Start(context.Background(), startParams())
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, sess2.ID)
	s.Stop(false)
}

func TestScheduler_DoubleStopSingleReport(t *testing.T) {
	src := &stubSource{prices: map[string]float64{"BTC/USDT": 100}}
	sink := &reportSink{}
	s := newTestScheduler(src, sink)

	_, err := s.Start(context.Background(), startParams())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	s.Stop(true)
	s.Stop(true) // logged no-op

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, StateIdle, s.StateNow())
}

func TestScheduler_StopForceClosesOpenTrades(t *testing.T) {
	src := &stubSource{prices: map[string]float64{"BTC/USDT": 100}}
	sink := &reportSink{}
	s := newTestScheduler(src, sink)

	_, err := s.Start(context.Background(), startParams())
	require.NoError(t, err)

	// give the first cycle time to open the always-long trade
	deadline := time.Now().Add(2 * time.Second)
	for s.deps.Manager.OpenCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Positive(t, s.deps.Manager.OpenCount())

	s.Stop(true)

	require.Equal(t, 1, sink.count())
	rep := sink.reports[0]
	assert.Zero(t, rep.OpenAtEnd)
	assert.Positive(t, rep.ForcedCloses)
}

func TestScheduler_CyclePanicDoesNotKillLoop(t *testing.T) {
	panicOnceCalls.Store(0)
	src := &stubSource{prices: map[string]float64{"BTC/USDT": 100}}
	s := newTestScheduler(src, nil)

	_, err := s.Start(context.Background(), StartParams{
		Mode:       ModePaper,
		Interval:   "1m",
		Strategies: []string{"panic_once_test"},
	})
	require.NoError(t, err)

	// 第一轮 panic 之后循环必须在冷却期后继续跑下一轮
	deadline := time.Now().Add(2 * time.Second)
	for panicOnceCalls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, panicOnceCalls.Load(), int32(2))
	assert.True(t, s.IsRunning())

	s.Stop(false)
	assert.Equal(t, StateIdle, s.StateNow())
}

func TestScheduler_StopDuringStartupWindow(t *testing.T) {
	src := &stubSource{prices: map[string]float64{"BTC/USDT": 100}}
	s := newTestScheduler(src, nil)

	// 复现启动窗口：Starting 已认领、循环尚未拉起
	_, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.state = StateStarting
	s.sess = &Session{ID: "window-test", Mode: ModePaper, Interval: "1m", StartedAt: time.Now().UTC()}
	s.cancel = cancel
	s.loopDone = done
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Stop(false)
	}()
	require.Eventually(t, s.IsStopping, time.Second, 5*time.Millisecond)

	// 启动方此时不能把 Stopping 改写回 Running，必须放弃拉起
	gotDone, ok := s.beginRunning()
	assert.False(t, ok)
	cancel()
	close(gotDone)

	<-stopped
	assert.Equal(t, StateIdle, s.StateNow())

	// 被抢占的启动收尾后，新会话必须能干净地开起来
	sess, err := s.Start(context.Background(), startParams())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, s.IsRunning())
	s.Stop(false)
}

func TestScheduler_StartRejectsWithoutStrategy(t *testing.T) {
	src := &stubSource{prices: map[string]float64{}}
	s := newTestScheduler(src, nil)

	_, err := s.Start(context.Background(), StartParams{Mode: ModePaper, Interval: "1m"})
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.StateNow(), "failed start leaves no state behind")

	_, err = s.Start(context.Background(), StartParams{Mode: ModePaper, Interval: "bogus", Strategies: []string{"always_long_test"}})
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.StateNow())
}

func TestScheduler_SessionIDFormat(t *testing.T) {
	id := newSessionID(time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC))
	require.Len(t, id, 14+1+8)
	assert.Equal(t, "20260828103000", id[:14])
	assert.Equal(t, byte('-'), id[14])
}

func TestParseMode(t *testing.T) {
	for raw, want := range map[string]Mode{
		"backtest": ModeBacktest,
		"paper":    ModePaper,
		"LIVE":     ModeLive,
	} {
		got, ok := ParseMode(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got)
	}
	_, ok := ParseMode("nonsense")
	assert.False(t, ok)
}
