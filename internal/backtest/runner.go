package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kestrel/internal/analysis/indicator"
	"kestrel/internal/logger"
	"kestrel/internal/market"
	symbolpkg "kestrel/internal/pkg/symbol"
	"kestrel/internal/session"
	"kestrel/internal/strategy"
	"kestrel/internal/trader"
)

type Config struct {
	// MaxBars 限制每根回放 K 线能看到的历史窗口长度。
	MaxBars int
	// PageLimit 是补数据时单次请求的最大条数。
	PageLimit int
	// DefaultRange 在未指定起始日期时使用。
	DefaultRange time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxBars <= 0 {
		out.MaxBars = 400
	}
	if out.PageLimit <= 0 {
		out.PageLimit = 1000
	}
	if out.DefaultRange <= 0 {
		out.DefaultRange = 30 * 24 * time.Hour
	}
	return out
}

// Runner 用本地缓存的历史 K 线逐根驱动同一套交易逻辑，
// 时钟取每根 K 线的收盘时间，与墙钟无关，同一区间重放结果可复现。
type Runner struct {
	cfg    Config
	store  *Store
	source CandleSource
}

func NewRunner(cfg Config, store *Store, source CandleSource) *Runner {
	return &Runner{cfg: cfg.withDefaults(), store: store, source: source}
}

var _ session.BacktestDriver = (*Runner)(nil)

func (r *Runner) Run(ctx context.Context, params session.StartParams, mgr *trader.Manager, evaluators []strategy.Evaluator) error {
	tf, err := ParseTimeframe(params.Interval)
	if err != nil {
		return err
	}
	symbols := symbolpkg.NormalizeList(params.CustomSymbols)
	if len(symbols) == 0 {
		return fmt.Errorf("backtest 需要 custom_symbols")
	}

	end := params.EndDate
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := params.StartDate
	if start.IsZero() {
		start = end.Add(-r.cfg.DefaultRange)
	}
	step := tf.durationMillis()
	startMs, endMs := tf.AlignRange(start.UnixMilli(), end.UnixMilli())
	// 最后一根未收盘的 K 线不参与回放
	lastClosed := alignDown(time.Now().UnixMilli(), step) - step
	if endMs > lastClosed {
		endMs = lastClosed
	}
	if endMs < startMs {
		return fmt.Errorf("backtest range is empty: %d~%d", startMs, endMs)
	}

	warmup := strategy.MaxBarsNeeded(evaluators)
	if warmup <= 0 || warmup > r.cfg.MaxBars {
		warmup = r.cfg.MaxBars
	}
	dataStart := startMs - int64(warmup)*step

	series := make(map[string][]market.Candle, len(symbols))
	for _, sym := range symbols {
		bars, err := r.ensureCandles(ctx, sym, tf, dataStart, endMs)
		if err != nil {
			return err
		}
		series[sym] = bars
	}

	logger.Infof("[backtest] %s replay %d symbols interval=%s range=%s ~ %s",
		mgr.SessionID(), len(symbols), tf.Key,
		time.UnixMilli(startMs).UTC().Format(time.RFC3339),
		time.UnixMilli(endMs).UTC().Format(time.RFC3339))

	idx := make(map[string]int, len(symbols))
	var lastPrices map[string]float64
	lastNow := time.UnixMilli(endMs + step).UTC()
	bars := 0
	for t := startMs; t <= endMs; t += step {
		if ctx.Err() != nil {
			break
		}
		now := time.UnixMilli(t + step).UTC()
		snap := &market.Snapshot{
			Interval: tf.Key,
			Bars:     make(map[string][]market.Candle, len(symbols)),
			TakenAt:  now,
		}
		prices := make(map[string]float64, len(symbols))
		for _, sym := range symbols {
			all := series[sym]
			i := idx[sym]
			for i < len(all) && all[i].OpenTime <= t {
				i++
			}
			idx[sym] = i
			if i == 0 {
				continue
			}
			lo := i - r.cfg.MaxBars
			if lo < 0 {
				lo = 0
			}
			window := all[lo:i]
			last := window[len(window)-1]
			if last.OpenTime != t {
				// 该交易对这根 K 线缺数据，跳过本轮
				continue
			}
			snap.Bars[sym] = window
			if last.Close > 0 {
				prices[sym] = last.Close
			}
		}
		if len(snap.Bars) == 0 {
			continue
		}

		var signals []strategy.Signal
		for _, ev := range evaluators {
			signals = append(signals, ev.Evaluate(snap)...)
		}

		mgr.EvaluateExits(ctx, prices, now)
		for _, sig := range signals {
			price, ok := prices[sig.Symbol]
			if !ok || price <= 0 {
				continue
			}
			_, err := mgr.TryOpen(ctx, trader.OpenRequest{
				Symbol:      sig.Symbol,
				Side:        sig.Side,
				Price:       price,
				StrategyTag: sig.Tag,
				Time:        now,
				ATR:         r.atrFor(mgr, snap, sig.Symbol),
			})
			if errors.Is(err, trader.ErrAdmissionDenied) {
				logger.Debugf("[backtest] signal %s %s skipped: %v", sig.Symbol, sig.Side, err)
			} else if err != nil {
				logger.Warnf("[backtest] open %s %s failed: %v", sig.Symbol, sig.Side, err)
			}
		}
		lastPrices = prices
		lastNow = now
		bars++
	}

	if mgr.OpenCount() > 0 {
		mgr.ForceCloseAll(ctx, lastPrices, lastNow)
	}
	logger.Infof("[backtest] done: %d bars replayed, %d trades closed", bars, len(mgr.ClosedTrades()))
	return nil
}

// ensureCandles 保证 startMs~endMs 的缓存完整后按升序返回。
// 补数据失败不致命，缺口交易对在对应 K 线上直接缺席。
func (r *Runner) ensureCandles(ctx context.Context, sym string, tf Timeframe, startMs, endMs int64) ([]market.Candle, error) {
	exch := symbolpkg.Binance.ToExchange(sym)
	want := tf.ExpectedCandles(startMs, endMs)
	have, err := r.store.CountRange(ctx, exch, tf.Key, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if have < want && r.source != nil {
		if err := r.syncRange(ctx, exch, tf, startMs, endMs); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.Warnf("[backtest] sync %s %s incomplete: %v", exch, tf.Key, err)
		}
	}
	candles, err := r.store.RangeCandles(ctx, exch, tf.Key, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles available for %s %s", exch, tf.Key)
	}
	if cov, err := r.store.Covered(ctx, exch, tf.Key); err == nil {
		logger.Debugf("[backtest] %s %s cache rows=%d range=%d~%d", exch, tf.Key, cov.Rows, cov.MinTime, cov.MaxTime)
	}
	return candles, nil
}

// syncRange 从数据源分页拉取缺口区间写入缓存。
func (r *Runner) syncRange(ctx context.Context, exch string, tf Timeframe, startMs, endMs int64) error {
	step := tf.durationMillis()
	cursor := startMs
	for cursor <= endMs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := r.source.Fetch(ctx, FetchRequest{
			Symbol:   exch,
			Interval: tf.SourceInterval,
			Start:    cursor,
			End:      endMs,
			Limit:    r.cfg.PageLimit,
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if _, err := r.store.InsertCandles(ctx, exch, tf.Key, batch); err != nil {
			return err
		}
		next := batch[len(batch)-1].OpenTime + step
		if next <= cursor {
			return nil
		}
		cursor = next
	}
	return nil
}

func (r *Runner) atrFor(mgr *trader.Manager, snap *market.Snapshot, symbol string) float64 {
	cfg := mgr.CurrentConfig()
	if cfg.Exit.Mode != trader.ExitTrailingStop || cfg.Exit.Trailing.ActivationATRMult <= 0 {
		return 0
	}
	candles, ok := snap.Get(symbol)
	if !ok {
		return 0
	}
	series, err := indicator.ATRSeries(candles, 14)
	if err != nil {
		return 0
	}
	return indicator.LastValid(series)
}
