package market

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"kestrel/internal/logger"
)

// Snapshot 是一轮周期内所有交易对的 K 线视图。发布后不再修改，
// 所有策略在同一份数据上评估。
type Snapshot struct {
	Interval string
	Bars     map[string][]Candle
	TakenAt  time.Time
}

// Get 返回指定 symbol 的 K 线；缺失时 ok=false（该轮抓取失败的交易对）。
func (s *Snapshot) Get(symbol string) ([]Candle, bool) {
	if s == nil {
		return nil, false
	}
	bars, ok := s.Bars[symbol]
	return bars, ok
}

func (s *Snapshot) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Bars))
	for sym := range s.Bars {
		out = append(out, sym)
	}
	return out
}

// FetchStats 描述一轮快照抓取的结果，供状态回调观察部分覆盖的周期。
type FetchStats struct {
	Requested int
	Returned  int
	Latency   time.Duration
}

// Coverage 返回成功比例 0~1；无请求时为 1。
func (s FetchStats) Coverage() float64 {
	if s.Requested <= 0 {
		return 1
	}
	return float64(s.Returned) / float64(s.Requested)
}

// SnapshotFetcher 并发拉取全部交易对的历史 K 线，受固定并发上限约束。
// 单个交易对失败只会让它缺席本轮快照，不会中断整批。
type SnapshotFetcher struct {
	source      Source
	concurrency int64
	hardCap     int

	onStatus func(FetchStats)
}

type SnapshotFetcherConfig struct {
	Source      Source
	Concurrency int
	// HardCap 限制单次请求的最大 K 线条数，约束响应体大小。
	HardCap  int
	OnStatus func(FetchStats)
}

const (
	defaultFetchConcurrency = 5
	defaultBarHardCap       = 1000
)

func NewSnapshotFetcher(cfg SnapshotFetcherConfig) *SnapshotFetcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	hardCap := cfg.HardCap
	if hardCap <= 0 {
		hardCap = defaultBarHardCap
	}
	return &SnapshotFetcher{
		source:      cfg.Source,
		concurrency: int64(concurrency),
		hardCap:     hardCap,
		onStatus:    cfg.OnStatus,
	}
}

// Fetch 为每个 symbol 启动一个抓取任务，同时在飞的任务数不超过并发上限。
// 返回的快照在所有任务结束（成功或失败）后才发布。
func (f *SnapshotFetcher) Fetch(ctx context.Context, symbols []string, interval string, bars int) (*Snapshot, FetchStats) {
	start := time.Now()
	if bars > f.hardCap {
		bars = f.hardCap
	}
	snap := &Snapshot{
		Interval: interval,
		Bars:     make(map[string][]Candle, len(symbols)),
		TakenAt:  start.UTC(),
	}

	sem := semaphore.NewWeighted(f.concurrency)
	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, sym := range symbols {
		sym := sym
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			candles, err := f.source.FetchHistory(gctx, sym, interval, bars)
			if err != nil {
				logger.Warnf("[snapshot] fetch %s %s failed: %v", sym, interval, err)
				return nil
			}
			if len(candles) == 0 {
				logger.Warnf("[snapshot] fetch %s %s returned no candles", sym, interval)
				return nil
			}
			mu.Lock()
			snap.Bars[sym] = candles
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	stats := FetchStats{
		Requested: len(symbols),
		Returned:  len(snap.Bars),
		Latency:   time.Since(start),
	}
	if f.onStatus != nil {
		f.onStatus(stats)
	}
	return snap, stats
}
