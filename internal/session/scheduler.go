package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kestrel/internal/logger"
	"kestrel/internal/market"
	"kestrel/internal/report"
	schedulerpkg "kestrel/internal/scheduler"
	"kestrel/internal/strategy"
	"kestrel/internal/trader"
)

// ErrAlreadyRunning 表示已有会话处于 Starting/Running/Stopping，
// 本次启动被拒绝且不改变任何状态。
var ErrAlreadyRunning = errors.New("a session is already running")

// CycleStatus 每个周期结束时回调一次，供运维观察部分覆盖的周期。
type CycleStatus struct {
	Cycle            int           `json:"cycle"`
	SnapshotCoverage float64       `json:"snapshot_coverage"`
	FetchLatency     time.Duration `json:"fetch_latency"`
	Symbols          int           `json:"symbols"`
	OpenTrades       int           `json:"open_trades"`
	ClosedTrades     int           `json:"closed_trades"`
	Balance          float64       `json:"balance"`
}

// BacktestDriver 用历史 K 线驱动同一套准入/离场逻辑，不走墙钟。
type BacktestDriver interface {
	Run(ctx context.Context, params StartParams, mgr *trader.Manager, evaluators []strategy.Evaluator) error
}

type Config struct {
	// Align 开启时每个周期等到时间框架边界（加偏移）再开始，
	// 保证策略评估的是交易所已收盘并建好索引的 K 线。
	Align               bool
	AlignOffset         time.Duration
	SymbolRefreshCycles int
	Cooldown            time.Duration
	SymbolSelection     string
	SymbolCount         int
	CustomSymbols       []string
	PaperBalance        float64
	MaxBars             int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AlignOffset <= 0 {
		out.AlignOffset = 250 * time.Millisecond
	}
	if out.SymbolRefreshCycles <= 0 {
		out.SymbolRefreshCycles = 20
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 2 * time.Second
	}
	if out.SymbolSelection == "" {
		out.SymbolSelection = SelectVolume
	}
	if out.SymbolCount <= 0 {
		out.SymbolCount = 20
	}
	if out.PaperBalance <= 0 {
		out.PaperBalance = 10000
	}
	if out.MaxBars <= 0 {
		out.MaxBars = 400
	}
	return out
}

type Deps struct {
	Source   market.Source
	Fetcher  *market.SnapshotFetcher
	Manager  *trader.Manager
	Driver   BacktestDriver
	OnCycle  func(CycleStatus)
	OnReport func(report.Report)
}

// StartParams 是控制面传入的会话参数。零值字段沿用配置默认。
type StartParams struct {
	Mode           Mode
	Interval       string
	Strategies     []string
	Direction      trader.DirectionFilter
	MarginPerTrade float64
	Leverage       float64
	MaxOpenTrades  int
	Exit           *trader.ExitConfig
	CustomSymbols  []string
	StartDate      time.Time
	EndDate        time.Time
}

// Scheduler 驱动一个活动会话的周期循环，并保证 Start/Stop/报表生成
// 互不竞争。共享可变状态只有会话状态位与追踪列表，全部在 mu 内变更，
// 锁从不跨越 I/O 等待。
type Scheduler struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	state      State
	sess       *Session
	cancel     context.CancelFunc
	loopDone   chan struct{}
	balance    float64
	symbols    []string
	evaluators []strategy.Evaluator
	interval   time.Duration
	params     StartParams

	// 报表只生成一次：自然退出与显式 Stop 谁先认领谁生成。
	reportMu      sync.Mutex
	reportClaimed bool
}

func NewScheduler(cfg Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:  cfg.withDefaults(),
		deps: deps,
	}
}

// Start 启动新会话。已有会话在跑（含停止中）时返回 ErrAlreadyRunning，
// 不改变任何状态。未选任何策略是致命配置错误。
func (s *Scheduler) Start(ctx context.Context, params StartParams) (*Session, error) {
	interval, ok := schedulerpkg.ParseIntervalDuration(params.Interval)
	if !ok {
		return nil, fmt.Errorf("invalid interval %q", params.Interval)
	}
	evaluators, err := strategy.Build(params.Strategies)
	if err != nil {
		return nil, err
	}
	if len(evaluators) == 0 {
		return nil, fmt.Errorf("no strategy selected")
	}
	if params.Mode == ModeBacktest && s.deps.Driver == nil {
		return nil, fmt.Errorf("backtest mode requires a backtest driver")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        newSessionID(now),
		Mode:      params.Mode,
		Interval:  params.Interval,
		StartedAt: now,
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		cancel()
		return nil, ErrAlreadyRunning
	}
	s.state = StateStarting
	s.sess = sess
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.balance = s.cfg.PaperBalance
	s.symbols = nil
	s.evaluators = evaluators
	s.interval = interval
	s.params = params
	s.mu.Unlock()

	s.reportMu.Lock()
	s.reportClaimed = false
	s.reportMu.Unlock()

	s.deps.Manager.Reset(sess.ID)
	s.deps.Manager.Configure(s.managerConfig(params))

	done, ok := s.beginRunning()
	if !ok {
		// Stop 在启动窗口抢先认领：放弃拉起循环，关闭 done 让等待中的 Stop 收尾
		cancel()
		close(done)
		logger.Warnf("[session] %s preempted by stop during startup", sess.ID)
		return sess, nil
	}

	if params.Mode == ModeBacktest {
		go func() {
			defer close(done)
			if err := s.deps.Driver.Run(runCtx, params, s.deps.Manager, evaluators); err != nil {
				logger.Errorf("[session] backtest run failed: %v", err)
			}
		}()
	} else {
		go func() {
			defer close(done)
			s.runLoop(runCtx)
		}()
	}
	go func() {
		<-done
		s.finalizeFromLoop()
	}()

	logger.Infof("[session] started %s mode=%s interval=%s strategies=%d",
		sess.ID, sess.Mode, sess.Interval, len(evaluators))
	return sess, nil
}

func (s *Scheduler) managerConfig(params StartParams) trader.Config {
	base := s.deps.Manager.CurrentConfig()
	if params.Direction != "" {
		base.Direction = params.Direction
	}
	if params.MarginPerTrade > 0 {
		base.MarginPerTrade = params.MarginPerTrade
	}
	if params.Leverage > 0 {
		base.Leverage = params.Leverage
	}
	if params.MaxOpenTrades > 0 {
		base.MaxOpenTrades = params.MaxOpenTrades
	}
	if params.Exit != nil {
		base.Exit = *params.Exit
	}
	return base
}

// Stop 停止当前会话。已在停止或没有会话时记 warning 后直接返回。
func (s *Scheduler) Stop(closeAllTrades bool) {
	s.mu.Lock()
	switch s.state {
	case StateStopping:
		s.mu.Unlock()
		logger.Warnf("[session] stop already in progress")
		return
	case StateIdle:
		s.mu.Unlock()
		logger.Warnf("[session] stop requested but no session is running")
		return
	}
	s.state = StateStopping
	cancel := s.cancel
	done := s.loopDone
	sess := s.sess
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if closeAllTrades {
		s.closeAllOpenTrades()
	}
	if sess != nil {
		sess.EndedAt = time.Now().UTC()
	}
	s.generateReportOnce(sess)

	s.mu.Lock()
	if s.state == StateStopping {
		s.state = StateIdle
	}
	s.mu.Unlock()
	logger.Infof("[session] stopped")
}

// beginRunning 把 Starting 升级为 Running。启动窗口内状态已被 Stop
// 抢占成 Stopping 时不升级，调用方必须放弃拉起循环。
func (s *Scheduler) beginRunning() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := s.loopDone
	if s.state != StateStarting {
		return done, false
	}
	s.state = StateRunning
	return done, true
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStarting || s.state == StateRunning
}

func (s *Scheduler) IsStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStopping
}

func (s *Scheduler) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current 返回当前会话的副本；空闲时 ok=false。
func (s *Scheduler) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.state == StateIdle {
		return Session{}, false
	}
	return *s.sess, true
}

func (s *Scheduler) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// runLoop 是单逻辑线程的周期循环：对齐等待、选币刷新、周期体、
// 节奏睡眠。取消在各阶段之间检查。
func (s *Scheduler) runLoop(ctx context.Context) {
	interval := s.interval
	cycle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if s.cfg.Align {
			target := schedulerpkg.NextBoundary(time.Now(), interval, s.cfg.AlignOffset)
			if !schedulerpkg.WaitUntil(ctx, target) {
				return
			}
		}
		tickStart := time.Now()
		if cycle%s.cfg.SymbolRefreshCycles == 0 {
			if ctx.Err() != nil {
				return
			}
			s.refreshSymbols(ctx)
		}
		if err := s.runCycle(ctx, cycle); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("[session] cycle %d failed: %v", cycle, err)
			if !schedulerpkg.Sleep(ctx, s.cfg.Cooldown) {
				return
			}
			cycle++
			continue
		}
		elapsed := time.Since(tickStart)
		if elapsed >= interval {
			// 不累积漂移：超时的周期直接进入下一轮
			logger.Warnf("[session] cycle %d overran: elapsed=%s interval=%s",
				cycle, elapsed.Round(time.Millisecond), interval)
		} else if !s.cfg.Align {
			if !schedulerpkg.Sleep(ctx, interval-elapsed) {
				return
			}
		}
		cycle++
	}
}

func (s *Scheduler) runCycle(ctx context.Context, cycle int) (err error) {
	// 策略评估器是外部插件，panic 只算本周期失败，不能带崩整个进程
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	s.mu.Lock()
	symbols := append([]string(nil), s.symbols...)
	evaluators := s.evaluators
	intervalStr := ""
	if s.sess != nil {
		intervalStr = s.sess.Interval
	}
	s.mu.Unlock()
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols tracked")
	}

	bars := strategy.MaxBarsNeeded(evaluators)
	if bars <= 0 || bars > s.cfg.MaxBars {
		bars = s.cfg.MaxBars
	}
	snap, stats := s.deps.Fetcher.Fetch(ctx, symbols, intervalStr, bars)
	if ctx.Err() != nil {
		return nil
	}

	var signals []strategy.Signal
	for _, ev := range evaluators {
		signals = append(signals, ev.Evaluate(snap)...)
	}

	prices := s.currentPrices(ctx, symbols, snap)
	now := time.Now().UTC()
	closed := s.deps.Manager.EvaluateExits(ctx, prices, now)
	s.applyClosedPnL(closed)

	for _, sig := range signals {
		price, ok := prices[sig.Symbol]
		if !ok || price <= 0 {
			continue
		}
		_, err := s.deps.Manager.TryOpen(ctx, trader.OpenRequest{
			Symbol:      sig.Symbol,
			Side:        sig.Side,
			Price:       price,
			StrategyTag: sig.Tag,
			Time:        now,
			ATR:         s.atrFor(snap, sig.Symbol),
		})
		if errors.Is(err, trader.ErrAdmissionDenied) {
			logger.Infof("[session] signal %s %s skipped: %v", sig.Symbol, sig.Side, err)
		} else if err != nil {
			logger.Warnf("[session] open %s %s failed: %v", sig.Symbol, sig.Side, err)
		}
	}

	if s.deps.OnCycle != nil {
		s.deps.OnCycle(CycleStatus{
			Cycle:            cycle,
			SnapshotCoverage: stats.Coverage(),
			FetchLatency:     stats.Latency,
			Symbols:          len(symbols),
			OpenTrades:       s.deps.Manager.OpenCount(),
			ClosedTrades:     len(closed),
			Balance:          s.Balance(),
		})
	}
	return nil
}

// currentPrices 构造本周期统一的价格表：优先交易所最新价，失败时
// 退回快照末根收盘价。持仓但这轮不在追踪列表里的交易对也要补价。
func (s *Scheduler) currentPrices(ctx context.Context, symbols []string, snap *market.Snapshot) map[string]float64 {
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[sym] = struct{}{}
	}
	for _, sym := range s.deps.Manager.OpenSymbols() {
		want[sym] = struct{}{}
	}
	all := make([]string, 0, len(want))
	for sym := range want {
		all = append(all, sym)
	}

	prices, err := s.deps.Source.CurrentPrices(ctx, all)
	if err != nil {
		logger.Warnf("[session] current prices unavailable, falling back to snapshot closes: %v", err)
		prices = nil
	}
	if prices == nil {
		prices = make(map[string]float64, len(all))
	}
	for _, sym := range all {
		if _, ok := prices[sym]; ok {
			continue
		}
		if bars, ok := snap.Get(sym); ok && len(bars) > 0 {
			if c := bars[len(bars)-1].Close; c > 0 {
				prices[sym] = c
			}
		}
	}
	return prices
}

func (s *Scheduler) atrFor(snap *market.Snapshot, symbol string) float64 {
	cfg := s.deps.Manager.CurrentConfig()
	if cfg.Exit.Mode != trader.ExitTrailingStop || cfg.Exit.Trailing.ActivationATRMult <= 0 {
		return 0
	}
	bars, ok := snap.Get(symbol)
	if !ok {
		return 0
	}
	return atrFromBars(bars)
}

func (s *Scheduler) applyClosedPnL(closed []*trader.Trade) {
	if len(closed) == 0 {
		return
	}
	var sum float64
	for _, t := range closed {
		sum += t.RealizedProfit
	}
	s.mu.Lock()
	s.balance += sum
	s.mu.Unlock()
}

// finalizeFromLoop 处理循环自行退出（父 context 取消）的收尾。
// 显式 Stop 在等待循环结束后自己收尾，这里让位。
func (s *Scheduler) finalizeFromLoop() {
	s.mu.Lock()
	if s.state == StateStopping || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		sess.EndedAt = time.Now().UTC()
	}
	s.generateReportOnce(sess)
}

func (s *Scheduler) closeAllOpenTrades() {
	openSymbols := s.deps.Manager.OpenSymbols()
	if len(openSymbols) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	prices, err := s.deps.Source.CurrentPrices(ctx, openSymbols)
	if err != nil {
		// 拿不到价格不挡报表生成，由 ForceCloseAll 按入场价兜底
		logger.Warnf("[session] close price fetch failed, closing at entry: %v", err)
		prices = nil
	}
	closed := s.deps.Manager.ForceCloseAll(ctx, prices, time.Now().UTC())
	s.applyClosedPnL(closed)
}

// generateReportOnce 用布尔闩保证一个会话只生成一次报表。
func (s *Scheduler) generateReportOnce(sess *Session) {
	if sess == nil {
		return
	}
	s.reportMu.Lock()
	if s.reportClaimed {
		s.reportMu.Unlock()
		return
	}
	s.reportClaimed = true
	s.reportMu.Unlock()

	cfg := s.deps.Manager.CurrentConfig()
	rep := report.Build(report.Params{
		SessionID:      sess.ID,
		Mode:           string(sess.Mode),
		Interval:       sess.Interval,
		StartedAt:      sess.StartedAt,
		EndedAt:        sess.EndedAt,
		Trades:         s.deps.Manager.ClosedTrades(),
		OpenAtEnd:      s.deps.Manager.OpenCount(),
		MarginPerTrade: cfg.MarginPerTrade,
		StartBalance:   s.cfg.PaperBalance,
	})
	logger.InfoBlock(rep.String())
	if s.deps.OnReport != nil {
		s.deps.OnReport(rep)
	}
}
