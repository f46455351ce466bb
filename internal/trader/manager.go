package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kestrel/internal/logger"
)

// ErrAdmissionDenied 表示信号被准入规则拒绝。调用方应记录后继续，
// 不视为周期错误。
var ErrAdmissionDenied = errors.New("admission denied")

// Recorder 持久化开平仓记录。写入失败只记日志，不回滚内存状态。
type Recorder interface {
	RecordOpen(ctx context.Context, trade *Trade) error
	RecordClose(ctx context.Context, trade *Trade) error
}

type Config struct {
	// MaxOpenTrades 是同时持仓数量上限。
	MaxOpenTrades  int
	Direction      DirectionFilter
	MarginPerTrade float64
	Leverage       float64
	Exit           ExitConfig
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxOpenTrades <= 0 {
		out.MaxOpenTrades = 8
	}
	if out.Direction == "" {
		out.Direction = DirectionBoth
	}
	if out.MarginPerTrade <= 0 {
		out.MarginPerTrade = 100
	}
	if out.Leverage <= 0 {
		out.Leverage = 1
	}
	if out.Exit.Mode == "" {
		out.Exit.Mode = ExitTakeProfit
	}
	if out.Exit.Mode == ExitTakeProfit {
		if out.Exit.TakeProfitPct <= 0 {
			out.Exit.TakeProfitPct = 0.03
		}
		if out.Exit.StopLossPct <= 0 {
			out.Exit.StopLossPct = 0.015
		}
	}
	if out.Exit.Mode == ExitPnLPercent && out.Exit.PnLTargetPct <= 0 {
		out.Exit.PnLTargetPct = 0.05
	}
	return out
}

// Manager 是唯一可以创建、修改、关闭 Trade 的组件。开仓准入、
// 离场状态机、强制平仓都在这里收口，状态变更全部在同一把锁内完成。
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string

	open   map[string]*Trade
	closed []*Trade

	recorder Recorder
}

type OpenRequest struct {
	Symbol      string
	Side        Side
	Price       float64
	StrategyTag string
	Time        time.Time
	// ATR 可选；配合 TrailingConfig.ActivationATRMult 把激活阈值
	// 换算成百分比。
	ATR float64
}

func NewManager(cfg Config, recorder Recorder) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		open:     make(map[string]*Trade),
		recorder: recorder,
	}
}

// Configure 整体替换风控参数。只在会话启动、还没有持仓时调用。
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// Reset 清空状态并绑定新的会话。只在会话启动时调用。
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	m.open = make(map[string]*Trade)
	m.closed = nil
}

// TryOpen 执行准入检查并开仓。拒绝原因包装在 ErrAdmissionDenied 上：
// 并发持仓已满、方向被过滤、或该交易对已有持仓。
func (m *Manager) TryOpen(ctx context.Context, req OpenRequest) (*Trade, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %v", req.Price)
	}
	if req.Side != SideLong && req.Side != SideShort {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	at := req.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}

	m.mu.Lock()
	if len(m.open) >= m.cfg.MaxOpenTrades {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: open trades at cap %d", ErrAdmissionDenied, m.cfg.MaxOpenTrades)
	}
	if !m.cfg.Direction.Allows(req.Side) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: direction filter %s excludes %s", ErrAdmissionDenied, m.cfg.Direction, req.Side)
	}
	if _, exists := m.open[symbol]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already has an open trade", ErrAdmissionDenied, symbol)
	}

	quantity := m.cfg.MarginPerTrade * m.cfg.Leverage / req.Price
	trade := &Trade{
		ID:          uuid.NewString(),
		SessionID:   m.sessionID,
		Symbol:      symbol,
		Side:        req.Side,
		EntryPrice:  req.Price,
		EntryTime:   at,
		Quantity:    quantity,
		Leverage:    m.cfg.Leverage,
		Margin:      m.cfg.MarginPerTrade,
		StrategyTag: strings.TrimSpace(req.StrategyTag),
		Exit:        m.cfg.Exit,
		Status:      StatusOpen,
	}
	initExitState(trade, req.ATR)
	m.open[symbol] = trade
	out := trade.clone()
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.RecordOpen(ctx, out); err != nil {
			logger.Warnf("[trader] record open %s failed: %v", symbol, err)
		}
	}
	logger.Infof("[trader] opened %s %s qty=%.6f entry=%.4f mode=%s tag=%s",
		symbol, trade.Side, quantity, req.Price, trade.Exit.Mode, trade.StrategyTag)
	return out, nil
}

// EvaluateExits 用一份一致的价格表推进所有持仓的离场状态机。
// 价格表允许不完整：缺价的交易对本轮跳过。返回本次关闭的持仓。
func (m *Manager) EvaluateExits(ctx context.Context, prices map[string]float64, at time.Time) []*Trade {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	m.mu.Lock()
	var triggered []*Trade
	for symbol, trade := range m.open {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		if advanceExitState(trade, price) {
			m.closeLocked(trade, price, at, false)
			triggered = append(triggered, trade.clone())
		}
	}
	m.mu.Unlock()

	for _, trade := range triggered {
		if m.recorder != nil {
			if err := m.recorder.RecordClose(ctx, trade); err != nil {
				logger.Warnf("[trader] record close %s failed: %v", trade.Symbol, err)
			}
		}
		logger.Infof("[trader] closed %s %s exit=%.4f pnl=%.4f mode=%s",
			trade.Symbol, trade.Side, trade.ExitPrice, trade.RealizedProfit, trade.Exit.Mode)
	}
	return triggered
}

// ForceCloseAll 在会话结束时关闭所有剩余持仓。没有当前价的交易对
// 按入场价平仓并标记 Forced，下游报表据此区分自然离场与强制离场。
func (m *Manager) ForceCloseAll(ctx context.Context, prices map[string]float64, at time.Time) []*Trade {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	m.mu.Lock()
	var closedNow []*Trade
	for symbol, trade := range m.open {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			price = trade.EntryPrice
			logger.Warnf("[trader] no price for %s at session end, closing at entry", symbol)
		}
		m.closeLocked(trade, price, at, true)
		closedNow = append(closedNow, trade.clone())
	}
	m.mu.Unlock()

	for _, trade := range closedNow {
		if m.recorder != nil {
			if err := m.recorder.RecordClose(ctx, trade); err != nil {
				logger.Warnf("[trader] record forced close %s failed: %v", trade.Symbol, err)
			}
		}
	}
	if len(closedNow) > 0 {
		logger.Infof("[trader] force-closed %d open trades", len(closedNow))
	}
	return closedNow
}

// closeLocked 完成单笔平仓的状态变更。调用方持有 m.mu。
func (m *Manager) closeLocked(trade *Trade, price float64, at time.Time, forced bool) {
	trade.Status = StatusClosed
	trade.ExitPrice = price
	trade.ExitTime = at
	trade.RealizedProfit = (price - trade.EntryPrice) * trade.Quantity * trade.Side.Sign()
	trade.Forced = forced
	delete(m.open, trade.Symbol)
	m.closed = append(m.closed, trade)
}

// UpdateExitMode 切换离场模式。只影响之后开的仓；已开持仓保持
// 原有离场契约不变。
func (m *Manager) UpdateExitMode(cfg ExitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Exit = cfg
	tmp := m.cfg.withDefaults()
	m.cfg.Exit = tmp.Exit
}

// UpdateTrailingConfig 调整移动止损参数，同样只影响之后开的仓。
func (m *Manager) UpdateTrailingConfig(cfg TrailingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Exit.Trailing = cfg
}

// CurrentConfig 返回生效中的风控参数副本。
func (m *Manager) CurrentConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// OpenTrades 返回当前持仓的副本，按交易对排序。
func (m *Manager) OpenTrades() []*Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trade, 0, len(m.open))
	for _, trade := range m.open {
		out = append(out, trade.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ClosedTrades 返回已平仓记录的副本，按平仓先后排序。
func (m *Manager) ClosedTrades() []*Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trade, 0, len(m.closed))
	for _, trade := range m.closed {
		out = append(out, trade.clone())
	}
	return out
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// OpenSymbols 返回当前持仓的交易对，用于补充退出检查的价格请求。
func (m *Manager) OpenSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.open))
	for symbol := range m.open {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
