package trader

import (
	"strings"
	"time"
)

// Side 表示仓位方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	}
	return "", false
}

func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// DirectionFilter 限制允许开仓的方向。
type DirectionFilter string

const (
	DirectionBoth       DirectionFilter = "both"
	DirectionOnlyLongs  DirectionFilter = "only_longs"
	DirectionOnlyShorts DirectionFilter = "only_shorts"
)

func (d DirectionFilter) Allows(side Side) bool {
	switch d {
	case DirectionOnlyLongs:
		return side == SideLong
	case DirectionOnlyShorts:
		return side == SideShort
	default:
		return true
	}
}

// ExitMode 决定持仓的离场策略。
type ExitMode string

const (
	ExitTakeProfit   ExitMode = "take_profit"
	ExitTrailingStop ExitMode = "trailing_stop"
	ExitPnLPercent   ExitMode = "pnl_percent"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// TrailingConfig 描述移动止损参数。激活阈值可用固定百分比或 ATR 倍数
// 表达；两者都给时以 ATR 计算结果为准（触发比例 = atr*mult/entry）。
type TrailingConfig struct {
	ActivationPct     float64 `json:"activation_pct"`
	ActivationATRMult float64 `json:"activation_atr_mult,omitempty"`
	CallbackPct       float64 `json:"callback_pct"`
}

// TrailingState 是单笔持仓的移动止损状态机。Unarmed 阶段只等待激活价，
// Armed 阶段维护水位线并跟随调整止损价。
type TrailingState struct {
	Armed           bool    `json:"armed"`
	ActivationPrice float64 `json:"activation_price"`
	Watermark       float64 `json:"watermark"`
	StopPrice       float64 `json:"stop_price"`
	CallbackPct     float64 `json:"callback_pct"`
}

// ExitConfig 是开仓时固化到 Trade 上的离场参数。
type ExitConfig struct {
	Mode          ExitMode       `json:"mode"`
	TakeProfitPct float64        `json:"take_profit_pct,omitempty"`
	StopLossPct   float64        `json:"stop_loss_pct,omitempty"`
	PnLTargetPct  float64        `json:"pnl_target_pct,omitempty"`
	Trailing      TrailingConfig `json:"trailing,omitempty"`
}

// Trade 是一笔持仓从开到平的完整记录。数量、保证金、杠杆在开仓时固定，
// 此后只有离场相关字段会变化。
type Trade struct {
	ID          string
	SessionID   string
	Symbol      string
	Side        Side
	EntryPrice  float64
	EntryTime   time.Time
	Quantity    float64
	Leverage    float64
	Margin      float64
	StrategyTag string

	Exit            ExitConfig
	TakeProfitPrice float64
	StopLossPrice   float64
	Trailing        TrailingState

	Status         Status
	ExitPrice      float64
	ExitTime       time.Time
	RealizedProfit float64
	// Forced 标记会话结束时的强制平仓（非自然离场）。
	Forced bool
}

func (t *Trade) IsOpen() bool {
	return t != nil && t.Status == StatusOpen
}

// UnrealizedPnL 按当前价计算未实现盈亏。
func (t *Trade) UnrealizedPnL(price float64) float64 {
	if t == nil || price <= 0 {
		return 0
	}
	return (price - t.EntryPrice) * t.Quantity * t.Side.Sign()
}

// UnrealizedPct 按当前价计算未实现涨跌幅（相对入场价，不含杠杆）。
func (t *Trade) UnrealizedPct(price float64) float64 {
	if t == nil || t.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	return (price - t.EntryPrice) / t.EntryPrice * t.Side.Sign()
}

func (t *Trade) clone() *Trade {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
