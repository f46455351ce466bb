package metrics

import (
	"math"
	"sort"

	"kestrel/internal/trader"
)

// Summary 是一个会话已平仓交易的聚合结果。永远按需从交易历史重算，
// 不作为权威状态持久化。
type Summary struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	NetProfit     float64 `json:"net_profit"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	ProfitFactor  float64 `json:"profit_factor"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
}

// Compute 对已平仓交易做纯聚合。输入不会被修改。
func Compute(trades []*trader.Trade) Summary {
	profits := closedProfitsByEntry(trades)
	return fromProfits(profits)
}

// ComputeCapped 先把单笔亏损下限压到 -marginPerTrade 再聚合，
// 对应保证金交易单笔最多亏掉已缴保证金的事实。胜率 / ROI 报表
// 用的是这个口径。
func ComputeCapped(trades []*trader.Trade, marginPerTrade float64) Summary {
	profits := closedProfitsByEntry(trades)
	if marginPerTrade > 0 {
		for i, p := range profits {
			if p < -marginPerTrade {
				profits[i] = -marginPerTrade
			}
		}
	}
	return fromProfits(profits)
}

func closedProfitsByEntry(trades []*trader.Trade) []float64 {
	ordered := make([]*trader.Trade, 0, len(trades))
	for _, t := range trades {
		if t == nil || t.Status != trader.StatusClosed {
			continue
		}
		ordered = append(ordered, t)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EntryTime.Before(ordered[j].EntryTime)
	})
	out := make([]float64, len(ordered))
	for i, t := range ordered {
		out[i] = t.RealizedProfit
	}
	return out
}

func fromProfits(profits []float64) Summary {
	s := Summary{TotalTrades: len(profits)}
	if len(profits) == 0 {
		// 没有亏损时 profit factor 约定为 1
		s.ProfitFactor = 1
		return s
	}

	var grossWin, grossLoss float64
	for _, p := range profits {
		s.NetProfit += p
		if p > 0 {
			s.WinningTrades++
			grossWin += p
		} else {
			s.LosingTrades++
			grossLoss += p
		}
	}
	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100

	if grossLoss == 0 {
		s.ProfitFactor = 1
	} else {
		s.ProfitFactor = grossWin / math.Abs(grossLoss)
	}

	s.MaxDrawdown = maxDrawdown(profits)
	s.SharpeRatio = sharpe(profits)
	return s
}

// maxDrawdown 返回累计收益曲线上最大的峰谷回撤（非负）。
func maxDrawdown(profits []float64) float64 {
	var cumulative, peak, worst float64
	for _, p := range profits {
		cumulative += p
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpe 用总体标准差计算；标准差为 0 时约定为 0。
func sharpe(profits []float64) float64 {
	n := float64(len(profits))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, p := range profits {
		sum += p
	}
	mean := sum / n
	var variance float64
	for _, p := range profits {
		d := p - mean
		variance += d * d
	}
	variance /= n
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}
