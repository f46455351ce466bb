package strategy

import (
	"sort"

	"kestrel/internal/analysis/indicator"
	"kestrel/internal/market"
	"kestrel/internal/trader"
)

func init() {
	Register("ema_cross", func() Evaluator { return NewEMACross(21, 50) })
}

// EMACross 是示例策略：快线上穿慢线做多，下穿做空。
// 只看最近两根收盘 K 线的交叉，不做任何过滤。
type EMACross struct {
	fast int
	slow int
}

func NewEMACross(fast, slow int) *EMACross {
	if fast <= 0 {
		fast = 21
	}
	if slow <= fast {
		slow = fast*2 + 8
	}
	return &EMACross{fast: fast, slow: slow}
}

func (e *EMACross) Name() string { return "ema_cross" }

// BarsNeeded 留出慢线预热需要的窗口。
func (e *EMACross) BarsNeeded() int { return e.slow * 3 }

func (e *EMACross) Evaluate(snapshot *market.Snapshot) []Signal {
	if snapshot == nil {
		return nil
	}
	symbols := snapshot.Symbols()
	sort.Strings(symbols)

	var out []Signal
	for _, sym := range symbols {
		bars, ok := snapshot.Get(sym)
		if !ok || len(bars) < e.slow+2 {
			continue
		}
		closes := indicator.NewSeries(bars).Closes
		fast := indicator.EMA(closes, e.fast)
		slow := indicator.EMA(closes, e.slow)
		if len(fast) < 2 || len(slow) < 2 {
			continue
		}
		// 对齐两条序列的末尾两点
		f0, f1 := fast[len(fast)-2], fast[len(fast)-1]
		s0, s1 := slow[len(slow)-2], slow[len(slow)-1]
		switch {
		case f0 <= s0 && f1 > s1:
			out = append(out, Signal{Symbol: sym, Side: trader.SideLong, Tag: e.Name()})
		case f0 >= s0 && f1 < s1:
			out = append(out, Signal{Symbol: sym, Side: trader.SideShort, Tag: e.Name()})
		}
	}
	return out
}
