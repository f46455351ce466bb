package report

import (
	"fmt"
	"strings"
	"time"

	"kestrel/internal/metrics"
	"kestrel/internal/trader"
)

// Report 是一个会话结束后的只读汇总。纯粹从交易历史派生，
// 生成多少次结果都一样。
type Report struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Interval  string    `json:"interval"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	TotalTrades  int `json:"total_trades"`
	OpenAtEnd    int `json:"open_at_end"`
	ForcedCloses int `json:"forced_closes"`

	Summary metrics.Summary `json:"summary"`
	// Capped 把单笔亏损下限压到保证金，是对外口径。
	Capped metrics.Summary `json:"capped"`

	StartBalance float64 `json:"start_balance"`
	FinalBalance float64 `json:"final_balance"`
}

type Params struct {
	SessionID      string
	Mode           string
	Interval       string
	StartedAt      time.Time
	EndedAt        time.Time
	Trades         []*trader.Trade
	OpenAtEnd      int
	MarginPerTrade float64
	StartBalance   float64
}

// Build 汇总一个会话。强制平仓按 Forced 标记统计。
func Build(p Params) Report {
	r := Report{
		SessionID:    p.SessionID,
		Mode:         p.Mode,
		Interval:     p.Interval,
		StartedAt:    p.StartedAt,
		EndedAt:      p.EndedAt,
		OpenAtEnd:    p.OpenAtEnd,
		StartBalance: p.StartBalance,
	}
	for _, t := range p.Trades {
		if t == nil || t.Status != trader.StatusClosed {
			continue
		}
		r.TotalTrades++
		if t.Forced {
			r.ForcedCloses++
		}
	}
	r.Summary = metrics.Compute(p.Trades)
	r.Capped = metrics.ComputeCapped(p.Trades, p.MarginPerTrade)
	r.FinalBalance = p.StartBalance + r.Summary.NetProfit
	return r
}

// Lines 渲染成日志友好的多行文本。
func (r Report) Lines() []string {
	dur := r.EndedAt.Sub(r.StartedAt).Round(time.Second)
	return []string{
		fmt.Sprintf("session  %s (%s, %s, %s)", r.SessionID, r.Mode, r.Interval, dur),
		fmt.Sprintf("trades   %d closed, %d forced, %d still open", r.TotalTrades, r.ForcedCloses, r.OpenAtEnd),
		fmt.Sprintf("win rate %.1f%% (capped)  profit factor %.2f", r.Capped.WinRate, r.Capped.ProfitFactor),
		fmt.Sprintf("net      %+.2f capped %+.2f  max drawdown %.2f", r.Summary.NetProfit, r.Capped.NetProfit, r.Summary.MaxDrawdown),
		fmt.Sprintf("sharpe   %.3f  balance %.2f -> %.2f", r.Summary.SharpeRatio, r.StartBalance, r.FinalBalance),
	}
}

func (r Report) String() string {
	return strings.Join(r.Lines(), "\n")
}
