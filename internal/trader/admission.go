package trader

import (
	"fmt"
	"sort"
	"time"
)

// AdmissionResult 标记单笔历史交易在容量约束下是否会被接纳。
type AdmissionResult struct {
	Trade      *Trade
	Admitted   bool
	SkipReason string
}

// SimulateAdmission 对一段固定历史按入场时间顺序重放容量准入：
// 某笔交易入场瞬间，先移除所有已离场（ExitTime <= 入场时间）的活跃
// 交易，剩余活跃数小于 cap 才接纳。纯函数，不做 I/O，也不修改输入；
// 实盘准入检查与离线 “更严上限会怎样” 分析用的是同一套规则。
func SimulateAdmission(trades []*Trade, cap int) []AdmissionResult {
	if cap <= 0 {
		cap = 1
	}
	ordered := make([]*Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EntryTime.Before(ordered[j].EntryTime)
	})

	results := make([]AdmissionResult, 0, len(ordered))
	// active 只保留被接纳交易的离场时间，入场早的优先占坑。
	var active []time.Time
	for _, trade := range ordered {
		retained := active[:0]
		for _, exitAt := range active {
			if exitAt.After(trade.EntryTime) {
				retained = append(retained, exitAt)
			}
		}
		active = retained

		if len(active) >= cap {
			results = append(results, AdmissionResult{
				Trade:      trade,
				Admitted:   false,
				SkipReason: fmt.Sprintf("%d trades already open at entry, cap %d", len(active), cap),
			})
			continue
		}
		active = append(active, trade.ExitTime)
		results = append(results, AdmissionResult{Trade: trade, Admitted: true})
	}
	return results
}

// AdmittedTrades 过滤出被接纳的交易，供指标引擎对重放结果做聚合。
func AdmittedTrades(results []AdmissionResult) []*Trade {
	out := make([]*Trade, 0, len(results))
	for _, r := range results {
		if r.Admitted {
			out = append(out, r.Trade)
		}
	}
	return out
}
