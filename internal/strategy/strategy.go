package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"kestrel/internal/market"
	"kestrel/internal/trader"
)

// Signal 是策略对一个交易对给出的入场意向。
type Signal struct {
	Symbol string
	Side   trader.Side
	Tag    string
}

// Evaluator 在一份不可变快照上评估所有交易对并产出入场信号。
// 同一轮所有策略看到的是同一份数据。
type Evaluator interface {
	Name() string
	// BarsNeeded 声明评估所需的最小历史窗口，抓取时取所有启用策略的最大值。
	BarsNeeded() int
	Evaluate(snapshot *market.Snapshot) []Signal
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Evaluator{}
)

// Register 按名字登记策略构造函数。在包 init 中调用。
func Register(name string, factory func() Evaluator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Build 根据配置选中的名字实例化策略。未知名字返回错误；
// 一个都没选在会话启动时是致命错误，由调用方决定。
func Build(names []string) ([]Evaluator, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Evaluator, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		factory, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q (available: %s)", raw, strings.Join(Names(), ", "))
		}
		out = append(out, factory())
	}
	return out, nil
}

// Names 返回已登记的策略名，字典序。
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MaxBarsNeeded 返回一组策略声明的最大历史窗口。
func MaxBarsNeeded(evaluators []Evaluator) int {
	max := 0
	for _, ev := range evaluators {
		if n := ev.BarsNeeded(); n > max {
			max = n
		}
	}
	return max
}
