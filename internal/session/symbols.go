package session

import (
	"context"
	"sort"
	"strings"

	"kestrel/internal/analysis/indicator"
	"kestrel/internal/logger"
	"kestrel/internal/market"
	symbolpkg "kestrel/internal/pkg/symbol"
)

// 选币模式
const (
	SelectVolume     = "volume"
	SelectVolatility = "volatility"
	SelectCustom     = "custom"
)

// refreshSymbols 按配置的选币模式重建追踪列表。行情统计拉不下来时
// 保留上一轮的列表继续跑。
func (s *Scheduler) refreshSymbols(ctx context.Context) {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.SymbolSelection))

	var next []string
	switch mode {
	case SelectCustom:
		next = s.customSymbols()
	case SelectVolatility:
		next = s.rankedSymbols(ctx, func(st market.TickerStat) float64 {
			if st.PriceChangePercent < 0 {
				return -st.PriceChangePercent
			}
			return st.PriceChangePercent
		})
	default:
		next = s.rankedSymbols(ctx, func(st market.TickerStat) float64 {
			return st.QuoteVolume
		})
	}
	if len(next) == 0 {
		s.mu.Lock()
		kept := len(s.symbols)
		s.mu.Unlock()
		logger.Warnf("[session] symbol refresh produced no symbols, keeping previous %d", kept)
		return
	}

	s.mu.Lock()
	s.symbols = next
	s.mu.Unlock()
	logger.Infof("[session] tracking %d symbols (%s)", len(next), mode)
}

func (s *Scheduler) customSymbols() []string {
	s.mu.Lock()
	params := s.params
	s.mu.Unlock()
	if len(params.CustomSymbols) > 0 {
		return symbolpkg.NormalizeList(params.CustomSymbols)
	}
	return symbolpkg.NormalizeList(s.cfg.CustomSymbols)
}

// rankedSymbols 拉全市场 24h 统计，按打分取前 N 个 USDT 合约。
func (s *Scheduler) rankedSymbols(ctx context.Context, score func(market.TickerStat) float64) []string {
	stats, err := s.deps.Source.TickerStats(ctx)
	if err != nil {
		logger.Warnf("[session] ticker stats unavailable: %v", err)
		return nil
	}
	type candidate struct {
		symbol string
		score  float64
	}
	candidates := make([]candidate, 0, len(stats))
	for _, st := range stats {
		sym := symbolpkg.Parse(st.Symbol)
		if sym.Quote != "USDT" || sym.Base == "" {
			continue
		}
		if st.QuoteVolume <= 0 {
			continue
		}
		candidates = append(candidates, candidate{symbol: sym.Internal(), score: score(st)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol < candidates[j].symbol
	})
	n := s.cfg.SymbolCount
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]string, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.symbol)
	}
	return out
}

func atrFromBars(bars []market.Candle) float64 {
	series, err := indicator.ATRSeries(bars, 14)
	if err != nil {
		return 0
	}
	return indicator.LastValid(series)
}
