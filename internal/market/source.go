package market

import "context"

// TickerStat 是单个合约的 24h 行情统计，用于交易对筛选。
type TickerStat struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	QuoteVolume        float64 `json:"quote_volume"`
}

type SourceStats struct {
	FetchErrors int
	LastError   string
}

// Source 统一交易所的行情读取行为。
type Source interface {
	// FetchHistory 拉取最近 limit 根已收盘 K 线，按时间升序返回。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// CurrentPrices 返回当前标记价格；允许部分结果（缺失的 symbol 不在 map 中）。
	CurrentPrices(ctx context.Context, symbols []string) (map[string]float64, error)

	// TickerStats 返回全市场 24h 统计，供按成交量/波动率选币。
	TickerStats(ctx context.Context) ([]TickerStat, error)

	Stats() SourceStats

	Close() error
}
