package backtest

import (
	"context"

	"kestrel/internal/market"
)

// FetchRequest 描述一次历史 K 线拉取。Start/End 为毫秒时间戳，
// 任一为 0 表示不限制该端。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64
	End      int64
	Limit    int
}

// CandleSource 是回测数据源。实现必须按 open_time 升序返回。
type CandleSource interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
}
