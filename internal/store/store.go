package store

import (
	"context"

	"kestrel/internal/trader"
)

// TradeStore 持久化交易记录并支撑指标引擎与报表的读取。
// 写入端只有 Order Lifecycle Manager。
type TradeStore interface {
	RecordOpen(ctx context.Context, trade *trader.Trade) error
	RecordClose(ctx context.Context, trade *trader.Trade) error

	// Trades 返回某个会话的全部交易，按入场时间升序。
	Trades(ctx context.Context, sessionID string) ([]*trader.Trade, error)

	// OpenTrades 返回所有未平仓记录，进程重启后用于对账。
	OpenTrades(ctx context.Context) ([]*trader.Trade, error)

	// Sessions 返回已知会话 ID，新的在前。
	Sessions(ctx context.Context, limit int) ([]string, error)

	Close() error
}
