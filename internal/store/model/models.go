package model

import (
	"time"

	"gorm.io/datatypes"
)

type TradeStatus int

const (
	TradeStatusUnknown TradeStatus = 0
	TradeStatusOpen    TradeStatus = 1
	TradeStatusClosed  TradeStatus = 2
)

type TradeModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	TradeID        string         `gorm:"column:trade_id;uniqueIndex"`
	SessionID      string         `gorm:"column:session_id;index"`
	Symbol         string         `gorm:"column:symbol"`
	Side           string         `gorm:"column:side"`
	EntryPrice     float64        `gorm:"column:entry_price"`
	EntryTimestamp int64          `gorm:"column:entry_timestamp"`
	Quantity       float64        `gorm:"column:quantity"`
	Leverage       float64        `gorm:"column:leverage"`
	Margin         float64        `gorm:"column:margin"`
	StrategyTag    string         `gorm:"column:strategy_tag"`
	ExitJSON       datatypes.JSON `gorm:"column:exit_json;type:TEXT"`
	TrailingJSON   datatypes.JSON `gorm:"column:trailing_json;type:TEXT"`
	Status         TradeStatus    `gorm:"column:status"`
	ExitPrice      float64        `gorm:"column:exit_price"`
	ExitTimestamp  int64          `gorm:"column:exit_timestamp"`
	RealizedProfit float64        `gorm:"column:realized_profit"`
	Forced         int            `gorm:"column:forced"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`

	CreatedAt time.Time `gorm:"-"`
	UpdatedAt time.Time `gorm:"-"`
}

func (TradeModel) TableName() string { return "trades" }
