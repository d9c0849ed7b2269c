package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SignalSide string

const (
	SignalSideBuy  SignalSide = "BUY"
	SignalSideSell SignalSide = "SELL"
)

// TradeSignal is the immutable record of an inbound signal. It is created
// once by the validator on first sight of a nonce and never mutated.
type TradeSignal struct {
	ID int64 `gorm:"primaryKey"`

	SignalID   string `gorm:"uniqueIndex"`
	AccountID  string `gorm:"index"`
	StrategyID string
	Symbol     string
	Side       SignalSide
	Quantity   decimal.Decimal
	Notional   decimal.Decimal

	Nonce      string `gorm:"index"`
	IssuedAt   time.Time
	ReceivedAt time.Time
	RawPayload string
}

func (TradeSignal) TableName() string {
	return "trade_signals"
}
