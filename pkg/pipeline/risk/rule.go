package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

// Snapshot is everything a rule may look at: the signal, the account state
// captured under the account lock, and the limits. Rules are pure functions
// of it; no rule reaches for hidden global state.
type Snapshot struct {
	AccountID string
	Symbol    string
	Side      model.SignalSide
	Quantity  decimal.Decimal

	Position          decimal.Decimal
	ProjectedPosition decimal.Decimal
	DailyPnL          decimal.Decimal
	EquityPeak        decimal.Decimal
	EquityCurrent     decimal.Decimal
	OrdersToday       int

	Limits model.Limits
	Now    time.Time
}

// Rule is one pre-trade check. Check returns ReasonNone when the rule
// passes. Rule sets are data per firm template, not code per firm.
type Rule interface {
	Name() string
	Check(snap *Snapshot) model.ReasonCode
}

// HoursWindow is a daily open/close window in UTC, "15:04" formatted.
type HoursWindow struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// RulesFor builds the evaluation-ordered rule set for a limits template.
// First violated rule determines the rejection reason.
func RulesFor(marketHours map[string]HoursWindow) []Rule {
	return []Rule{
		maxPositionRule{},
		dailyLossRule{},
		trailingDrawdownRule{},
		orderCountRule{},
		marketHoursRule{hours: marketHours},
	}
}

type maxPositionRule struct{}

func (maxPositionRule) Name() string { return "max_position_size" }

func (maxPositionRule) Check(snap *Snapshot) model.ReasonCode {
	limit := snap.Limits.MaxPositionSize
	if limit.IsZero() {
		return model.ReasonNone
	}
	if snap.ProjectedPosition.Abs().GreaterThan(limit) {
		return model.ReasonMaxPositionSize
	}
	return model.ReasonNone
}

type dailyLossRule struct{}

func (dailyLossRule) Name() string { return "max_daily_loss" }

func (dailyLossRule) Check(snap *Snapshot) model.ReasonCode {
	limit := snap.Limits.MaxDailyLoss
	if limit.IsZero() {
		return model.ReasonNone
	}
	if snap.DailyPnL.Neg().GreaterThanOrEqual(limit) {
		return model.ReasonMaxDailyLoss
	}
	return model.ReasonNone
}

type trailingDrawdownRule struct{}

func (trailingDrawdownRule) Name() string { return "trailing_drawdown" }

func (trailingDrawdownRule) Check(snap *Snapshot) model.ReasonCode {
	limit := snap.Limits.TrailingDrawdown
	if limit.IsZero() {
		return model.ReasonNone
	}
	if snap.EquityPeak.Sub(snap.EquityCurrent).GreaterThanOrEqual(limit) {
		return model.ReasonTrailingDrawdown
	}
	return model.ReasonNone
}

type orderCountRule struct{}

func (orderCountRule) Name() string { return "max_order_count" }

func (orderCountRule) Check(snap *Snapshot) model.ReasonCode {
	limit := snap.Limits.MaxOrderCount
	if limit <= 0 {
		return model.ReasonNone
	}
	if snap.OrdersToday+1 > limit {
		return model.ReasonMaxOrderCount
	}
	return model.ReasonNone
}

type marketHoursRule struct {
	hours map[string]HoursWindow
}

func (marketHoursRule) Name() string { return "market_hours" }

func (r marketHoursRule) Check(snap *Snapshot) model.ReasonCode {
	window, ok := r.hours[snap.Limits.AssetClass]
	if !ok { // no config -> always open
		return model.ReasonNone
	}

	open, err1 := time.Parse("15:04", window.Open)
	close, err2 := time.Parse("15:04", window.Close)
	if err1 != nil || err2 != nil {
		return model.ReasonNone
	}

	now := snap.Now.UTC()
	minutes := now.Hour()*60 + now.Minute()
	openMin := open.Hour()*60 + open.Minute()
	closeMin := close.Hour()*60 + close.Minute()
	if minutes < openMin || minutes >= closeMin {
		return model.ReasonMarketClosed
	}
	return model.ReasonNone
}
