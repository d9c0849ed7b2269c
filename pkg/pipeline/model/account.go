package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type KillSwitchState string

const (
	KillSwitchArmed  KillSwitchState = "Armed"
	KillSwitchHalted KillSwitchState = "Halted"
)

// Limits is a firm rule template represented as data. Adding a firm means
// adding a template, not a code path. A zero limit disables that check.
type Limits struct {
	Name string `yaml:"name" json:"name"`
	Firm string `yaml:"firm" json:"firm"`

	MaxPositionSize  decimal.Decimal `yaml:"max_position_size" json:"max_position_size"`
	MaxDailyLoss     decimal.Decimal `yaml:"max_daily_loss" json:"max_daily_loss"`
	TrailingDrawdown decimal.Decimal `yaml:"trailing_drawdown" json:"trailing_drawdown"`
	MaxOrderCount    int             `yaml:"max_order_count" json:"max_order_count"`

	// Market-hours gate per asset class; empty means always open.
	AssetClass string `yaml:"asset_class" json:"asset_class"`

	// Challenge-phase parameters (prop firm evaluation tracking).
	AccountSize     decimal.Decimal `yaml:"account_size" json:"account_size"`
	ProfitTargetPct decimal.Decimal `yaml:"profit_target_pct" json:"profit_target_pct"`
	MinTradingDays  int             `yaml:"min_trading_days" json:"min_trading_days"`
}

type AccountPhase string

const (
	PhaseEvaluation   AccountPhase = "evaluation"
	PhaseVerification AccountPhase = "verification"
	PhaseFunded       AccountPhase = "funded"
	PhaseSuspended    AccountPhase = "suspended"
	PhaseFailed       AccountPhase = "failed"
)

// Account is the mutable aggregate holding per-account configuration and the
// working counters the risk engine mutates under its single-writer
// discipline.
type Account struct {
	AccountID string `gorm:"primaryKey"`
	Venue     string

	Limits     Limits `gorm:"serializer:json"`
	KillSwitch KillSwitchState
	Phase      AccountPhase

	EquityPeak    decimal.Decimal
	EquityCurrent decimal.Decimal
	DailyPnL      decimal.Decimal

	// Positions holds open position per symbol, signed (+long / -short).
	Positions map[string]decimal.Decimal `gorm:"serializer:json"`

	// WebhookSecret signs inbound signals. Never logged; see MaskedSecret.
	WebhookSecret string `json:"-"`

	TradingDaysCompleted int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (Account) TableName() string {
	return "accounts"
}

// MaskedSecret returns a displayable form of the webhook secret.
func (a *Account) MaskedSecret() string {
	if len(a.WebhookSecret) <= 4 {
		return "****"
	}
	return "****" + a.WebhookSecret[len(a.WebhookSecret)-4:]
}

// Drawdown is the decline from peak equity to current equity.
func (a *Account) Drawdown() decimal.Decimal {
	return a.EquityPeak.Sub(a.EquityCurrent)
}

// ProfitTargetAmount is the dollar gain needed to pass the current phase.
func (a *Account) ProfitTargetAmount() decimal.Decimal {
	return a.Limits.AccountSize.Mul(a.Limits.ProfitTargetPct).Div(decimal.NewFromInt(100))
}
