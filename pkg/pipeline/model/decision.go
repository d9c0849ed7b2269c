package model

import "time"

type DecisionOutcome string

const (
	DecisionApproved DecisionOutcome = "Approved"
	DecisionRejected DecisionOutcome = "Rejected"
)

// ReasonCode is the machine-readable reason attached to every rejection.
type ReasonCode string

const (
	ReasonNone               ReasonCode = ""
	ReasonKillSwitchEngaged  ReasonCode = "KillSwitchEngaged"
	ReasonMaxPositionSize    ReasonCode = "LimitViolation:MaxPositionSize"
	ReasonMaxDailyLoss       ReasonCode = "LimitViolation:MaxDailyLoss"
	ReasonTrailingDrawdown   ReasonCode = "LimitViolation:TrailingDrawdown"
	ReasonMaxOrderCount      ReasonCode = "LimitViolation:MaxOrderCount"
	ReasonMarketClosed       ReasonCode = "LimitViolation:MarketClosed"
	ReasonConnectorDegraded  ReasonCode = "ConnectorDegraded"
	ReasonAccountUnknown     ReasonCode = "AccountUnknown"
	ReasonAuditChainCorrupt  ReasonCode = "AuditChainCorruption"
	ReasonReconciliationHalt ReasonCode = "ReconciliationMismatch"
)

// RiskDecision is immutable, exactly one per TradeSignal.
type RiskDecision struct {
	ID int64 `gorm:"primaryKey"`

	SignalID  string `gorm:"uniqueIndex"`
	AccountID string `gorm:"index"`
	Outcome   DecisionOutcome
	Reason    ReasonCode

	// LimitsSnapshot is the JSON-encoded evaluated-limits snapshot taken at
	// decision time so every rejection can be reconstructed from audit alone.
	LimitsSnapshot string

	DecidedAt time.Time
}

func (RiskDecision) TableName() string {
	return "risk_decisions"
}

func (d *RiskDecision) Approved() bool {
	return d.Outcome == DecisionApproved
}
