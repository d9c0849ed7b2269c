package model

import "time"

type AuditEventType string

const (
	EventSignalReceived     AuditEventType = "SignalReceived"
	EventSignalRejected     AuditEventType = "SignalRejected"
	EventRiskApproved       AuditEventType = "RiskApproved"
	EventRiskRejected       AuditEventType = "RiskRejected"
	EventOrderSubmitted     AuditEventType = "OrderSubmitted"
	EventOrderAcknowledged  AuditEventType = "OrderAcknowledged"
	EventOrderFilled        AuditEventType = "OrderFilled"
	EventOrderPartialFill   AuditEventType = "OrderPartialFill"
	EventOrderCancelled     AuditEventType = "OrderCancelled"
	EventOrderRejected      AuditEventType = "OrderRejected"
	EventConnectorDegraded  AuditEventType = "ConnectorDegraded"
	EventKillSwitchEngaged  AuditEventType = "KillSwitchEngaged"
	EventKillSwitchRearmed  AuditEventType = "KillSwitchRearmed"
	EventCancelEscalation   AuditEventType = "CancelEscalation"
	EventReconMismatch      AuditEventType = "ReconciliationMismatch"
	EventReconClean         AuditEventType = "ReconciliationClean"
	EventPhaseChanged       AuditEventType = "PhaseChanged"
	EventAuditChainCorrupt  AuditEventType = "AuditChainCorruption"
)

// AuditRecord is append-only and hash-chained:
// ThisHash = sha256(PrevHash || Payload). Corrections are new records
// referencing the original, never edits.
type AuditRecord struct {
	ID int64 `gorm:"primaryKey"`

	RecordID  string `gorm:"uniqueIndex"`
	Seq       int64  `gorm:"index"`
	PrevHash  string
	ThisHash  string
	EventType AuditEventType `gorm:"index"`
	AccountID string         `gorm:"index"`
	Payload   string

	RecordedAt time.Time
}

func (AuditRecord) TableName() string {
	return "audit_records"
}
