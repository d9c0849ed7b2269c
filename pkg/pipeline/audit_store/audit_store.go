package auditstore

import (
	"context"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

// Publisher forwards appended records to a durable sink (NATS JetStream in
// production, consumed by cmd/worker).
type Publisher interface {
	Publish(ctx context.Context, record *model.AuditRecord) error
}

// VerifyResult reports the first point of divergence in the chain, if any.
type VerifyResult struct {
	OK       bool
	BadSeq   int64
	BadID    string
	Detail   string
	Verified int
}

type AuditStore interface {
	Append(ctx context.Context, event model.AuditEventType, accountID string, payload any) (*model.AuditRecord, error)
	Records(ctx context.Context) []*model.AuditRecord
	RecordsForAccount(ctx context.Context, accountID string) []*model.AuditRecord
	Verify(ctx context.Context) VerifyResult
}
