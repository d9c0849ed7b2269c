package auditstore

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

// NatsPublisher pushes audit records onto a JetStream subject so the worker
// can persist them out of the hot path.
type NatsPublisher struct {
	js      nats.JetStreamContext
	subject string
}

func NewNatsPublisher(js nats.JetStreamContext, subject string) *NatsPublisher {
	return &NatsPublisher{js: js, subject: subject}
}

func (p *NatsPublisher) Publish(ctx context.Context, record *model.AuditRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	// MsgId dedupes redelivery on the JetStream side.
	_, err = p.js.Publish(p.subject, data, nats.MsgId(record.RecordID), nats.Context(ctx))
	return err
}
