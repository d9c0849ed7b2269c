package worker

import (
	"context"
	"encoding/json"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/repo"
)

// Worker drains published audit records into postgres. Insertion is
// idempotent on record_id, so JetStream redeliveries are harmless.
type Worker struct {
	records repo.IAuditRecord
}

func NewWorker(repo repo.IRepo) *Worker {
	return &Worker{
		records: repo.AuditRecord(),
	}
}

func (w *Worker) StartConsumer(ctx context.Context, js nats.JetStreamContext, subject, durable string) error {
	cons, err := js.PullSubscribe(subject, durable)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := cons.Fetch(10, nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nats.ErrTimeout {
				zap.S().Warnf("fetch error: %v", err)
			}
			continue
		}

		for _, msg := range msgs {
			var rec model.AuditRecord
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				zap.S().Warnf("unmarshal audit record: %v", err)
				_ = msg.Ack()
				continue
			}
			if err := w.handleRecord(ctx, &rec); err != nil {
				zap.S().Errorf("persist audit record %s: %v", rec.RecordID, err)
				continue
			}
			_ = msg.Ack()
		}
	}
}

func (w *Worker) handleRecord(ctx context.Context, rec *model.AuditRecord) error {
	_, err := w.records.Create(ctx, rec)
	return err
}
