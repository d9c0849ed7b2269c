package store

import (
	"context"
	"errors"
	"testing"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

func TestSaveOrderRefusesDuplicateIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &model.Order{OrderID: "o-1", AccountID: "ACC-1", IdempotencyKey: "K", State: model.OrderStateCreated}
	if err := s.SaveOrder(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := &model.Order{OrderID: "o-2", AccountID: "ACC-1", IdempotencyKey: "K", State: model.OrderStateCreated}
	if err := s.SaveOrder(ctx, second); !errors.Is(err, model.ErrDuplicateIdempotencyKey) {
		t.Fatalf("save second = %v, want ErrDuplicateIdempotencyKey", err)
	}

	open, _ := s.OpenOrdersForAccount(ctx, "ACC-1")
	if len(open) != 1 {
		t.Errorf("%d live orders share one key, want 1", len(open))
	}

	// The key holder itself still updates through the same path.
	first.State = model.OrderStateSubmitted
	if err := s.UpdateOrder(ctx, first); err != nil {
		t.Errorf("update holder: %v", err)
	}
}
