// Package store provides the in-memory persistence used by paper
// deployments and tests. The SQL-backed equivalent lives in pkg/pipeline/repo.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

var ErrNotFound = errors.New("record not found")

// MemoryStore implements the signal, decision and order store interfaces
// over in-process maps.
type MemoryStore struct {
	mu        sync.RWMutex
	signals   map[string]*model.TradeSignal  // signalID -> signal
	decisions map[string]*model.RiskDecision // signalID -> decision
	orders    map[string]*model.Order        // orderID -> order
	byKey     map[string]string              // idempotencyKey -> orderID
	fills     map[string][]*model.Fill       // orderID -> fills
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:   make(map[string]*model.TradeSignal),
		decisions: make(map[string]*model.RiskDecision),
		orders:    make(map[string]*model.Order),
		byKey:     make(map[string]string),
		fills:     make(map[string][]*model.Fill),
	}
}

func (s *MemoryStore) SaveSignal(ctx context.Context, sig *model.TradeSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.SignalID] = sig
	return nil
}

func (s *MemoryStore) Signal(ctx context.Context, signalID string) (*model.TradeSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[signalID]
	if !ok {
		return nil, ErrNotFound
	}
	return sig, nil
}

func (s *MemoryStore) SignalByNonce(ctx context.Context, accountID, nonce string) (*model.TradeSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sig := range s.signals {
		if sig.AccountID == accountID && sig.Nonce == nonce {
			return sig, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveDecision(ctx context.Context, decision *model.RiskDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[decision.SignalID] = decision
	return nil
}

func (s *MemoryStore) DecisionBySignal(ctx context.Context, signalID string) (*model.RiskDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decision, ok := s.decisions[signalID]
	if !ok {
		return nil, ErrNotFound
	}
	return decision, nil
}

func (s *MemoryStore) SaveOrder(ctx context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Mirror of the SQL unique index on idempotency_key: a different order
	// for a held key is refused, not overwritten.
	if existingID, ok := s.byKey[order.IdempotencyKey]; ok && existingID != order.OrderID {
		return fmt.Errorf("%w: %s", model.ErrDuplicateIdempotencyKey, order.IdempotencyKey)
	}

	copied := *order
	s.orders[order.OrderID] = &copied
	s.byKey[order.IdempotencyKey] = order.OrderID
	return nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, order *model.Order) error {
	return s.SaveOrder(ctx, order)
}

func (s *MemoryStore) OrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.orders[orderID]
	return &copied, nil
}

func (s *MemoryStore) OrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *MemoryStore) OpenOrdersForAccount(ctx context.Context, accountID string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Order
	for _, order := range s.orders {
		if order.AccountID == accountID && !order.State.Terminal() {
			copied := *order
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveFill(ctx context.Context, fill *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[fill.OrderID] = append(s.fills[fill.OrderID], fill)
	return nil
}

func (s *MemoryStore) FillsForOrder(ctx context.Context, orderID string) ([]*model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Fill, len(s.fills[orderID]))
	copy(out, s.fills[orderID])
	return out, nil
}
