package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/venue"
)

var (
	ErrUnknownVenue      = errors.New("unknown venue connector")
	ErrConnectorDegraded = errors.New("connector degraded")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOverfill          = errors.New("fill exceeds order quantity")
)

// OrderStore persists orders and fills. At most one live order may exist per
// idempotency key; the store enforces the unique index and SaveOrder returns
// model.ErrDuplicateIdempotencyKey when a second order arrives for a key
// already held.
type OrderStore interface {
	SaveOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error
	OrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error)
	OrderByID(ctx context.Context, orderID string) (*model.Order, error)
	OpenOrdersForAccount(ctx context.Context, accountID string) ([]*model.Order, error)
	SaveFill(ctx context.Context, fill *model.Fill) error
	FillsForOrder(ctx context.Context, orderID string) ([]*model.Fill, error)
}

// RiskHooks settles exposure reservations as orders reach venue truth. OnFill
// carries the fill price so the account's realized P&L moves with it.
type RiskHooks interface {
	OnFill(ctx context.Context, accountID, symbol string, side model.SignalSide, qty, price decimal.Decimal) error
	Release(accountID, symbol string, side model.SignalSide, qty decimal.Decimal) error
}

// ReconTrigger requests an event-driven reconciliation pass.
type ReconTrigger func(accountID string)

type Config struct {
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	BreakerThreshold     int           `yaml:"breaker_threshold"`
	CancelTimeout        time.Duration `yaml:"cancel_timeout"`
}

func (c *Config) fillDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = 2 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.CancelTimeout == 0 {
		c.CancelTimeout = 10 * time.Second
	}
}

type connectorEntry struct {
	connector venue.Connector
	breaker   *breaker
}

// Router maps approved signals to venue connectors, owns the order lifecycle
// state machine, retries transient submit failures with the same idempotency
// key, and circuit-breaks degraded connectors.
type Router struct {
	cfg        Config
	store      OrderStore
	audit      auditstore.AuditStore
	risk       RiskHooks
	connectors map[string]*connectorEntry
	recon      ReconTrigger
}

func NewRouter(cfg *Config, store OrderStore, audit auditstore.AuditStore, risk RiskHooks) *Router {
	c := *cfg
	c.fillDefaults()
	return &Router{
		cfg:        c,
		store:      store,
		audit:      audit,
		risk:       risk,
		connectors: make(map[string]*connectorEntry),
	}
}

// RegisterConnector attaches a venue connector and subscribes to its fills.
func (r *Router) RegisterConnector(c venue.Connector) {
	r.connectors[c.Name()] = &connectorEntry{
		connector: c,
		breaker:   newBreaker(r.cfg.BreakerThreshold),
	}
	c.OnFill(func(fill *model.Fill) {
		if err := r.ApplyFill(context.Background(), fill); err != nil {
			zap.S().Errorw("apply fill failed", "order_id", fill.OrderID, "err", err)
		}
	})
}

// SetReconTrigger wires the event-driven reconciliation hook.
func (r *Router) SetReconTrigger(trigger ReconTrigger) {
	r.recon = trigger
}

// ResetConnector re-arms a degraded connector. Operator action, audited by
// the caller.
func (r *Router) ResetConnector(name string) error {
	entry, ok := r.connectors[name]
	if !ok {
		return ErrUnknownVenue
	}
	entry.breaker.reset()
	return nil
}

// ConnectorDegraded reports breaker state for a venue.
func (r *Router) ConnectorDegraded(name string) bool {
	entry, ok := r.connectors[name]
	return ok && entry.breaker.isDegraded()
}

// IdempotencyKey derives the deterministic at-most-one-live-order key for a
// logical trading intent.
func IdempotencyKey(nonce, accountID, venueName string) string {
	h := sha256.New()
	h.Write([]byte(nonce))
	h.Write([]byte{0})
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(venueName))
	return hex.EncodeToString(h.Sum(nil))
}

// Route submits an approved signal to its venue. A retried call with the
// same signal finds the existing order by idempotency key and returns it
// without a second submission. Connector I/O happens with no account lock
// held; the idempotency key covers the release-then-crash race.
func (r *Router) Route(ctx context.Context, sig *model.TradeSignal, venueName string) (*model.Order, error) {
	entry, ok := r.connectors[venueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venueName)
	}

	key := IdempotencyKey(sig.Nonce, sig.AccountID, venueName)
	if existing, err := r.store.OrderByIdempotencyKey(ctx, key); err == nil && existing != nil {
		return existing, nil
	}

	if entry.breaker.isDegraded() {
		r.releaseFor(sig)
		return nil, fmt.Errorf("%w: %s", ErrConnectorDegraded, venueName)
	}

	order := &model.Order{
		OrderID:        uuid.New().String(),
		SignalID:       sig.SignalID,
		AccountID:      sig.AccountID,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       sig.Quantity,
		IdempotencyKey: key,
		Venue:          venueName,
		State:          model.OrderStateCreated,
		FilledQty:      decimal.Zero,
		CreatedAt:      time.Now(),
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		// A concurrent delivery of the same intent won the unique index.
		// Its order covers this one, so this caller's reservation is
		// surplus headroom and is returned.
		if errors.Is(err, model.ErrDuplicateIdempotencyKey) {
			r.releaseFor(sig)
			if existing, lerr := r.store.OrderByIdempotencyKey(ctx, key); lerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	ack, err := r.submitWithRetry(ctx, entry, order)
	if err != nil {
		if terr := transition(order, model.OrderStateRejected); terr == nil {
			_ = r.store.UpdateOrder(ctx, order)
		}
		r.audit.Append(ctx, model.EventOrderRejected, order.AccountID, map[string]string{
			"order_id": order.OrderID,
			"venue":    venueName,
			"cause":    err.Error(),
		})
		r.releaseFor(sig)
		return order, err
	}

	order.VenueOrderRef = ack.VenueOrderRef
	if err := transition(order, model.OrderStateSubmitted); err != nil {
		return order, err
	}
	if err := transition(order, model.OrderStateAcknowledged); err != nil {
		return order, err
	}
	if err := r.store.UpdateOrder(ctx, order); err != nil {
		return order, err
	}
	if _, err := r.audit.Append(ctx, model.EventOrderSubmitted, order.AccountID, order); err != nil {
		return order, err
	}
	return order, nil
}

// submitWithRetry retries transient connector errors with bounded
// exponential backoff, reusing the same idempotency key on every attempt so
// the venue cannot double-execute.
func (r *Router) submitWithRetry(ctx context.Context, entry *connectorEntry, order *model.Order) (*venue.Ack, error) {
	var ack *venue.Ack

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryInitialInterval
	policy.MaxInterval = r.cfg.RetryMaxInterval

	op := func() error {
		var err error
		ack, err = entry.connector.SubmitOrder(ctx, order)
		if err == nil {
			entry.breaker.recordSuccess()
			return nil
		}
		if errors.Is(err, venue.ErrRejected) {
			return backoff.Permanent(err)
		}
		if tripped := entry.breaker.recordFailure(); tripped {
			r.audit.Append(ctx, model.EventConnectorDegraded, order.AccountID, map[string]string{
				"venue": entry.connector.Name(),
			})
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrConnectorDegraded, entry.connector.Name()))
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// ApplyFill records a (possibly partial) fill reported by the venue and
// drives the order toward Filled. The sum of fills never exceeds the order
// quantity.
func (r *Router) ApplyFill(ctx context.Context, fill *model.Fill) error {
	order, err := r.store.OrderByID(ctx, fill.OrderID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, fill.OrderID)
	}
	if order.State.Terminal() {
		return fmt.Errorf("%w: order %s already %s", ErrInvalidTransition, order.OrderID, order.State)
	}

	newFilled := order.FilledQty.Add(fill.FillQty)
	if newFilled.GreaterThan(order.Quantity) {
		return fmt.Errorf("%w: order %s filled %s of %s", ErrOverfill, order.OrderID, newFilled, order.Quantity)
	}

	if err := r.store.SaveFill(ctx, fill); err != nil {
		return err
	}

	order.FilledQty = newFilled
	event := model.EventOrderPartialFill
	next := model.OrderStatePartiallyFilled
	if newFilled.Equal(order.Quantity) {
		event = model.EventOrderFilled
		next = model.OrderStateFilled
	}
	if err := transition(order, next); err != nil {
		return err
	}
	if err := r.store.UpdateOrder(ctx, order); err != nil {
		return err
	}
	if _, err := r.audit.Append(ctx, event, order.AccountID, fill); err != nil {
		return err
	}

	if err := r.risk.OnFill(ctx, order.AccountID, order.Symbol, order.Side, fill.FillQty, fill.FillPrice); err != nil {
		return err
	}
	if r.recon != nil {
		r.recon(order.AccountID)
	}
	return nil
}

func (r *Router) releaseFor(sig *model.TradeSignal) {
	if err := r.risk.Release(sig.AccountID, sig.Symbol, sig.Side, sig.Quantity); err != nil {
		zap.S().Errorw("release reservation failed", "signal_id", sig.SignalID, "err", err)
	}
}

// Order returns the current order for a signal's idempotency key.
func (r *Router) OrderByKey(ctx context.Context, key string) (*model.Order, error) {
	return r.store.OrderByIdempotencyKey(ctx, key)
}
