package recon

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/risk"
	"github.com/propgate/propgate/pkg/pipeline/router"
	"github.com/propgate/propgate/pkg/venue"
)

type Config struct {
	Interval       time.Duration   `yaml:"interval"`
	Tolerance      decimal.Decimal `yaml:"tolerance"`
	HaltOnMismatch *bool           `yaml:"halt_on_mismatch"`
}

func (c *Config) fillDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.HaltOnMismatch == nil {
		// Conservative default: a drifted account stops trading.
		on := true
		c.HaltOnMismatch = &on
	}
}

// mismatch carries both views so the audit record can reconstruct the
// discrepancy without internal state.
type mismatch struct {
	Symbol   string          `json:"symbol"`
	Internal decimal.Decimal `json:"internal"`
	Venue    decimal.Decimal `json:"venue"`
}

// Reconciler compares internally derived position state against the venue's
// reported truth, periodically and on every fill event. It records every
// discrepancy as a first-class event and never silently rewrites internal
// state, since venue truth may itself be stale.
type Reconciler struct {
	cfg        Config
	engine     *risk.Engine
	store      router.OrderStore
	audit      auditstore.AuditStore
	connectors map[string]venue.Connector

	triggerCh chan string
}

func NewReconciler(cfg *Config, engine *risk.Engine, store router.OrderStore, audit auditstore.AuditStore) *Reconciler {
	c := *cfg
	c.fillDefaults()
	return &Reconciler{
		cfg:        c,
		engine:     engine,
		store:      store,
		audit:      audit,
		connectors: make(map[string]venue.Connector),
		triggerCh:  make(chan string, 256),
	}
}

func (r *Reconciler) RegisterConnector(c venue.Connector) {
	r.connectors[c.Name()] = c
}

// Trigger requests an event-driven pass for one account. Non-blocking: a
// full trigger queue falls back to the periodic sweep.
func (r *Reconciler) Trigger(accountID string) {
	select {
	case r.triggerCh <- accountID:
	default:
	}
}

// Run drives periodic sweeps and event-driven passes until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case accountID := <-r.triggerCh:
			if err := r.ReconcileAccount(ctx, accountID); err != nil {
				zap.S().Errorw("reconcile failed", "account_id", accountID, "err", err)
			}
		case <-ticker.C:
			for _, accountID := range r.engine.Ledger().AccountIDs() {
				if err := r.ReconcileAccount(ctx, accountID); err != nil {
					zap.S().Errorw("reconcile failed", "account_id", accountID, "err", err)
				}
			}
		}
	}
}

// ReconcileAccount runs one comparison pass. Venue I/O happens before the
// account lock is taken; the comparison itself runs under the same
// serialization as risk evaluation.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID string) error {
	account, err := r.engine.Ledger().Account(ctx, accountID)
	if err != nil {
		return err
	}
	conn, ok := r.connectors[account.Venue]
	if !ok {
		return router.ErrUnknownVenue
	}

	venuePositions, err := conn.GetPositions(ctx, accountID)
	if err != nil {
		return err
	}
	venueOpen, err := conn.GetOpenOrders(ctx, accountID)
	if err != nil {
		return err
	}

	var mismatches []mismatch
	err = r.engine.Ledger().WithSnapshot(accountID, func(positions, reserved map[string]decimal.Decimal) error {
		venueBySymbol := make(map[string]decimal.Decimal, len(venuePositions))
		for _, p := range venuePositions {
			venueBySymbol[p.Symbol] = p.Qty
		}

		// Venue truth includes fills we may not have ingested yet for still
		// working orders; reservations cover that in-flight exposure.
		for symbol := range union(positions, venueBySymbol) {
			internal := positions[symbol]
			venueQty := venueBySymbol[symbol]
			diff := internal.Sub(venueQty).Abs()
			if diff.GreaterThan(r.cfg.Tolerance) && diff.GreaterThan(reserved[symbol].Abs()) {
				mismatches = append(mismatches, mismatch{
					Symbol:   symbol,
					Internal: internal,
					Venue:    venueQty,
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	internalOpen, err := r.store.OpenOrdersForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	mismatches = append(mismatches, r.compareOpenOrders(internalOpen, venueOpen)...)

	if len(mismatches) == 0 {
		return nil
	}

	if _, err := r.audit.Append(ctx, model.EventReconMismatch, accountID, map[string]any{
		"mismatches": mismatches,
	}); err != nil {
		return err
	}

	if *r.cfg.HaltOnMismatch {
		return r.engine.Engage(ctx, accountID, "reconciliation mismatch")
	}
	return nil
}

// compareOpenOrders flags venue-side working orders the router does not
// know about. The reverse direction (internal open, venue closed) resolves
// through fills and is left to the position comparison.
func (r *Reconciler) compareOpenOrders(internal []*model.Order, venueOpen []venue.OpenOrder) []mismatch {
	known := make(map[string]bool, len(internal))
	for _, order := range internal {
		known[order.VenueOrderRef] = true
	}

	var out []mismatch
	for _, open := range venueOpen {
		if !known[open.VenueOrderRef] {
			out = append(out, mismatch{
				Symbol: open.Symbol,
				Venue:  open.LeavesQty,
			})
		}
	}
	return out
}

func union(a, b map[string]decimal.Decimal) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
