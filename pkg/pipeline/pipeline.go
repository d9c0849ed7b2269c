package pipeline

import (
	"context"
	"errors"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/recon"
	"github.com/propgate/propgate/pkg/pipeline/risk"
	"github.com/propgate/propgate/pkg/pipeline/router"
	"github.com/propgate/propgate/pkg/pipeline/signal"
	"github.com/propgate/propgate/pkg/venue"
)

// Intake error kinds reported back to the sender.
const (
	KindAuthenticationFailure = "AuthenticationFailure"
	KindSchemaValidation      = "SchemaValidationFailure"
	KindStaleSignal           = "StaleSignal"
	KindRateLimited           = "RateLimited"
	KindAccountUnknown        = "AccountUnknown"
	KindConnectorTimeout      = "ConnectorTimeout"
	KindConnectorDegraded     = "ConnectorDegraded"
	KindVenueRejected         = "VenueRejected"
	KindInternal              = "InternalError"
)

type SubmitStatus string

const (
	StatusApproved SubmitStatus = "approved"
	StatusRejected SubmitStatus = "rejected"
	StatusError    SubmitStatus = "error"
)

// SubmitResult is the intake response: exactly one of
// {approved: order_id}, {rejected: reason_code}, {error: kind}.
type SubmitResult struct {
	Status   SubmitStatus     `json:"status"`
	SignalID string           `json:"signal_id,omitempty"`
	OrderID  string           `json:"order_id,omitempty"`
	Reason   model.ReasonCode `json:"reason_code,omitempty"`
	Kind     string           `json:"error_kind,omitempty"`
}

// SignalLookup resolves persisted signals for duplicate-nonce queries.
type SignalLookup interface {
	SignalByNonce(ctx context.Context, accountID, nonce string) (*model.TradeSignal, error)
}

// Pipeline chains the validator, the risk engine and the order router, and
// carries the operator surface (kill switch, decision query, audit export).
type Pipeline struct {
	validator  *signal.Validator
	engine     *risk.Engine
	router     *router.Router
	reconciler *recon.Reconciler
	audit      auditstore.AuditStore
	signals    SignalLookup
}

func NewPipeline(validator *signal.Validator, engine *risk.Engine, orderRouter *router.Router, reconciler *recon.Reconciler, audit auditstore.AuditStore, signals SignalLookup) *Pipeline {
	p := &Pipeline{
		validator:  validator,
		engine:     engine,
		router:     orderRouter,
		reconciler: reconciler,
		audit:      audit,
		signals:    signals,
	}
	engine.SetFlattener(orderRouter)
	if reconciler != nil {
		orderRouter.SetReconTrigger(reconciler.Trigger)
	}
	return p
}

// Submit runs one signal through validate -> evaluate -> route. Once a
// signal is validated it reaches a terminal order state or an explicit
// rejection; nothing is silently dropped. A replayed nonce yields the
// recorded outcome of the first delivery.
func (p *Pipeline) Submit(ctx context.Context, in *signal.Inbound) *SubmitResult {
	sig, err := p.validator.Validate(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, signal.ErrDuplicateSignal):
		if sig == nil {
			return &SubmitResult{Status: StatusError, Kind: KindInternal}
		}
		// sig is the original signal; reuse its recorded decision instead of
		// deciding again. A crash between decide and route leaves no
		// decision, in which case the original signal is processed as new.
		if decision, derr := p.engine.Decision(ctx, sig.SignalID); derr == nil {
			return p.resumeRecorded(ctx, sig, decision)
		}
		return p.execute(ctx, sig)
	default:
		return intakeError(err)
	}

	return p.execute(ctx, sig)
}

func (p *Pipeline) execute(ctx context.Context, sig *model.TradeSignal) *SubmitResult {
	decision, err := p.engine.Evaluate(ctx, sig)
	if err != nil {
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindInternal}
	}
	if !decision.Approved() {
		return &SubmitResult{Status: StatusRejected, SignalID: sig.SignalID, Reason: decision.Reason}
	}
	return p.route(ctx, sig)
}

func (p *Pipeline) route(ctx context.Context, sig *model.TradeSignal) *SubmitResult {
	account, err := p.engine.Ledger().Account(ctx, sig.AccountID)
	if err != nil {
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindAccountUnknown}
	}

	order, err := p.router.Route(ctx, sig, account.Venue)
	switch {
	case err == nil:
		return &SubmitResult{Status: StatusApproved, SignalID: sig.SignalID, OrderID: order.OrderID}
	case errors.Is(err, router.ErrConnectorDegraded):
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindConnectorDegraded}
	case errors.Is(err, venue.ErrRejected):
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindVenueRejected}
	case errors.Is(err, venue.ErrTimeout):
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindConnectorTimeout}
	default:
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindInternal}
	}
}

// resumeRecorded reproduces the first delivery's outcome without
// re-executing risk math or submitting anything new.
func (p *Pipeline) resumeRecorded(ctx context.Context, sig *model.TradeSignal, decision *model.RiskDecision) *SubmitResult {
	if !decision.Approved() {
		return &SubmitResult{Status: StatusRejected, SignalID: sig.SignalID, Reason: decision.Reason}
	}

	account, err := p.engine.Ledger().Account(ctx, sig.AccountID)
	if err != nil {
		return &SubmitResult{Status: StatusError, SignalID: sig.SignalID, Kind: KindAccountUnknown}
	}
	key := router.IdempotencyKey(sig.Nonce, sig.AccountID, account.Venue)
	if order, oerr := p.router.OrderByKey(ctx, key); oerr == nil && order != nil {
		return &SubmitResult{Status: StatusApproved, SignalID: sig.SignalID, OrderID: order.OrderID}
	}
	// Approved but never routed (crash before submit): the reservation is
	// still held, finish the routing leg now.
	return p.route(ctx, sig)
}

func intakeError(err error) *SubmitResult {
	kind := KindInternal
	switch {
	case errors.Is(err, signal.ErrAuthenticationFailure):
		kind = KindAuthenticationFailure
	case errors.Is(err, signal.ErrSchemaValidation):
		kind = KindSchemaValidation
	case errors.Is(err, signal.ErrStaleSignal):
		kind = KindStaleSignal
	case errors.Is(err, signal.ErrRateLimited):
		kind = KindRateLimited
	case errors.Is(err, signal.ErrAccountUnknown):
		kind = KindAccountUnknown
	}
	return &SubmitResult{Status: StatusError, Kind: kind}
}

// EngageKillSwitch halts an account (or everything, with risk.GlobalScope).
func (p *Pipeline) EngageKillSwitch(ctx context.Context, accountID, cause string) error {
	return p.engine.Engage(ctx, accountID, cause)
}

// RearmKillSwitch is the explicit human path back to trading.
func (p *Pipeline) RearmKillSwitch(ctx context.Context, accountID string) error {
	return p.engine.Rearm(ctx, accountID)
}

// DecisionBySignal serves the read-only decision query used by upstream
// retries.
func (p *Pipeline) DecisionBySignal(ctx context.Context, signalID string) (*model.RiskDecision, error) {
	return p.engine.Decision(ctx, signalID)
}

// DecisionByNonce resolves a decision through the signal's nonce.
func (p *Pipeline) DecisionByNonce(ctx context.Context, accountID, nonce string) (*model.RiskDecision, error) {
	sig, err := p.signals.SignalByNonce(ctx, accountID, nonce)
	if err != nil {
		return nil, err
	}
	return p.engine.Decision(ctx, sig.SignalID)
}

// AuditRecords exposes sequential read-only access to the ledger.
func (p *Pipeline) AuditRecords(ctx context.Context) []*model.AuditRecord {
	return p.audit.Records(ctx)
}

// VerifyAudit walks the full hash chain. Corruption is fatal: trading halts
// globally pending manual audit rather than continuing on a ledger that can
// no longer prove itself.
func (p *Pipeline) VerifyAudit(ctx context.Context) (auditstore.VerifyResult, error) {
	result := p.audit.Verify(ctx)
	if !result.OK {
		p.audit.Append(ctx, model.EventAuditChainCorrupt, risk.GlobalScope, result)
		if err := p.engine.Engage(ctx, risk.GlobalScope, "audit chain corruption: "+result.Detail); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ResetConnector re-arms a degraded connector after operator review.
func (p *Pipeline) ResetConnector(name string) error {
	return p.router.ResetConnector(name)
}
