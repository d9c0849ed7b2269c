package risk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"go.uber.org/zap"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
)

// DecisionStore persists immutable risk decisions and serves lookups for
// upstream retries.
type DecisionStore interface {
	SaveDecision(ctx context.Context, decision *model.RiskDecision) error
	DecisionBySignal(ctx context.Context, signalID string) (*model.RiskDecision, error)
}

// Flattener cancels all open orders for an account. Implemented by the
// order router; registered late to keep the dependency one-way.
type Flattener interface {
	CancelAll(ctx context.Context, accountID string) error
}

type Config struct {
	// FlattenOnHalt issues best-effort cancels for open orders when the
	// kill switch engages.
	FlattenOnHalt bool `yaml:"flatten_on_halt"`

	// OrderCountWindow is the rolling window for the max order count limit.
	OrderCountWindow time.Duration `yaml:"order_count_window"`

	// KillSwitchBound documents the required propagation bound; the atomic
	// flag makes actual propagation immediate.
	KillSwitchBound time.Duration `yaml:"kill_switch_bound"`

	MarketHours map[string]HoursWindow `yaml:"market_hours"`
}

func (c *Config) fillDefaults() {
	if c.OrderCountWindow == 0 {
		c.OrderCountWindow = 24 * time.Hour
	}
	if c.KillSwitchBound == 0 {
		c.KillSwitchBound = time.Second
	}
}

// Engine evaluates validated signals against account limits and the kill
// switch, producing exactly one immutable decision per signal.
type Engine struct {
	cfg       Config
	ledger    *Ledger
	switches  *KillSwitchRegistry
	decisions DecisionStore
	audit     auditstore.AuditStore
	rules     []Rule
	flattener Flattener
}

func NewEngine(cfg *Config, ledger *Ledger, switches *KillSwitchRegistry, decisions DecisionStore, audit auditstore.AuditStore) *Engine {
	c := *cfg
	c.fillDefaults()
	return &Engine{
		cfg:       c,
		ledger:    ledger,
		switches:  switches,
		decisions: decisions,
		audit:     audit,
		rules:     RulesFor(c.MarketHours),
	}
}

// SetFlattener wires the order router's cancel saga for kill-switch flatten.
func (e *Engine) SetFlattener(f Flattener) {
	e.flattener = f
}

func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

func (e *Engine) Switches() *KillSwitchRegistry {
	return e.switches
}

// Evaluate runs the pre-trade checks for one validated signal. The kill
// switch is read first, off the account lock, so a halt is never starved by
// backlogged limit math. Approval reserves exposure under the account lock
// before any connector I/O happens.
func (e *Engine) Evaluate(ctx context.Context, sig *model.TradeSignal) (*model.RiskDecision, error) {
	if e.switches.Engaged(sig.AccountID) {
		return e.finishDecision(ctx, sig, model.ReasonKillSwitchEngaged, nil)
	}

	var snap Snapshot
	reason := model.ReasonNone
	err := e.ledger.withAccount(sig.AccountID, func(st *accountState) error {
		now := time.Now()
		st.trimOrderTimes(now, e.cfg.OrderCountWindow)

		delta := signedQty(sig.Side, sig.Quantity)
		position := st.account.Positions[sig.Symbol].Add(st.reserved[sig.Symbol])
		snap = Snapshot{
			AccountID:         sig.AccountID,
			Symbol:            sig.Symbol,
			Side:              sig.Side,
			Quantity:          sig.Quantity,
			Position:          position,
			ProjectedPosition: position.Add(delta),
			DailyPnL:          st.account.DailyPnL,
			EquityPeak:        st.account.EquityPeak,
			EquityCurrent:     st.account.EquityCurrent,
			OrdersToday:       st.orderTimes.Len(),
			Limits:            st.account.Limits,
			Now:               now,
		}

		for _, rule := range e.rules {
			if r := rule.Check(&snap); r != model.ReasonNone {
				reason = r
				return nil
			}
		}

		// All checks passed: reserve the exposure so a concurrent signal
		// cannot spend the same headroom.
		st.reserved[sig.Symbol] = st.reserved[sig.Symbol].Add(delta)
		st.orderTimes.PushBack(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.finishDecision(ctx, sig, reason, &snap)
}

func (e *Engine) finishDecision(ctx context.Context, sig *model.TradeSignal, reason model.ReasonCode, snap *Snapshot) (*model.RiskDecision, error) {
	outcome := model.DecisionApproved
	event := model.EventRiskApproved
	if reason != model.ReasonNone {
		outcome = model.DecisionRejected
		event = model.EventRiskRejected
	}

	var snapshotJSON []byte
	if snap != nil {
		snapshotJSON, _ = json.Marshal(snap)
	}

	decision := &model.RiskDecision{
		SignalID:       sig.SignalID,
		AccountID:      sig.AccountID,
		Outcome:        outcome,
		Reason:         reason,
		LimitsSnapshot: string(snapshotJSON),
		DecidedAt:      time.Now(),
	}
	if err := e.decisions.SaveDecision(ctx, decision); err != nil {
		return nil, err
	}
	if _, err := e.audit.Append(ctx, event, sig.AccountID, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// Decision looks up the recorded decision for a signal.
func (e *Engine) Decision(ctx context.Context, signalID string) (*model.RiskDecision, error) {
	return e.decisions.DecisionBySignal(ctx, signalID)
}

// Release returns reserved exposure after a terminal order failure.
func (e *Engine) Release(accountID, symbol string, side model.SignalSide, qty decimal.Decimal) error {
	return e.ledger.withAccount(accountID, func(st *accountState) error {
		st.reserved[symbol] = st.reserved[symbol].Sub(signedQty(side, qty))
		return nil
	})
}

// OnFill converts reserved exposure into confirmed position, realizes P&L
// against the account's cost basis, and re-checks phase compliance with the
// updated equity marks. Called by the router for every venue fill.
func (e *Engine) OnFill(ctx context.Context, accountID, symbol string, side model.SignalSide, qty, price decimal.Decimal) error {
	if err := e.ledger.applyFill(accountID, symbol, side, qty, price); err != nil {
		return err
	}
	return e.EvaluatePhase(ctx, accountID)
}

// Engage flips the kill switch for one account, or every account with
// GlobalScope. The flag flip happens before anything else and does not pass
// through the normal signal queue; only a human Rearm undoes it.
func (e *Engine) Engage(ctx context.Context, accountID, cause string) error {
	e.switches.Engage(accountID)

	targets := []string{accountID}
	if accountID == GlobalScope {
		targets = e.ledger.AccountIDs()
	}
	for _, id := range targets {
		_ = e.ledger.withAccount(id, func(st *accountState) error {
			st.account.KillSwitch = model.KillSwitchHalted
			return nil
		})
	}

	if _, err := e.audit.Append(ctx, model.EventKillSwitchEngaged, accountID, map[string]string{"cause": cause}); err != nil {
		return err
	}

	if e.cfg.FlattenOnHalt && e.flattener != nil {
		for _, id := range targets {
			if err := e.flattener.CancelAll(ctx, id); err != nil {
				zap.S().Errorw("flatten on halt failed", "account_id", id, "err", err)
			}
		}
	}
	return nil
}

// Rearm clears the kill switch. This is the explicit human path back to
// trading; nothing re-arms automatically.
func (e *Engine) Rearm(ctx context.Context, accountID string) error {
	e.switches.Rearm(accountID)

	targets := []string{accountID}
	if accountID == GlobalScope {
		targets = e.ledger.AccountIDs()
	}
	for _, id := range targets {
		_ = e.ledger.withAccount(id, func(st *accountState) error {
			st.account.KillSwitch = model.KillSwitchArmed
			return nil
		})
	}

	_, err := e.audit.Append(ctx, model.EventKillSwitchRearmed, accountID, nil)
	return err
}

// EvaluatePhase checks challenge-phase compliance for a prop account and
// halts it on a drawdown breach or a reached profit target (pending manual
// review in both cases).
func (e *Engine) EvaluatePhase(ctx context.Context, accountID string) error {
	account, err := e.ledger.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Phase == model.PhaseFailed || account.Phase == model.PhaseSuspended {
		return nil
	}

	limit := account.Limits.TrailingDrawdown
	if !limit.IsZero() && account.Drawdown().GreaterThanOrEqual(limit) {
		if err := e.setPhase(ctx, accountID, model.PhaseFailed, "max drawdown breached"); err != nil {
			return err
		}
		return e.Engage(ctx, accountID, "challenge failed: max drawdown breached")
	}

	target := account.ProfitTargetAmount()
	if target.IsPositive() {
		gained := account.EquityCurrent.Sub(account.Limits.AccountSize)
		if gained.GreaterThanOrEqual(target) &&
			account.TradingDaysCompleted >= account.Limits.MinTradingDays &&
			(account.Phase == model.PhaseEvaluation || account.Phase == model.PhaseVerification) {
			if err := e.setPhase(ctx, accountID, model.PhaseSuspended, "profit target reached"); err != nil {
				return err
			}
			return e.Engage(ctx, accountID, "profit target reached, pending review")
		}
	}
	return nil
}

func (e *Engine) setPhase(ctx context.Context, accountID string, phase model.AccountPhase, cause string) error {
	err := e.ledger.withAccount(accountID, func(st *accountState) error {
		st.account.Phase = phase
		return nil
	})
	if err != nil {
		return err
	}
	_, err = e.audit.Append(ctx, model.EventPhaseChanged, accountID, map[string]string{
		"phase": string(phase),
		"cause": cause,
	})
	return err
}
