package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/store"
)

func newTestEngine(t *testing.T, limits model.Limits) (*Engine, *auditstore.InMemoryAuditStore) {
	t.Helper()
	ledger := NewLedger()
	ledger.Register(&model.Account{
		AccountID:     "ACC-1",
		Venue:         "paper",
		Limits:        limits,
		EquityPeak:    decimal.NewFromInt(50000),
		EquityCurrent: decimal.NewFromInt(50000),
	})
	audit := auditstore.NewInMemoryAuditStore()
	engine := NewEngine(&Config{}, ledger, NewKillSwitchRegistry(), store.NewMemoryStore(), audit)
	return engine, audit
}

func testSignal(nonce string, qty int64) *model.TradeSignal {
	return &model.TradeSignal{
		SignalID:  "sig-" + nonce,
		AccountID: "ACC-1",
		Symbol:    "MESU5",
		Side:      model.SignalSideBuy,
		Quantity:  decimal.NewFromInt(qty),
		Nonce:     nonce,
	}
}

func TestEvaluateApprovesWithinLimits(t *testing.T) {
	engine, audit := newTestEngine(t, model.Limits{MaxPositionSize: decimal.NewFromInt(10)})

	decision, err := engine.Evaluate(context.Background(), testSignal("n1", 5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Approved() {
		t.Fatalf("decision rejected: %s", decision.Reason)
	}
	if decision.LimitsSnapshot == "" {
		t.Error("approved decision has no limits snapshot")
	}

	records := audit.Records(context.Background())
	if len(records) != 1 || records[0].EventType != model.EventRiskApproved {
		t.Errorf("expected one RiskApproved record, got %+v", records)
	}
}

func TestEvaluateRejectsMaxPositionSize(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxPositionSize: decimal.NewFromInt(10)})

	decision, err := engine.Evaluate(context.Background(), testSignal("n1", 11))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Approved() {
		t.Fatal("oversized order approved")
	}
	if decision.Reason != model.ReasonMaxPositionSize {
		t.Errorf("reason = %s, want %s", decision.Reason, model.ReasonMaxPositionSize)
	}
}

func TestEvaluateCountsReservedExposure(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxPositionSize: decimal.NewFromInt(10)})
	ctx := context.Background()

	first, err := engine.Evaluate(ctx, testSignal("n1", 6))
	if err != nil || !first.Approved() {
		t.Fatalf("first evaluate: %v %+v", err, first)
	}

	// The approved exposure is reserved before any fill confirms, so the
	// second signal sees 6 already spoken for.
	second, err := engine.Evaluate(ctx, testSignal("n2", 6))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if second.Approved() {
		t.Fatal("second signal double-spent the position headroom")
	}
	if second.Reason != model.ReasonMaxPositionSize {
		t.Errorf("reason = %s, want %s", second.Reason, model.ReasonMaxPositionSize)
	}
}

func TestEvaluateConcurrentNoDoubleSpend(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxPositionSize: decimal.NewFromInt(10)})
	ctx := context.Background()

	const n = 10
	approved := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := testSignal(string(rune('a'+i)), 6)
			sig.SignalID = sig.SignalID + "-c"
			decision, err := engine.Evaluate(ctx, sig)
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			approved <- decision.Approved()
		}(i)
	}
	wg.Wait()
	close(approved)

	count := 0
	for ok := range approved {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d of %d concurrent 6-lot signals approved, want exactly 1", count, n)
	}
}

func TestEvaluateRejectsDailyLoss(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxDailyLoss: decimal.NewFromInt(2500)})
	if err := engine.Ledger().AddDailyPnL("ACC-1", decimal.NewFromInt(-2500)); err != nil {
		t.Fatalf("add pnl: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), testSignal("n1", 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Reason != model.ReasonMaxDailyLoss {
		t.Errorf("reason = %s, want %s", decision.Reason, model.ReasonMaxDailyLoss)
	}
}

func TestEvaluateRejectsTrailingDrawdown(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{TrailingDrawdown: decimal.NewFromInt(2000)})
	if err := engine.Ledger().UpdateEquity("ACC-1", decimal.NewFromInt(48000)); err != nil {
		t.Fatalf("update equity: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), testSignal("n1", 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Reason != model.ReasonTrailingDrawdown {
		t.Errorf("reason = %s, want %s", decision.Reason, model.ReasonTrailingDrawdown)
	}
}

func TestEvaluateRejectsOrderCount(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxOrderCount: 2})
	ctx := context.Background()

	for i, nonce := range []string{"n1", "n2"} {
		decision, err := engine.Evaluate(ctx, testSignal(nonce, 1))
		if err != nil || !decision.Approved() {
			t.Fatalf("order %d: %v %+v", i, err, decision)
		}
	}

	decision, err := engine.Evaluate(ctx, testSignal("n3", 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Reason != model.ReasonMaxOrderCount {
		t.Errorf("reason = %s, want %s", decision.Reason, model.ReasonMaxOrderCount)
	}
}

func TestRuleOrderFirstViolationWins(t *testing.T) {
	// Both position size and daily loss are violated; position size is
	// checked first and must name the rejection.
	engine, _ := newTestEngine(t, model.Limits{
		MaxPositionSize: decimal.NewFromInt(1),
		MaxDailyLoss:    decimal.NewFromInt(100),
	})
	if err := engine.Ledger().AddDailyPnL("ACC-1", decimal.NewFromInt(-500)); err != nil {
		t.Fatalf("add pnl: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), testSignal("n1", 5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Reason != model.ReasonMaxPositionSize {
		t.Errorf("reason = %s, want %s", decision.Reason, model.ReasonMaxPositionSize)
	}
}

func TestKillSwitchBeatsEveryRule(t *testing.T) {
	engine, audit := newTestEngine(t, model.Limits{})
	ctx := context.Background()

	if err := engine.Engage(ctx, "ACC-1", "manual halt"); err != nil {
		t.Fatalf("engage: %v", err)
	}

	decision, err := engine.Evaluate(ctx, testSignal("n1", 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Reason != model.ReasonKillSwitchEngaged {
		t.Errorf("reason = %s, want %s", decision.Reason, model.ReasonKillSwitchEngaged)
	}

	var engaged bool
	for _, r := range audit.Records(ctx) {
		if r.EventType == model.EventKillSwitchEngaged {
			engaged = true
		}
	}
	if !engaged {
		t.Error("kill switch engage not audited")
	}
}

func TestRearmRestoresTrading(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{})
	ctx := context.Background()

	if err := engine.Engage(ctx, "ACC-1", "halt"); err != nil {
		t.Fatalf("engage: %v", err)
	}
	if err := engine.Rearm(ctx, "ACC-1"); err != nil {
		t.Fatalf("rearm: %v", err)
	}

	decision, err := engine.Evaluate(ctx, testSignal("n1", 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Approved() {
		t.Errorf("rejected after rearm: %s", decision.Reason)
	}

	account, err := engine.Ledger().Account(ctx, "ACC-1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.KillSwitch != model.KillSwitchArmed {
		t.Errorf("kill switch state = %s, want Armed", account.KillSwitch)
	}
}

func TestGlobalEngageHaltsAllAccounts(t *testing.T) {
	ledger := NewLedger()
	ledger.Register(&model.Account{AccountID: "ACC-1", Venue: "paper"})
	ledger.Register(&model.Account{AccountID: "ACC-2", Venue: "paper"})
	engine := NewEngine(&Config{}, ledger, NewKillSwitchRegistry(), store.NewMemoryStore(), auditstore.NewInMemoryAuditStore())
	ctx := context.Background()

	if err := engine.Engage(ctx, GlobalScope, "audit corruption"); err != nil {
		t.Fatalf("engage: %v", err)
	}

	for _, id := range []string{"ACC-1", "ACC-2"} {
		sig := testSignal("n-"+id, 1)
		sig.AccountID = id
		decision, err := engine.Evaluate(ctx, sig)
		if err != nil {
			t.Fatalf("evaluate %s: %v", id, err)
		}
		if decision.Reason != model.ReasonKillSwitchEngaged {
			t.Errorf("%s reason = %s, want KillSwitchEngaged", id, decision.Reason)
		}
	}
}

func TestKillSwitchVisibleUnderBacklog(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{})
	ctx := context.Background()

	// Hold the account lock to simulate a backlogged evaluation queue. The
	// kill switch read must not wait on it.
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = engine.Ledger().withAccount("ACC-1", func(st *accountState) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan *model.RiskDecision, 1)
	go func() {
		engine.Switches().Engage("ACC-1")
		decision, _ := engine.Evaluate(ctx, testSignal("n1", 1))
		done <- decision
	}()

	select {
	case decision := <-done:
		if decision.Reason != model.ReasonKillSwitchEngaged {
			t.Errorf("reason = %s, want KillSwitchEngaged", decision.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("halted evaluation blocked behind the account lock")
	}
}

func TestReleaseReturnsReservation(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxPositionSize: decimal.NewFromInt(10)})
	ctx := context.Background()

	first, err := engine.Evaluate(ctx, testSignal("n1", 10))
	if err != nil || !first.Approved() {
		t.Fatalf("first evaluate: %v %+v", err, first)
	}

	// Submission failed downstream; the reservation comes back.
	if err := engine.Release("ACC-1", "MESU5", model.SignalSideBuy, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := engine.Evaluate(ctx, testSignal("n2", 10))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if !second.Approved() {
		t.Errorf("headroom not restored after release: %s", second.Reason)
	}
}

func TestOnFillConvertsReservationToPosition(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{MaxPositionSize: decimal.NewFromInt(10)})
	ctx := context.Background()

	if _, err := engine.Evaluate(ctx, testSignal("n1", 4)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if err := engine.OnFill(ctx, "ACC-1", "MESU5", model.SignalSideBuy, decimal.NewFromInt(4), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("on fill: %v", err)
	}

	positions, err := engine.Ledger().Positions("ACC-1")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if !positions["MESU5"].Equal(decimal.NewFromInt(4)) {
		t.Errorf("position = %s, want 4", positions["MESU5"])
	}

	// Projected exposure is unchanged: the fill moved qty from reserved to
	// confirmed, so another 6 still fits but 7 does not.
	ok, err := engine.Evaluate(ctx, testSignal("n2", 6))
	if err != nil || !ok.Approved() {
		t.Fatalf("6-lot after fill: %v %+v", err, ok)
	}
	engine.Release("ACC-1", "MESU5", model.SignalSideBuy, decimal.NewFromInt(6))
	bad, err := engine.Evaluate(ctx, testSignal("n3", 7))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if bad.Approved() {
		t.Error("7-lot approved past the 10 limit with 4 confirmed")
	}
}

func TestMarketHoursRule(t *testing.T) {
	hours := map[string]HoursWindow{"futures": {Open: "13:30", Close: "20:00"}}
	rule := marketHoursRule{hours: hours}

	open := &Snapshot{
		Limits: model.Limits{AssetClass: "futures"},
		Now:    time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC),
	}
	if r := rule.Check(open); r != model.ReasonNone {
		t.Errorf("open market rejected: %s", r)
	}

	closed := &Snapshot{
		Limits: model.Limits{AssetClass: "futures"},
		Now:    time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC),
	}
	if r := rule.Check(closed); r != model.ReasonMarketClosed {
		t.Errorf("closed market reason = %s, want MarketClosed", r)
	}

	unknown := &Snapshot{
		Limits: model.Limits{AssetClass: "crypto"},
		Now:    time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC),
	}
	if r := rule.Check(unknown); r != model.ReasonNone {
		t.Errorf("unconfigured asset class rejected: %s", r)
	}
}

func TestEvaluatePhaseDrawdownFails(t *testing.T) {
	engine, audit := newTestEngine(t, model.Limits{
		TrailingDrawdown: decimal.NewFromInt(2500),
		AccountSize:      decimal.NewFromInt(50000),
	})
	ctx := context.Background()

	if err := engine.Ledger().UpdateEquity("ACC-1", decimal.NewFromInt(47000)); err != nil {
		t.Fatalf("update equity: %v", err)
	}
	if err := engine.EvaluatePhase(ctx, "ACC-1"); err != nil {
		t.Fatalf("evaluate phase: %v", err)
	}

	account, _ := engine.Ledger().Account(ctx, "ACC-1")
	if account.Phase != model.PhaseFailed {
		t.Errorf("phase = %s, want failed", account.Phase)
	}
	if !engine.Switches().Engaged("ACC-1") {
		t.Error("failed account still armed")
	}

	var phaseChanged bool
	for _, r := range audit.Records(ctx) {
		if r.EventType == model.EventPhaseChanged {
			phaseChanged = true
		}
	}
	if !phaseChanged {
		t.Error("phase change not audited")
	}
}

func TestEvaluatePhaseProfitTargetSuspends(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{
		AccountSize:     decimal.NewFromInt(50000),
		ProfitTargetPct: decimal.NewFromInt(6),
	})
	ctx := context.Background()

	if err := engine.Ledger().UpdateEquity("ACC-1", decimal.NewFromInt(53500)); err != nil {
		t.Fatalf("update equity: %v", err)
	}
	if err := engine.EvaluatePhase(ctx, "ACC-1"); err != nil {
		t.Fatalf("evaluate phase: %v", err)
	}

	account, _ := engine.Ledger().Account(ctx, "ACC-1")
	if account.Phase != model.PhaseSuspended {
		t.Errorf("phase = %s, want suspended", account.Phase)
	}
}

func TestEvaluatePhaseWaitsForMinTradingDays(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{
		AccountSize:     decimal.NewFromInt(50000),
		ProfitTargetPct: decimal.NewFromInt(6),
		MinTradingDays:  3,
	})
	ctx := context.Background()

	if err := engine.Ledger().UpdateEquity("ACC-1", decimal.NewFromInt(53500)); err != nil {
		t.Fatalf("update equity: %v", err)
	}
	if err := engine.EvaluatePhase(ctx, "ACC-1"); err != nil {
		t.Fatalf("evaluate phase: %v", err)
	}

	account, _ := engine.Ledger().Account(ctx, "ACC-1")
	if account.Phase != model.PhaseEvaluation {
		t.Errorf("phase = %s, want evaluation until min trading days", account.Phase)
	}
	if engine.Switches().Engaged("ACC-1") {
		t.Error("account halted with the profit target met but days outstanding")
	}
}

func TestOnFillRealizesPnLOnRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, model.Limits{})
	ctx := context.Background()

	if _, err := engine.Evaluate(ctx, testSignal("n1", 4)); err != nil {
		t.Fatalf("evaluate buy: %v", err)
	}
	if err := engine.OnFill(ctx, "ACC-1", "MESU5", model.SignalSideBuy, decimal.NewFromInt(4), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("buy fill: %v", err)
	}

	sell := testSignal("n2", 4)
	sell.Side = model.SignalSideSell
	if _, err := engine.Evaluate(ctx, sell); err != nil {
		t.Fatalf("evaluate sell: %v", err)
	}
	if err := engine.OnFill(ctx, "ACC-1", "MESU5", model.SignalSideSell, decimal.NewFromInt(4), decimal.NewFromInt(110)); err != nil {
		t.Fatalf("sell fill: %v", err)
	}

	account, _ := engine.Ledger().Account(ctx, "ACC-1")
	if !account.DailyPnL.Equal(decimal.NewFromInt(40)) {
		t.Errorf("daily pnl = %s, want 40", account.DailyPnL)
	}
	if !account.EquityCurrent.Equal(decimal.NewFromInt(50040)) {
		t.Errorf("equity = %s, want 50040", account.EquityCurrent)
	}
	if !account.EquityPeak.Equal(decimal.NewFromInt(50040)) {
		t.Errorf("peak = %s, want 50040", account.EquityPeak)
	}
	if !account.Positions["MESU5"].IsZero() {
		t.Errorf("position = %s, want flat", account.Positions["MESU5"])
	}
	if account.TradingDaysCompleted != 1 {
		t.Errorf("trading days = %d, want 1", account.TradingDaysCompleted)
	}
}

func TestOnFillLossHaltsAccountThroughPhaseCheck(t *testing.T) {
	engine, audit := newTestEngine(t, model.Limits{TrailingDrawdown: decimal.NewFromInt(2000)})
	ctx := context.Background()

	if _, err := engine.Evaluate(ctx, testSignal("n1", 1)); err != nil {
		t.Fatalf("evaluate buy: %v", err)
	}
	if err := engine.OnFill(ctx, "ACC-1", "MESU5", model.SignalSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("buy fill: %v", err)
	}

	sell := testSignal("n2", 1)
	sell.Side = model.SignalSideSell
	if _, err := engine.Evaluate(ctx, sell); err != nil {
		t.Fatalf("evaluate sell: %v", err)
	}
	// Round trip loses 2500, through the trailing drawdown limit.
	if err := engine.OnFill(ctx, "ACC-1", "MESU5", model.SignalSideSell, decimal.NewFromInt(1), decimal.NewFromInt(2500)); err != nil {
		t.Fatalf("sell fill: %v", err)
	}

	account, _ := engine.Ledger().Account(ctx, "ACC-1")
	if account.Phase != model.PhaseFailed {
		t.Errorf("phase = %s, want failed", account.Phase)
	}
	if !engine.Switches().Engaged("ACC-1") {
		t.Error("drawdown breach on the fill path left the account armed")
	}

	var phaseChanged bool
	for _, r := range audit.Records(ctx) {
		if r.EventType == model.EventPhaseChanged {
			phaseChanged = true
		}
	}
	if !phaseChanged {
		t.Error("phase change not audited")
	}
}
