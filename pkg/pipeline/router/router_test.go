package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/store"
	"github.com/propgate/propgate/pkg/venue"
	"github.com/propgate/propgate/pkg/venue/papervenue"
)

// fakeRisk records reservation settlements without real limit math.
type fakeRisk struct {
	mu       sync.Mutex
	filled   decimal.Decimal
	released decimal.Decimal
}

func (f *fakeRisk) OnFill(ctx context.Context, accountID, symbol string, side model.SignalSide, qty, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = f.filled.Add(qty)
	return nil
}

func (f *fakeRisk) Release(accountID, symbol string, side model.SignalSide, qty decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = f.released.Add(qty)
	return nil
}

func newTestRouter(t *testing.T, paper *papervenue.PaperVenue) (*Router, *auditstore.InMemoryAuditStore, *fakeRisk) {
	t.Helper()
	audit := auditstore.NewInMemoryAuditStore()
	risk := &fakeRisk{}
	r := NewRouter(&Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		CancelTimeout:        100 * time.Millisecond,
	}, store.NewMemoryStore(), audit, risk)
	r.RegisterConnector(paper)
	return r, audit, risk
}

func routeSignal(nonce string, qty int64) *model.TradeSignal {
	return &model.TradeSignal{
		SignalID:  "sig-" + nonce,
		AccountID: "ACC-1",
		Symbol:    "MESU5",
		Side:      model.SignalSideBuy,
		Quantity:  decimal.NewFromInt(qty),
		Nonce:     nonce,
	}
}

func TestRouteHappyPath(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{AutoFill: true})
	r, audit, risk := newTestRouter(t, paper)
	ctx := context.Background()

	order, err := r.Route(ctx, routeSignal("n1", 2), "paper")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if order.State != model.OrderStateFilled {
		t.Errorf("state = %s, want Filled", order.State)
	}
	if order.VenueOrderRef == "" {
		t.Error("no venue order ref recorded")
	}
	if !risk.filled.Equal(decimal.NewFromInt(2)) {
		t.Errorf("risk saw %s filled, want 2", risk.filled)
	}

	// Submit plus ack is one audit record, the full fill another.
	var types []model.AuditEventType
	for _, rec := range audit.Records(ctx) {
		types = append(types, rec.EventType)
	}
	want := []model.AuditEventType{model.EventOrderSubmitted, model.EventOrderFilled}
	if len(types) != len(want) {
		t.Fatalf("audit events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("audit event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRouteIsIdempotentAcrossRetries(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	r, _, _ := newTestRouter(t, paper)
	ctx := context.Background()

	first, err := r.Route(ctx, routeSignal("n1", 2), "paper")
	if err != nil {
		t.Fatalf("first route: %v", err)
	}
	second, err := r.Route(ctx, routeSignal("n1", 2), "paper")
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("retry created a second order: %s vs %s", second.OrderID, first.OrderID)
	}

	open, _ := paper.GetOpenOrders(ctx, "ACC-1")
	if len(open) != 1 {
		t.Errorf("venue holds %d working orders, want 1", len(open))
	}
}

// lateIndexStore misses the idempotency lookup for a bounded number of
// calls, reproducing the window where a concurrent delivery has not yet
// become visible to the check-then-save sequence.
type lateIndexStore struct {
	*store.MemoryStore
	misses int
}

func (s *lateIndexStore) OrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	if s.misses > 0 {
		s.misses--
		return nil, store.ErrNotFound
	}
	return s.MemoryStore.OrderByIdempotencyKey(ctx, key)
}

func TestRouteDuplicateKeyRaceYieldsOneOrder(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	audit := auditstore.NewInMemoryAuditStore()
	risk := &fakeRisk{}
	st := &lateIndexStore{MemoryStore: store.NewMemoryStore()}
	r := NewRouter(&Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}, st, audit, risk)
	r.RegisterConnector(paper)
	ctx := context.Background()

	first, err := r.Route(ctx, routeSignal("n1", 2), "paper")
	if err != nil {
		t.Fatalf("first route: %v", err)
	}

	// Second delivery of the same intent races past the lookup; the unique
	// index must stop it from submitting a second venue order.
	st.misses = 1
	second, err := r.Route(ctx, routeSignal("n1", 2), "paper")
	if err != nil {
		t.Fatalf("racing route: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("race created a second order: %s vs %s", second.OrderID, first.OrderID)
	}
	if !risk.released.Equal(decimal.NewFromInt(2)) {
		t.Errorf("loser released %s, want 2", risk.released)
	}

	open, _ := paper.GetOpenOrders(ctx, "ACC-1")
	if len(open) != 1 {
		t.Errorf("venue holds %d working orders, want 1", len(open))
	}
}

func TestRouteRetriesTransientTimeout(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{FailSubmits: 2})
	r, _, _ := newTestRouter(t, paper)

	order, err := r.Route(context.Background(), routeSignal("n1", 1), "paper")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if order.State != model.OrderStateAcknowledged {
		t.Errorf("state = %s, want Acknowledged", order.State)
	}
}

func TestRouteRejectedIsNotRetried(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{RejectAll: true})
	r, audit, risk := newTestRouter(t, paper)
	ctx := context.Background()

	order, err := r.Route(ctx, routeSignal("n1", 3), "paper")
	if !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("err = %v, want venue.ErrRejected", err)
	}
	if order.State != model.OrderStateRejected {
		t.Errorf("state = %s, want Rejected", order.State)
	}
	if !risk.released.Equal(decimal.NewFromInt(3)) {
		t.Errorf("released %s, want 3", risk.released)
	}

	records := audit.Records(ctx)
	if len(records) != 1 || records[0].EventType != model.EventOrderRejected {
		t.Errorf("expected one OrderRejected record, got %+v", records)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{FailSubmits: 100})
	r, audit, risk := newTestRouter(t, paper)
	ctx := context.Background()

	_, err := r.Route(ctx, routeSignal("n1", 1), "paper")
	if !errors.Is(err, ErrConnectorDegraded) {
		t.Fatalf("err = %v, want ErrConnectorDegraded", err)
	}
	if !r.ConnectorDegraded("paper") {
		t.Fatal("breaker did not trip")
	}

	// A degraded connector fails fast and returns the reservation.
	released := risk.released
	_, err = r.Route(ctx, routeSignal("n2", 1), "paper")
	if !errors.Is(err, ErrConnectorDegraded) {
		t.Fatalf("err = %v, want fail-fast ErrConnectorDegraded", err)
	}
	if !risk.released.GreaterThan(released) {
		t.Error("fail-fast path did not release the reservation")
	}

	var degraded bool
	for _, rec := range audit.Records(ctx) {
		if rec.EventType == model.EventConnectorDegraded {
			degraded = true
		}
	}
	if !degraded {
		t.Error("breaker trip not audited")
	}

	// Operator reset re-arms the venue.
	paper.FailNextSubmits(0)
	if err := r.ResetConnector("paper"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := r.Route(ctx, routeSignal("n3", 1), "paper"); err != nil {
		t.Errorf("route after reset: %v", err)
	}
}

func TestApplyFillPartialThenComplete(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	r, audit, _ := newTestRouter(t, paper)
	ctx := context.Background()

	order, err := r.Route(ctx, routeSignal("n1", 10), "paper")
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	paper.Fill(order.VenueOrderRef, order.OrderID, decimal.NewFromInt(4))
	current, _ := r.store.OrderByID(ctx, order.OrderID)
	if current.State != model.OrderStatePartiallyFilled {
		t.Errorf("state = %s, want PartiallyFilled", current.State)
	}
	if !current.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("filled = %s, want 4", current.FilledQty)
	}

	paper.Fill(order.VenueOrderRef, order.OrderID, decimal.NewFromInt(6))
	current, _ = r.store.OrderByID(ctx, order.OrderID)
	if current.State != model.OrderStateFilled {
		t.Errorf("state = %s, want Filled", current.State)
	}

	var partial, full bool
	for _, rec := range audit.Records(ctx) {
		switch rec.EventType {
		case model.EventOrderPartialFill:
			partial = true
		case model.EventOrderFilled:
			full = true
		}
	}
	if !partial || !full {
		t.Errorf("fill audit incomplete: partial=%v full=%v", partial, full)
	}
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	r, _, _ := newTestRouter(t, paper)
	ctx := context.Background()

	order, err := r.Route(ctx, routeSignal("n1", 5), "paper")
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	err = r.ApplyFill(ctx, &model.Fill{
		OrderID:      order.OrderID,
		FillQty:      decimal.NewFromInt(6),
		FillTime:     time.Now(),
		VenueFillRef: "over-1",
	})
	if !errors.Is(err, ErrOverfill) {
		t.Fatalf("err = %v, want ErrOverfill", err)
	}

	current, _ := r.store.OrderByID(ctx, order.OrderID)
	if !current.FilledQty.IsZero() {
		t.Errorf("overfill mutated filled qty to %s", current.FilledQty)
	}
}

func TestApplyFillUnknownOrder(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	r, _, _ := newTestRouter(t, paper)

	err := r.ApplyFill(context.Background(), &model.Fill{OrderID: "missing", FillQty: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelAllReleasesLeaves(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	r, audit, risk := newTestRouter(t, paper)
	ctx := context.Background()

	order, err := r.Route(ctx, routeSignal("n1", 10), "paper")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	paper.Fill(order.VenueOrderRef, order.OrderID, decimal.NewFromInt(3))

	if err := r.CancelAll(ctx, "ACC-1"); err != nil {
		t.Fatalf("cancel all: %v", err)
	}

	current, _ := r.store.OrderByID(ctx, order.OrderID)
	if current.State != model.OrderStateCancelled {
		t.Errorf("state = %s, want Cancelled", current.State)
	}
	if !risk.released.Equal(decimal.NewFromInt(7)) {
		t.Errorf("released %s, want the 7 unfilled", risk.released)
	}

	var cancelled bool
	for _, rec := range audit.Records(ctx) {
		if rec.EventType == model.EventOrderCancelled {
			cancelled = true
		}
	}
	if !cancelled {
		t.Error("cancel not audited")
	}
}

func TestCancelAllEscalatesUnconfirmedCancel(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{DropCancels: true})
	r, audit, _ := newTestRouter(t, paper)
	ctx := context.Background()

	order, err := r.Route(ctx, routeSignal("n1", 5), "paper")
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	if err := r.CancelAll(ctx, "ACC-1"); err == nil {
		t.Fatal("unconfirmed cancel returned no error")
	}

	// The order stays open; escalation is audited, not guessed closed.
	current, _ := r.store.OrderByID(ctx, order.OrderID)
	if current.State.Terminal() {
		t.Errorf("unconfirmed cancel ended order in %s", current.State)
	}
	var escalated bool
	for _, rec := range audit.Records(ctx) {
		if rec.EventType == model.EventCancelEscalation {
			escalated = true
		}
	}
	if !escalated {
		t.Error("escalation not audited")
	}
}

func TestRouteUnknownVenue(t *testing.T) {
	paper := papervenue.NewPaperVenue(&papervenue.Config{})
	r, _, _ := newTestRouter(t, paper)

	if _, err := r.Route(context.Background(), routeSignal("n1", 1), "ghost"); !errors.Is(err, ErrUnknownVenue) {
		t.Fatalf("err = %v, want ErrUnknownVenue", err)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("nonce", "acct", "venue")
	b := IdempotencyKey("nonce", "acct", "venue")
	if a != b {
		t.Error("same inputs produced different keys")
	}
	if IdempotencyKey("nonce", "acct", "other") == a {
		t.Error("different venue produced same key")
	}
	// Field boundaries matter: ("ab","c") and ("a","bc") must differ.
	if IdempotencyKey("ab", "c", "v") == IdempotencyKey("a", "bc", "v") {
		t.Error("key ignores field boundaries")
	}
}
