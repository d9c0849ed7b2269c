package papervenue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/venue"
)

// Config controls the simulated venue behavior.
type Config struct {
	Name string

	// FillPrice prices every simulated fill.
	FillPrice decimal.Decimal

	// AutoFill pushes a full fill right after each ack.
	AutoFill bool

	// FailSubmits makes the next N submits fail with venue.ErrTimeout.
	FailSubmits int

	// RejectAll makes every submit fail with venue.ErrRejected.
	RejectAll bool

	// DropCancels swallows cancel requests without confirming them.
	DropCancels bool
}

// PaperVenue is an in-process venue used for paper trading and tests. It
// keeps venue-side truth (positions, open orders) so the reconciler has
// something real to compare against.
type PaperVenue struct {
	cfg Config

	mu          sync.Mutex
	fillHandler venue.FillHandler
	openOrders  map[string]*venue.OpenOrder           // venueRef -> order
	positions   map[string]map[string]decimal.Decimal // accountID -> symbol -> qty
	orderAcct   map[string]string                     // venueRef -> accountID
	submitSeq   int
	failLeft    int
}

func NewPaperVenue(cfg *Config) *PaperVenue {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.FillPrice.IsZero() {
		cfg.FillPrice = decimal.NewFromInt(100)
	}
	return &PaperVenue{
		cfg:        *cfg,
		openOrders: make(map[string]*venue.OpenOrder),
		positions:  make(map[string]map[string]decimal.Decimal),
		orderAcct:  make(map[string]string),
		failLeft:   cfg.FailSubmits,
	}
}

func (v *PaperVenue) Name() string {
	return v.cfg.Name
}

func (v *PaperVenue) OnFill(handler venue.FillHandler) {
	v.mu.Lock()
	v.fillHandler = handler
	v.mu.Unlock()
}

// SetFillPrice changes the simulated execution price for subsequent fills.
func (v *PaperVenue) SetFillPrice(price decimal.Decimal) {
	v.mu.Lock()
	v.cfg.FillPrice = price
	v.mu.Unlock()
}

// FailNextSubmits arms transient-failure injection for the next n submits.
func (v *PaperVenue) FailNextSubmits(n int) {
	v.mu.Lock()
	v.failLeft = n
	v.mu.Unlock()
}

func (v *PaperVenue) SubmitOrder(ctx context.Context, order *model.Order) (*venue.Ack, error) {
	v.mu.Lock()
	if v.failLeft > 0 {
		v.failLeft--
		v.mu.Unlock()
		return nil, venue.ErrTimeout
	}
	if v.cfg.RejectAll {
		v.mu.Unlock()
		return nil, venue.ErrRejected
	}

	v.submitSeq++
	ref := fmt.Sprintf("%s-%d", v.cfg.Name, v.submitSeq)
	v.openOrders[ref] = &venue.OpenOrder{
		VenueOrderRef: ref,
		Symbol:        order.Symbol,
		Side:          order.Side,
		LeavesQty:     order.Quantity,
	}
	v.orderAcct[ref] = order.AccountID
	autoFill := v.cfg.AutoFill
	v.mu.Unlock()

	ack := &venue.Ack{VenueOrderRef: ref, AckTime: time.Now()}
	if autoFill {
		v.Fill(ref, order.OrderID, order.Quantity)
	}
	return ack, nil
}

// Fill reports a (possibly partial) fill for a working order and updates
// venue-side positions.
func (v *PaperVenue) Fill(venueRef, orderID string, qty decimal.Decimal) {
	v.mu.Lock()
	open, ok := v.openOrders[venueRef]
	if !ok {
		v.mu.Unlock()
		return
	}
	if qty.GreaterThan(open.LeavesQty) {
		qty = open.LeavesQty
	}
	open.LeavesQty = open.LeavesQty.Sub(qty)
	if open.LeavesQty.IsZero() {
		delete(v.openOrders, venueRef)
	}

	acct := v.orderAcct[venueRef]
	if v.positions[acct] == nil {
		v.positions[acct] = make(map[string]decimal.Decimal)
	}
	delta := qty
	if open.Side == model.SignalSideSell {
		delta = qty.Neg()
	}
	v.positions[acct][open.Symbol] = v.positions[acct][open.Symbol].Add(delta)

	handler := v.fillHandler
	price := v.cfg.FillPrice
	v.mu.Unlock()

	if handler != nil {
		handler(&model.Fill{
			OrderID:      orderID,
			FillQty:      qty,
			FillPrice:    price,
			FillTime:     time.Now(),
			VenueFillRef: fmt.Sprintf("%s-fill-%d", venueRef, time.Now().UnixNano()),
		})
	}
}

func (v *PaperVenue) CancelOrder(ctx context.Context, venueRef string) (*venue.Ack, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cfg.DropCancels {
		return nil, venue.ErrTimeout
	}
	if _, ok := v.openOrders[venueRef]; !ok {
		return nil, venue.ErrRejected
	}
	delete(v.openOrders, venueRef)
	return &venue.Ack{VenueOrderRef: venueRef, AckTime: time.Now()}, nil
}

func (v *PaperVenue) GetPositions(ctx context.Context, accountID string) ([]venue.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []venue.Position
	for symbol, qty := range v.positions[accountID] {
		out = append(out, venue.Position{Symbol: symbol, Qty: qty})
	}
	return out, nil
}

// SetPosition overrides venue-side truth, used to simulate drift in tests.
func (v *PaperVenue) SetPosition(accountID, symbol string, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.positions[accountID] == nil {
		v.positions[accountID] = make(map[string]decimal.Decimal)
	}
	v.positions[accountID][symbol] = qty
}

func (v *PaperVenue) GetOpenOrders(ctx context.Context, accountID string) ([]venue.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []venue.OpenOrder
	for ref, o := range v.openOrders {
		if v.orderAcct[ref] == accountID {
			out = append(out, *o)
		}
	}
	return out, nil
}
