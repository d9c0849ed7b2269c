package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

var (
	// ErrTimeout marks a transient failure the router may retry with the
	// same idempotency key.
	ErrTimeout = errors.New("venue timeout")

	// ErrRejected marks a venue-side rejection; it is terminal for the order.
	ErrRejected = errors.New("venue rejected order")
)

// Ack is the venue response to a submit or cancel.
type Ack struct {
	VenueOrderRef string
	AckTime       time.Time
}

// Position is one line of the venue-reported position snapshot.
type Position struct {
	Symbol string
	Qty    decimal.Decimal
}

// OpenOrder is one venue-reported working order.
type OpenOrder struct {
	VenueOrderRef string
	Symbol        string
	Side          model.SignalSide
	LeavesQty     decimal.Decimal
}

// FillHandler receives fill reports pushed by the connector.
type FillHandler func(fill *model.Fill)

// Connector is the broker/exchange boundary. The pipeline never assumes a
// specific venue's semantics beyond this contract.
type Connector interface {
	Name() string

	SubmitOrder(ctx context.Context, order *model.Order) (*Ack, error)
	CancelOrder(ctx context.Context, venueRef string) (*Ack, error)
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]OpenOrder, error)

	// OnFill registers the handler invoked for every fill report.
	OnFill(handler FillHandler)
}
