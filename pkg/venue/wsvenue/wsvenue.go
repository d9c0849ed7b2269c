package wsvenue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/venue"
)

// Config configures a websocket venue connector.
type Config struct {
	Name        string
	URL         string
	AccessToken string

	RequestTimeout time.Duration
}

type request struct {
	ID        uint64          `json:"id"`
	Op        string          `json:"op"`
	AccountID string          `json:"account_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type response struct {
	ID    uint64          `json:"id"`
	Event string          `json:"event,omitempty"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type fillReport struct {
	OrderID      string          `json:"order_id"`
	FillQty      decimal.Decimal `json:"fill_qty"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	VenueFillRef string          `json:"venue_fill_ref"`
}

// WsVenue is a venue connector speaking a JSON request/response protocol over
// a single websocket, with request-ID correlation and pushed fill events.
type WsVenue struct {
	cfg Config

	mu          sync.Mutex
	conn        *websocket.Conn
	nextID      uint64
	pending     map[uint64]chan *response
	fillHandler venue.FillHandler
	closed      bool
}

func NewWsVenue(cfg *Config) *WsVenue {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &WsVenue{
		cfg:     *cfg,
		pending: make(map[uint64]chan *response),
	}
}

func (v *WsVenue) Name() string {
	return v.cfg.Name
}

func (v *WsVenue) OnFill(handler venue.FillHandler) {
	v.mu.Lock()
	v.fillHandler = handler
	v.mu.Unlock()
}

// Connect dials the venue, authorizes, and starts the read loop.
func (v *WsVenue) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", v.cfg.URL, err)
	}

	v.mu.Lock()
	v.conn = conn
	v.closed = false
	v.mu.Unlock()

	go v.readLoop()

	if v.cfg.AccessToken != "" {
		body, _ := json.Marshal(map[string]string{"token": v.cfg.AccessToken})
		if _, err := v.call(ctx, "authorize", "", body); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
	}
	return nil
}

func (v *WsVenue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.closed = true
	if v.conn != nil {
		return v.conn.Close()
	}
	return nil
}

func (v *WsVenue) readLoop() {
	for {
		v.mu.Lock()
		conn := v.conn
		v.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			v.failPending(err)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		if resp.Event == "fill" {
			v.dispatchFill(resp.Body)
			continue
		}

		v.mu.Lock()
		ch, ok := v.pending[resp.ID]
		if ok {
			delete(v.pending, resp.ID)
		}
		v.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (v *WsVenue) dispatchFill(body json.RawMessage) {
	var report fillReport
	if err := json.Unmarshal(body, &report); err != nil {
		return
	}

	v.mu.Lock()
	handler := v.fillHandler
	v.mu.Unlock()
	if handler != nil {
		handler(&model.Fill{
			OrderID:      report.OrderID,
			FillQty:      report.FillQty,
			FillPrice:    report.FillPrice,
			FillTime:     time.Now(),
			VenueFillRef: report.VenueFillRef,
		})
	}
}

func (v *WsVenue) failPending(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, ch := range v.pending {
		delete(v.pending, id)
		close(ch)
	}
}

func (v *WsVenue) call(ctx context.Context, op, accountID string, body json.RawMessage) (*response, error) {
	v.mu.Lock()
	if v.conn == nil || v.closed {
		v.mu.Unlock()
		return nil, venue.ErrTimeout
	}
	v.nextID++
	id := v.nextID
	ch := make(chan *response, 1)
	v.pending[id] = ch

	req := request{ID: id, Op: op, AccountID: accountID, Body: body}
	err := v.conn.WriteJSON(req)
	if err != nil {
		delete(v.pending, id)
		v.mu.Unlock()
		return nil, venue.ErrTimeout
	}
	v.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, venue.ErrTimeout
		}
		if !resp.OK {
			return nil, fmt.Errorf("%w: %s", venue.ErrRejected, resp.Error)
		}
		return resp, nil
	case <-time.After(v.cfg.RequestTimeout):
		v.mu.Lock()
		delete(v.pending, id)
		v.mu.Unlock()
		return nil, venue.ErrTimeout
	case <-ctx.Done():
		v.mu.Lock()
		delete(v.pending, id)
		v.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (v *WsVenue) SubmitOrder(ctx context.Context, order *model.Order) (*venue.Ack, error) {
	body, err := json.Marshal(map[string]any{
		"idempotency_key": order.IdempotencyKey,
		"order_id":        order.OrderID,
		"symbol":          order.Symbol,
		"side":            order.Side,
		"quantity":        order.Quantity,
	})
	if err != nil {
		return nil, err
	}

	resp, err := v.call(ctx, "submit_order", order.AccountID, body)
	if err != nil {
		return nil, err
	}

	var ack struct {
		VenueOrderRef string `json:"venue_order_ref"`
	}
	if err := json.Unmarshal(resp.Body, &ack); err != nil {
		return nil, err
	}
	return &venue.Ack{VenueOrderRef: ack.VenueOrderRef, AckTime: time.Now()}, nil
}

func (v *WsVenue) CancelOrder(ctx context.Context, venueRef string) (*venue.Ack, error) {
	body, _ := json.Marshal(map[string]string{"venue_order_ref": venueRef})
	if _, err := v.call(ctx, "cancel_order", "", body); err != nil {
		return nil, err
	}
	return &venue.Ack{VenueOrderRef: venueRef, AckTime: time.Now()}, nil
}

func (v *WsVenue) GetPositions(ctx context.Context, accountID string) ([]venue.Position, error) {
	resp, err := v.call(ctx, "get_positions", accountID, nil)
	if err != nil {
		return nil, err
	}

	var positions []venue.Position
	if err := json.Unmarshal(resp.Body, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (v *WsVenue) GetOpenOrders(ctx context.Context, accountID string) ([]venue.OpenOrder, error) {
	resp, err := v.call(ctx, "get_open_orders", accountID, nil)
	if err != nil {
		return nil, err
	}

	var orders []venue.OpenOrder
	if err := json.Unmarshal(resp.Body, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}
