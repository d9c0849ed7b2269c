package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

var ErrAccountNotFound = errors.New("account not found")

// accountState is the per-account working set. Everything inside is guarded
// by mu, which serializes all writers of the limit counters. Connector I/O
// is never performed while mu is held.
type accountState struct {
	mu      sync.Mutex
	account *model.Account

	// reserved is approved-but-unconfirmed exposure per symbol, signed.
	// It closes the window where two concurrent approvals could both pass a
	// limit check against stale headroom.
	reserved map[string]decimal.Decimal

	// avgEntry is the average entry price per open symbol, the cost basis
	// fills realize P&L against.
	avgEntry map[string]decimal.Decimal

	// lastTradeDay backs the trading-days-completed counter.
	lastTradeDay string

	// orderTimes is the rolling window backing the daily order count limit.
	orderTimes deque.Deque[time.Time]
}

// Ledger owns per-account configuration and counters.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*accountState)}
}

func (l *Ledger) Register(account *model.Account) {
	if account.KillSwitch == "" {
		account.KillSwitch = model.KillSwitchArmed
	}
	if account.Positions == nil {
		account.Positions = make(map[string]decimal.Decimal)
	}
	if account.Phase == "" {
		account.Phase = model.PhaseEvaluation
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[account.AccountID] = &accountState{
		account:  account,
		reserved: make(map[string]decimal.Decimal),
		avgEntry: make(map[string]decimal.Decimal),
	}
}

func (l *Ledger) state(accountID string) (*accountState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return st, nil
}

// withAccount runs fn under the account lock.
func (l *Ledger) withAccount(accountID string, fn func(st *accountState) error) error {
	st, err := l.state(accountID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return fn(st)
}

// AccountIDs lists every registered account.
func (l *Ledger) AccountIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	return ids
}

// Account returns a copy of the account aggregate.
func (l *Ledger) Account(ctx context.Context, accountID string) (*model.Account, error) {
	st, err := l.state(accountID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	copied := *st.account
	copied.Positions = make(map[string]decimal.Decimal, len(st.account.Positions))
	for symbol, qty := range st.account.Positions {
		copied.Positions[symbol] = qty
	}
	return &copied, nil
}

// Positions returns the confirmed open positions per symbol.
func (l *Ledger) Positions(accountID string) (map[string]decimal.Decimal, error) {
	account, err := l.Account(context.Background(), accountID)
	if err != nil {
		return nil, err
	}
	return account.Positions, nil
}

// WithSnapshot runs fn under the account lock with copies of the confirmed
// positions and the pending reservations. Reconciliation compares through
// this so it cannot race a concurrent approval.
func (l *Ledger) WithSnapshot(accountID string, fn func(positions, reserved map[string]decimal.Decimal) error) error {
	return l.withAccount(accountID, func(st *accountState) error {
		positions := make(map[string]decimal.Decimal, len(st.account.Positions))
		for symbol, qty := range st.account.Positions {
			positions[symbol] = qty
		}
		reserved := make(map[string]decimal.Decimal, len(st.reserved))
		for symbol, qty := range st.reserved {
			reserved[symbol] = qty
		}
		return fn(positions, reserved)
	})
}

// UpdateEquity applies a new equity mark and advances the peak.
func (l *Ledger) UpdateEquity(accountID string, equity decimal.Decimal) error {
	return l.withAccount(accountID, func(st *accountState) error {
		st.account.EquityCurrent = equity
		if equity.GreaterThan(st.account.EquityPeak) {
			st.account.EquityPeak = equity
		}
		return nil
	})
}

// AddDailyPnL accumulates realized P&L into the daily counter.
func (l *Ledger) AddDailyPnL(accountID string, pnl decimal.Decimal) error {
	return l.withAccount(accountID, func(st *accountState) error {
		st.account.DailyPnL = st.account.DailyPnL.Add(pnl)
		st.account.EquityCurrent = st.account.EquityCurrent.Add(pnl)
		if st.account.EquityCurrent.GreaterThan(st.account.EquityPeak) {
			st.account.EquityPeak = st.account.EquityCurrent
		}
		return nil
	})
}

// applyFill converts reserved exposure into confirmed position and realizes
// P&L against the average-cost basis. Closing quantity realizes at the
// entry-to-fill price movement; opening quantity re-weights the basis.
func (l *Ledger) applyFill(accountID, symbol string, side model.SignalSide, qty, price decimal.Decimal) error {
	return l.withAccount(accountID, func(st *accountState) error {
		delta := signedQty(side, qty)
		st.reserved[symbol] = st.reserved[symbol].Sub(delta)

		position := st.account.Positions[symbol]
		entry := st.avgEntry[symbol]

		closing := decimal.Zero
		if !position.IsZero() && position.Sign() != delta.Sign() {
			closing = decimal.Min(position.Abs(), delta.Abs())
		}
		if closing.IsPositive() && !price.IsZero() {
			perUnit := price.Sub(entry)
			if position.IsNegative() {
				perUnit = perUnit.Neg()
			}
			pnl := perUnit.Mul(closing)
			st.account.DailyPnL = st.account.DailyPnL.Add(pnl)
			st.account.EquityCurrent = st.account.EquityCurrent.Add(pnl)
			if st.account.EquityCurrent.GreaterThan(st.account.EquityPeak) {
				st.account.EquityPeak = st.account.EquityCurrent
			}
		}

		newPosition := position.Add(delta)
		opened := delta.Abs().Sub(closing)
		switch {
		case newPosition.IsZero():
			delete(st.avgEntry, symbol)
		case position.IsZero() || position.Sign() != newPosition.Sign():
			st.avgEntry[symbol] = price
		case opened.IsPositive():
			total := position.Abs().Mul(entry).Add(opened.Mul(price))
			st.avgEntry[symbol] = total.Div(position.Abs().Add(opened))
		}
		st.account.Positions[symbol] = newPosition

		if day := time.Now().Format("2006-01-02"); st.lastTradeDay != day {
			st.lastTradeDay = day
			st.account.TradingDaysCompleted++
		}
		return nil
	})
}

// trimOrderTimes drops order timestamps that left the rolling window.
func (st *accountState) trimOrderTimes(now time.Time, window time.Duration) {
	for st.orderTimes.Len() > 0 && now.Sub(st.orderTimes.Front()) > window {
		st.orderTimes.PopFront()
	}
}

func signedQty(side model.SignalSide, qty decimal.Decimal) decimal.Decimal {
	if side == model.SignalSideSell {
		return qty.Neg()
	}
	return qty
}
