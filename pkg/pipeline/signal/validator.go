package signal

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
)

// Inbound is one signal candidate as delivered by the upstream sender.
type Inbound struct {
	AccountID  string           `json:"account_id"`
	StrategyID string           `json:"strategy_id"`
	Symbol     string           `json:"symbol"`
	Side       model.SignalSide `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Notional   decimal.Decimal  `json:"notional"`
	Nonce      string           `json:"nonce"`
	IssuedAt   time.Time        `json:"issued_at"`
	Signature  string           `json:"signature"`
	Raw        string           `json:"-"`
}

// AccountSource resolves account configuration; the validator only needs the
// webhook secret off it.
type AccountSource interface {
	Account(ctx context.Context, accountID string) (*model.Account, error)
}

// SignalStore persists validated immutable signals.
type SignalStore interface {
	SaveSignal(ctx context.Context, sig *model.TradeSignal) error
	Signal(ctx context.Context, signalID string) (*model.TradeSignal, error)
}

type Config struct {
	ReplayWindow  time.Duration `yaml:"replay_window"`
	Freshness     time.Duration `yaml:"freshness"`
	MaxFutureSkew time.Duration `yaml:"max_future_skew"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	RateBurst     int           `yaml:"rate_burst"`
}

func (c *Config) fillDefaults() {
	if c.ReplayWindow == 0 {
		c.ReplayWindow = 24 * time.Hour
	}
	if c.Freshness == 0 {
		c.Freshness = 5 * time.Minute
	}
	if c.MaxFutureSkew == 0 {
		c.MaxFutureSkew = 30 * time.Second
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]{0,19}$`)

// Validator authenticates, schema-validates and deduplicates inbound
// signals, persisting the immutable TradeSignal on first sight of a nonce.
type Validator struct {
	cfg      Config
	accounts AccountSource
	signals  SignalStore
	nonces   NonceStore
	audit    auditstore.AuditStore

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewValidator(cfg *Config, accounts AccountSource, signals SignalStore, nonces NonceStore, audit auditstore.AuditStore) *Validator {
	c := *cfg
	c.fillDefaults()
	return &Validator{
		cfg:      c,
		accounts: accounts,
		signals:  signals,
		nonces:   nonces,
		audit:    audit,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Validate runs the intake checks in order: auth, rate limit, schema, nonce
// dedup, staleness. Dedup precedes the freshness check so a redelivery of a
// signal that already has a recorded outcome keeps returning that outcome
// after issued_at ages past the window. On success the TradeSignal is
// persisted before it is returned. A duplicate nonce returns the original
// signal with ErrDuplicateSignal so the caller can surface the recorded
// outcome instead of re-executing.
func (v *Validator) Validate(ctx context.Context, in *Inbound) (*model.TradeSignal, error) {
	account, err := v.accounts.Account(ctx, in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s", ErrAccountUnknown, in.AccountID)
	}

	if err := v.verifySignature(account, in); err != nil {
		// Auth failures are not audited with the raw payload; an attacker
		// must not be able to grow the ledger with unauthenticated data.
		return nil, err
	}

	if !v.limiter(in.AccountID).Allow() {
		return nil, ErrRateLimited
	}

	if err := v.checkSchema(in); err != nil {
		v.auditReject(ctx, in, err)
		return nil, err
	}

	if existingID, seen, err := v.nonces.Seen(ctx, in.AccountID, in.Nonce); err != nil {
		return nil, err
	} else if seen {
		return v.original(ctx, existingID)
	}

	// Staleness runs after dedup but before the nonce is consumed: a stale
	// first sight is rejected without burning its nonce, and a redelivery of
	// an already-recorded signal never reaches this check.
	if age := time.Since(in.IssuedAt); age > v.cfg.Freshness {
		err := fmt.Errorf("%w: issued %s ago", ErrStaleSignal, age.Truncate(time.Millisecond))
		v.auditReject(ctx, in, err)
		return nil, err
	}

	sig := &model.TradeSignal{
		SignalID:   uuid.New().String(),
		AccountID:  in.AccountID,
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Quantity:   in.Quantity,
		Notional:   in.Notional,
		Nonce:      in.Nonce,
		IssuedAt:   in.IssuedAt,
		ReceivedAt: time.Now(),
		RawPayload: in.Raw,
	}

	existingID, created, err := v.nonces.Register(ctx, in.AccountID, in.Nonce, sig.SignalID, v.cfg.ReplayWindow)
	if err != nil {
		return nil, err
	}
	if !created {
		return v.original(ctx, existingID)
	}

	if err := v.signals.SaveSignal(ctx, sig); err != nil {
		return nil, err
	}
	if _, err := v.audit.Append(ctx, model.EventSignalReceived, sig.AccountID, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func (v *Validator) original(ctx context.Context, signalID string) (*model.TradeSignal, error) {
	original, err := v.signals.Signal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("%w: original signal %s not found", ErrDuplicateSignal, signalID)
	}
	return original, ErrDuplicateSignal
}

func (v *Validator) verifySignature(account *model.Account, in *Inbound) error {
	token, err := jwt.Parse(in.Signature, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(account.WebhookSecret), nil
	})
	if err != nil || !token.Valid {
		return ErrAuthenticationFailure
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrAuthenticationFailure
	}
	if sub, _ := claims["sub"].(string); sub != in.AccountID {
		return ErrAuthenticationFailure
	}
	if nonce, _ := claims["nonce"].(string); nonce != in.Nonce {
		return ErrAuthenticationFailure
	}
	return nil
}

func (v *Validator) checkSchema(in *Inbound) error {
	switch {
	case in.Nonce == "":
		return fmt.Errorf("%w: missing nonce", ErrSchemaValidation)
	case in.Side != model.SignalSideBuy && in.Side != model.SignalSideSell:
		return fmt.Errorf("%w: unknown side %q", ErrSchemaValidation, in.Side)
	case in.Quantity.IsZero() && in.Notional.IsZero():
		return fmt.Errorf("%w: quantity or notional required", ErrSchemaValidation)
	case in.Quantity.IsNegative() || in.Notional.IsNegative():
		return fmt.Errorf("%w: negative size", ErrSchemaValidation)
	case !symbolPattern.MatchString(in.Symbol):
		return fmt.Errorf("%w: bad symbol %q", ErrSchemaValidation, in.Symbol)
	case in.IssuedAt.IsZero():
		return fmt.Errorf("%w: missing issued_at", ErrSchemaValidation)
	case time.Until(in.IssuedAt) > v.cfg.MaxFutureSkew:
		return fmt.Errorf("%w: issued_at in the future", ErrSchemaValidation)
	}
	return nil
}

func (v *Validator) auditReject(ctx context.Context, in *Inbound, cause error) {
	v.audit.Append(ctx, model.EventSignalRejected, in.AccountID, map[string]any{
		"nonce":  in.Nonce,
		"symbol": in.Symbol,
		"error":  cause.Error(),
		"raw":    in.Raw,
	})
}

func (v *Validator) limiter(accountID string) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, ok := v.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(v.cfg.RatePerSecond), v.cfg.RateBurst)
		v.limiters[accountID] = l
	}
	return l
}
