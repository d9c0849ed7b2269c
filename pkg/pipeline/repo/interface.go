package repo

import (
	"context"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

type ISignal interface {
	SaveSignal(ctx context.Context, sig *model.TradeSignal) error
	Signal(ctx context.Context, signalID string) (*model.TradeSignal, error)
	SignalByNonce(ctx context.Context, accountID, nonce string) (*model.TradeSignal, error)
}

type IDecision interface {
	SaveDecision(ctx context.Context, decision *model.RiskDecision) error
	DecisionBySignal(ctx context.Context, signalID string) (*model.RiskDecision, error)
}

type IOrder interface {
	SaveOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error
	OrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error)
	OrderByID(ctx context.Context, orderID string) (*model.Order, error)
	OpenOrdersForAccount(ctx context.Context, accountID string) ([]*model.Order, error)
	SaveFill(ctx context.Context, fill *model.Fill) error
	FillsForOrder(ctx context.Context, orderID string) ([]*model.Fill, error)
}

type IAccount interface {
	SaveAccount(ctx context.Context, account *model.Account) error
	Account(ctx context.Context, accountID string) (*model.Account, error)
	Accounts(ctx context.Context) ([]*model.Account, error)
}

type IAuditRecord interface {
	Create(ctx context.Context, record *model.AuditRecord) (*model.AuditRecord, error)
	BulkCreate(ctx context.Context, records []*model.AuditRecord) ([]*model.AuditRecord, error)
	Records(ctx context.Context, afterSeq int64, limit int) ([]*model.AuditRecord, error)
}
