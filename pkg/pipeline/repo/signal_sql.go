package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

type SignalSQLRepo struct {
	db *gorm.DB
}

func NewSignalSQLRepo(db *gorm.DB) *SignalSQLRepo {
	return &SignalSQLRepo{
		db: db,
	}
}

func (r *SignalSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *SignalSQLRepo) SaveSignal(ctx context.Context, sig *model.TradeSignal) error {
	return r.dbWithContext(ctx).Create(sig).Error
}

func (r *SignalSQLRepo) Signal(ctx context.Context, signalID string) (*model.TradeSignal, error) {
	var sig model.TradeSignal
	err := r.dbWithContext(ctx).Where("signal_id = ?", signalID).First(&sig).Error
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

func (r *SignalSQLRepo) SignalByNonce(ctx context.Context, accountID, nonce string) (*model.TradeSignal, error) {
	var sig model.TradeSignal
	err := r.dbWithContext(ctx).
		Where("account_id = ? AND nonce = ?", accountID, nonce).
		Order("id ASC").
		First(&sig).Error
	if err != nil {
		return nil, err
	}
	return &sig, nil
}
