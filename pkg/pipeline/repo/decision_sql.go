package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

type DecisionSQLRepo struct {
	db *gorm.DB
}

func NewDecisionSQLRepo(db *gorm.DB) *DecisionSQLRepo {
	return &DecisionSQLRepo{
		db: db,
	}
}

func (r *DecisionSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *DecisionSQLRepo) SaveDecision(ctx context.Context, decision *model.RiskDecision) error {
	return r.dbWithContext(ctx).Create(decision).Error
}

func (r *DecisionSQLRepo) DecisionBySignal(ctx context.Context, signalID string) (*model.RiskDecision, error) {
	var decision model.RiskDecision
	err := r.dbWithContext(ctx).Where("signal_id = ?", signalID).First(&decision).Error
	if err != nil {
		return nil, err
	}
	return &decision, nil
}
