package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

type AccountSQLRepo struct {
	db *gorm.DB
}

func NewAccountSQLRepo(db *gorm.DB) *AccountSQLRepo {
	return &AccountSQLRepo{
		db: db,
	}
}

func (r *AccountSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *AccountSQLRepo) SaveAccount(ctx context.Context, account *model.Account) error {
	return r.dbWithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(account).Error
}

func (r *AccountSQLRepo) Account(ctx context.Context, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.dbWithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *AccountSQLRepo) Accounts(ctx context.Context) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.dbWithContext(ctx).Find(&accounts).Error
	return accounts, err
}
