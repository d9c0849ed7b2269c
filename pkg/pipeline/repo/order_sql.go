package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

type OrderSQLRepo struct {
	db *gorm.DB
}

func NewOrderSQLRepo(db *gorm.DB) *OrderSQLRepo {
	return &OrderSQLRepo{
		db: db,
	}
}

func (r *OrderSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *OrderSQLRepo) SaveOrder(ctx context.Context, order *model.Order) error {
	err := r.dbWithContext(ctx).Create(order).Error
	// The unique index on idempotency_key surfaces as ErrDuplicatedKey with
	// TranslateError on; callers see the same sentinel the memory store uses.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", model.ErrDuplicateIdempotencyKey, order.IdempotencyKey)
	}
	return err
}

func (r *OrderSQLRepo) UpdateOrder(ctx context.Context, order *model.Order) error {
	// Only lifecycle state, venue ref and fill progress are mutable.
	return r.dbWithContext(ctx).Model(order).
		Where("order_id = ?", order.OrderID).
		Updates(map[string]any{
			"state":           order.State,
			"venue_order_ref": order.VenueOrderRef,
			"filled_qty":      order.FilledQty,
		}).Error
}

func (r *OrderSQLRepo) OrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	var order model.Order
	err := r.dbWithContext(ctx).Where("idempotency_key = ?", key).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *OrderSQLRepo) OrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.dbWithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *OrderSQLRepo) OpenOrdersForAccount(ctx context.Context, accountID string) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.dbWithContext(ctx).
		Where("account_id = ? AND state NOT IN ?", accountID, []model.OrderState{
			model.OrderStateFilled,
			model.OrderStateCancelled,
			model.OrderStateRejected,
		}).
		Find(&orders).Error
	return orders, err
}

func (r *OrderSQLRepo) SaveFill(ctx context.Context, fill *model.Fill) error {
	return r.dbWithContext(ctx).Create(fill).Error
}

func (r *OrderSQLRepo) FillsForOrder(ctx context.Context, orderID string) ([]*model.Fill, error) {
	var fills []*model.Fill
	err := r.dbWithContext(ctx).
		Where("order_id = ?", orderID).
		Order("fill_time ASC").
		Find(&fills).Error
	return fills, err
}
