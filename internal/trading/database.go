package trading

import (
	"context"
	"errors"
	"strings"

	"github.com/ksred/tradeguard-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	err := d.db.WithContext(ctx).Create(order).Error
	if err != nil && isDuplicateKey(err) {
		// Another writer recorded the same (tenant, key) order; the stored
		// row is the canonical one.
		return nil
	}
	return err
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByIdempotencyKey(ctx context.Context, tenantID, key string) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CancelPendingOrders marks a tenant's working orders cancelled and returns
// how many were affected. The kill switch cancellation callback is built on
// this.
func (d *Database) CancelPendingOrders(ctx context.Context, tenantID string) (int64, error) {
	res := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("tenant_id = ? AND status = ?", tenantID, "SUBMITTED").
		Update("status", "CANCELLED")
	return res.RowsAffected, res.Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
