package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Ledger is the persistence and lifecycle layer for idempotency records. The
// initial PENDING write is an atomic create-if-absent backed by the
// (tenant_id, idempotency_key) unique index, never a read followed by a
// separate write: two concurrent callers with the same key cannot both pass.
type Ledger struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewLedger creates a ledger whose records expire ttl after creation.
func NewLedger(db *gorm.DB, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{db: db, ttl: ttl}
}

// TTL returns the record lifetime attached at creation.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Create inserts a PENDING record for the key. When the key is already held
// it attempts an atomic takeover of a FAILED or expired record (both are
// logically absent per the retry rules); a live record yields ErrRecordExists.
func (l *Ledger) Create(ctx context.Context, tenantID, key, exchangeID string) (*Record, error) {
	record := &Record{
		TenantID:       tenantID,
		IdempotencyKey: key,
		ExchangeID:     exchangeID,
		Status:         StatusPending,
		ExpiresAt:      time.Now().Add(l.ttl),
	}

	err := l.db.WithContext(ctx).Create(record).Error
	if err == nil {
		return record, nil
	}
	if !isDuplicateKey(err) {
		return nil, err
	}

	// Key occupied. A FAILED or expired occupant may be reclaimed; the
	// conditional update makes exactly one concurrent reclaimer win.
	now := time.Now()
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("tenant_id = ? AND idempotency_key = ? AND (status = ? OR expires_at < ?)",
			tenantID, key, StatusFailed, now).
		Updates(map[string]interface{}{
			"order_id":    "",
			"exchange_id": exchangeID,
			"status":      StatusPending,
			"response":    nil,
			"expires_at":  now.Add(l.ttl),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrRecordExists
	}

	var fresh Record
	if err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&fresh).Error; err != nil {
		return nil, err
	}
	return &fresh, nil
}

// Get returns the record for a key, treating expired records as absent.
func (l *Ledger) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	var record Record
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if record.Expired() {
		return nil, nil
	}
	return &record, nil
}

// allowedPrior maps a target status to the statuses it may be reached from.
var allowedPrior = map[Status][]Status{
	StatusSubmitted: {StatusPending},
	StatusCompleted: {StatusPending, StatusSubmitted},
	StatusFailed:    {StatusPending, StatusSubmitted},
}

// UpdateStatus advances a record's status. Transitions only move forward; a
// COMPLETED record is terminal and its response never changes. The guard is
// part of the WHERE clause so concurrent updaters cannot interleave.
func (l *Ledger) UpdateStatus(ctx context.Context, tenantID, key string, status Status, orderID string, response []byte) error {
	prior, ok := allowedPrior[status]
	if !ok {
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if orderID != "" {
		updates["order_id"] = orderID
	}
	if status == StatusCompleted {
		updates["response"] = response
	}

	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("tenant_id = ? AND idempotency_key = ? AND status IN ?", tenantID, key, prior).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// DeleteExpiredBefore removes records whose expiry predates the cutoff.
// Expired records are already invisible to readers; this just reclaims rows.
func (l *Ledger) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&Record{})
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
