package idempotency

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrRecordExists is returned by Create when a live (unexpired,
	// non-FAILED) record already holds the key.
	ErrRecordExists = errors.New("idempotency record already exists")
	// ErrInvalidTransition is returned when an update would move a record's
	// status backwards.
	ErrInvalidTransition = errors.New("invalid idempotency status transition")
)

// Status is the submission lifecycle stage of a record. Transitions are
// monotonic forward: PENDING -> SUBMITTED -> {COMPLETED | FAILED}.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record tracks one idempotency key's submission. A COMPLETED record's
// Response is the canonical answer for every future lookup of the key until
// expiry. Past ExpiresAt a record is logically absent: reads skip it and a
// fresh submission may take the key over.
type Record struct {
	gorm.Model     `json:"-"`
	TenantID       string    `gorm:"index:idx_idempotency_tenant_key,unique" json:"tenant_id"`
	IdempotencyKey string    `gorm:"index:idx_idempotency_tenant_key,unique" json:"idempotency_key"`
	OrderID        string    `json:"order_id,omitempty"`
	ExchangeID     string    `json:"exchange_id"`
	Status         Status    `json:"status"`
	Response       []byte    `gorm:"type:text" json:"response,omitempty"` // only set when COMPLETED
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL.
func (r *Record) Expired() bool {
	return time.Now().After(r.ExpiresAt)
}

// InProgress reports whether a submission under this key is still running.
func (r *Record) InProgress() bool {
	return r.Status == StatusPending || r.Status == StatusSubmitted
}
