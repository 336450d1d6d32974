package database

import (
	"fmt"

	"github.com/ksred/tradeguard-api/internal/database/migrations"
	"github.com/ksred/tradeguard-api/internal/idempotency"
	"github.com/ksred/tradeguard-api/internal/killswitch"
	"github.com/ksred/tradeguard-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "tradeguard.db"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddKillSwitchEvents(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Order{},
		&idempotency.Record{},
		&killswitch.State{},
		&killswitch.Config{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
