package migrations

import (
	"github.com/ksred/tradeguard-api/internal/killswitch"
	"gorm.io/gorm"
)

// AddKillSwitchEvents creates the append-only audit table for kill switch
// transitions. It is separate from the state table so that deactivations
// never erase activation history.
func AddKillSwitchEvents(db *gorm.DB) error {
	return db.AutoMigrate(&killswitch.Event{})
}
