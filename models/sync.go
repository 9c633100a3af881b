package models

import (
	"time"

	"gorm.io/gorm"
)

// SyncCursor is the per-connection opaque incremental-change token. It only
// advances after the batch it covers has been durably persisted.
type SyncCursor struct {
	gorm.Model
	ConnectionID uint   `gorm:"not null;uniqueIndex:idx_cursors_conn_provider" json:"connection_id"`
	ProviderKind string `gorm:"not null;uniqueIndex:idx_cursors_conn_provider" json:"provider_kind"`
	Token        string `gorm:"not null" json:"token"`
}

// Subscription records the provider push registration for a connection.
type Subscription struct {
	gorm.Model
	ConnectionID     uint       `gorm:"not null;uniqueIndex" json:"connection_id"`
	SubscriptionID   string     `gorm:"index" json:"subscription_id"`
	LastSubscribedAt *time.Time `json:"last_subscribed_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

// SyncCheckpoint is the step-progress log for the durable sync workflow:
// one row per (task, connection) holding the last completed step, read on
// resume after a crash or queue re-delivery.
type SyncCheckpoint struct {
	gorm.Model
	TaskKey      string `gorm:"not null;uniqueIndex:idx_checkpoints_task_conn" json:"task_key"`
	ConnectionID uint   `gorm:"not null;uniqueIndex:idx_checkpoints_task_conn" json:"connection_id"`
	Step         int    `gorm:"not null" json:"step"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Connection{},
		&Thread{},
		&Message{},
		&SyncCursor{},
		&Subscription{},
		&SyncCheckpoint{},
		&StyleMatrix{},
	)
}
