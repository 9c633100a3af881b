package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider kinds understood by the driver registry.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderIMAP      = "imap"
)

// Connection represents one linked external mail account.
type Connection struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name         string `gorm:"not null" json:"name"`
	EmailAddress string `gorm:"not null" json:"email_address"`
	ProviderKind string `gorm:"not null;index" json:"provider_kind"` // google, microsoft, imap

	// ========= OAuth credentials (google/microsoft) =========
	AccessToken  string    `json:"-"` // Encrypted in application layer
	RefreshToken string    `json:"-"` // Encrypted
	Scope        string    `json:"scope"`
	TokenExpiry  time.Time `json:"token_expiry"`

	// ========= IMAP/SMTP credentials =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	SMTPHost       string `json:"smtp_host"`
	SMTPPort       int    `json:"smtp_port" gorm:"default:465"`
	SMTPUsername   string `json:"smtp_username"`
	SMTPPassword   string `json:"-"` // Encrypted
	SMTPEncryption string `json:"smtp_encryption" gorm:"default:'SSL'"`

	// Set when a provider call returns an auth failure; cleared on relink.
	NeedsReconnect bool       `gorm:"default:false" json:"needs_reconnect"`
	LastError      *string    `json:"last_error"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`

	// Relations
	Threads  []Thread  `gorm:"foreignKey:ConnectionID;constraint:OnDelete:CASCADE" json:"threads,omitempty"`
	Messages []Message `gorm:"foreignKey:ConnectionID;constraint:OnDelete:CASCADE" json:"-"`
}

// HasCredentials reports whether the connection can talk to its provider.
func (c *Connection) HasCredentials() bool {
	switch c.ProviderKind {
	case ProviderIMAP:
		return c.IMAPHost != "" && c.IMAPPassword != ""
	default:
		return c.AccessToken != "" || c.RefreshToken != ""
	}
}

func (c *Connection) Sanitize() {
	c.AccessToken = ""
	c.RefreshToken = ""
	c.IMAPPassword = ""
	c.SMTPPassword = ""
}
