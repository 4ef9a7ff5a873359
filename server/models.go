package main

import (
	"time"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

// Device is the persistent record for a managed desktop endpoint. The
// identity pair (Fulluuid, UUID15) is immutable once set; everything else
// mutates through the DeviceStore state machine only.
type Device struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Fulluuid string `gorm:"uniqueIndex;size:36;not null" json:"fulluuid"`
	UUID15   string `gorm:"index;size:15" json:"uuid15"`

	ComputerName string `gorm:"size:255" json:"computer_name"`
	OSName       string `gorm:"size:100" json:"os_name"`
	OSVersion    string `gorm:"size:50" json:"os_version"`
	IPAddress    string `gorm:"size:45" json:"ip_address"`

	Status   lifecycle.DeviceStatus `gorm:"size:50;not null;index" json:"status"`
	IsActive bool                   `json:"is_active"`

	// TokenHash is the SHA-256 digest of the push token. Plaintext tokens
	// are never persisted. Nil until first enrollment and after a wipe.
	TokenHash      *string    `gorm:"index;size:64" json:"-"`
	TokenIssuedAt  *time.Time `json:"token_issued_at,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	EnrolledAt  *time.Time `json:"enrolled_at,omitempty"`
	LastCheckIn *time.Time `gorm:"index" json:"last_check_in,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	CreatedBy string `gorm:"size:100" json:"created_by,omitempty"`
	Notes     string `gorm:"type:text" json:"notes,omitempty"`
}

// Command is a unit of work dispatched to exactly one device. Rows cascade
// away with their device.
type Command struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	DeviceID uint    `gorm:"index;not null" json:"device_id"`
	Device   *Device `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CommandType lifecycle.CommandType   `gorm:"size:50;not null;index" json:"command_type"`
	Payload     string                  `gorm:"type:text" json:"payload"` // JSON object
	Status      lifecycle.CommandStatus `gorm:"size:50;not null;index" json:"status"`

	Result       string `gorm:"type:text" json:"result,omitempty"` // JSON object
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	Priority  int        `json:"priority"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	CreatedBy string `gorm:"size:100" json:"created_by,omitempty"`
}

// AuditLog is an append-only fact record. DeviceID is nullable so events
// for identities that never resolved to a row (failed pre-registration
// lookups) and events that outlive their device are still recorded.
type AuditLog struct {
	ID       uint  `gorm:"primaryKey"`
	DeviceID *uint `gorm:"index"`

	Fulluuid  string               `gorm:"index;size:36"`
	EventType lifecycle.AuditEvent `gorm:"size:50;not null;index"`
	EventData string               `gorm:"type:text"` // JSON object
	IPAddress string               `gorm:"size:45"`
	ActorType lifecycle.Actor      `gorm:"size:50"`
	ActorID   string               `gorm:"size:100"`

	CreatedAt time.Time `gorm:"index"`
}

// WhitelistEntry is the latest-wins whitelist document for one device, or
// the system-wide fallback when Fulluuid is empty. It carries no delivery
// state: the device reads whatever is current.
type WhitelistEntry struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Fulluuid string `gorm:"uniqueIndex;size:36" json:"fulluuid"`

	// Entries is the JSON document of {user, apps[], urls[]} records.
	Entries string `gorm:"type:text;not null" json:"entries"`

	CreatedBy string    `gorm:"size:100" json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
