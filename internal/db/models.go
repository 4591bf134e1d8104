package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Notification is a persisted notification record for one recipient
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification categories
const (
	TypeEventApproval = "event_approval"
	TypeTicketSale    = "ticket_sale"
	TypeEventReminder = "event_reminder"
	TypeSocial        = "social"
	TypeSystem        = "system"
)

// NotificationTypes lists every accepted category.
var NotificationTypes = []string{
	TypeEventApproval,
	TypeTicketSale,
	TypeEventReminder,
	TypeSocial,
	TypeSystem,
}

// ValidType reports whether t is a known notification category.
func ValidType(t string) bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PushEndpoint is a device push token registered for a user
type PushEndpoint struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Platform constants
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
)

// Delivery failure status constants
const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusProcessing = "processing"
	DeliveryStatusDelivered  = "delivered"
	DeliveryStatusDead       = "dead"
	DeliveryStatusDiscarded  = "discarded"
)

// DeliveryFailure tracks a notification whose push delivery failed and is
// waiting to be re-delivered by the retry worker.
type DeliveryFailure struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         string     `json:"user_id"`
	Attempt        int        `json:"attempt"`
	LastError      string     `json:"last_error"`
	Status         string     `json:"status"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	Tokens         []string   `json:"tokens,omitempty"` // empty: every active endpoint
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
