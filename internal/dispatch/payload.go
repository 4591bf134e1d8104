package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/lalithlochan/eventhub/internal/db"
)

// payload is the typed data schema of one notification category.
type payload interface {
	validate() error
}

// EventApprovalData accompanies event_approval notifications.
type EventApprovalData struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

func (d *EventApprovalData) validate() error {
	if d.EventID == "" {
		return errors.New("event_id is required")
	}
	if d.Status != "approved" && d.Status != "rejected" {
		return errors.New("status must be approved or rejected")
	}
	return nil
}

// TicketSaleData accompanies ticket_sale notifications.
type TicketSaleData struct {
	EventID     string `json:"event_id"`
	TicketID    string `json:"ticket_id,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

func (d *TicketSaleData) validate() error {
	if d.EventID == "" {
		return errors.New("event_id is required")
	}
	if d.Quantity < 0 {
		return errors.New("quantity must not be negative")
	}
	if d.AmountCents < 0 {
		return errors.New("amount_cents must not be negative")
	}
	if d.Currency != "" && !isCurrencyCode(d.Currency) {
		return errors.New("currency must be a 3-letter ISO 4217 code")
	}
	return nil
}

// EventReminderData accompanies event_reminder notifications.
type EventReminderData struct {
	EventID  string `json:"event_id,omitempty"`
	StartsAt string `json:"starts_at,omitempty"`
}

func (d *EventReminderData) validate() error {
	if d.StartsAt != "" {
		if _, err := time.Parse(time.RFC3339, d.StartsAt); err != nil {
			return errors.New("starts_at must be an RFC 3339 timestamp")
		}
	}
	return nil
}

// SocialData accompanies social notifications.
type SocialData struct {
	ActorID string `json:"actor_id"`
	Action  string `json:"action,omitempty"`
}

func (d *SocialData) validate() error {
	if d.ActorID == "" {
		return errors.New("actor_id is required")
	}
	return nil
}

// SystemData accompanies system notifications.
type SystemData struct {
	URL      string `json:"url,omitempty"`
	Severity string `json:"severity,omitempty"`
}

func (d *SystemData) validate() error {
	if d.URL != "" {
		u, err := url.Parse(d.URL)
		if err != nil || u.Scheme == "" {
			return errors.New("url must be absolute")
		}
	}
	switch d.Severity {
	case "", "info", "warning", "critical":
	default:
		return errors.New("severity must be info, warning or critical")
	}
	return nil
}

func newPayload(notifType string) payload {
	switch notifType {
	case db.TypeEventApproval:
		return &EventApprovalData{}
	case db.TypeTicketSale:
		return &TicketSaleData{}
	case db.TypeEventReminder:
		return &EventReminderData{}
	case db.TypeSocial:
		return &SocialData{}
	case db.TypeSystem:
		return &SystemData{}
	}
	return nil
}

// validateData strictly decodes raw into the schema for notifType. Unknown
// fields and trailing content are rejected.
func validateData(notifType string, raw json.RawMessage) error {
	p := newPayload(notifType)
	if p == nil {
		return fmt.Errorf("no data schema for type %q", notifType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("data: unexpected trailing content")
	}

	if err := p.validate(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
