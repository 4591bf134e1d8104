// Package push submits notification messages to the external push delivery gateway.
package push

import (
	"context"
	"encoding/json"
)

// Gateway delivers a batch of push messages in a single call.
// A nil error means the batch was accepted for delivery, not that devices received it.
// When an error is returned alongside a non-nil receipt, the first
// receipt.Accepted messages were accepted before the failure.
type Gateway interface {
	Send(ctx context.Context, messages []Message) (*Receipt, error)
}

// Message is one push message addressed to a single device token
type Message struct {
	To    string          `json:"to"`
	Sound string          `json:"sound"`
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ticket statuses reported by the gateway
const (
	TicketStatusOK    = "ok"
	TicketStatusError = "error"
)

// Ticket is the gateway's per-message acceptance result, in request order
type Ticket struct {
	Status  string        `json:"status"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Details TicketDetails `json:"details"`
}

// TicketDetails carries the machine-readable error code for rejected messages
// (e.g. "DeviceNotRegistered").
type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

// Receipt is the parsed gateway response for one batch
type Receipt struct {
	Tickets []Ticket `json:"data"`

	// Accepted counts the leading messages the gateway took. Only meaningful
	// when Send also returned an error.
	Accepted int `json:"-"`
}

// Rejected counts the tickets the gateway refused.
func (r *Receipt) Rejected() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, t := range r.Tickets {
		if t.Status == TicketStatusError {
			n++
		}
	}
	return n
}
