package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lalithlochan/eventhub/internal/db"
)

// Request asks for one notification to be persisted and pushed to a user.
// Title and Message may be omitted when a template exists for Type; they are
// then rendered in Locale from Data.
type Request struct {
	UserID  string          `json:"user_id"`
	Type    string          `json:"type"`
	Title   string          `json:"title,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Locale  string          `json:"locale,omitempty"`
}

// validate checks everything that does not need the template catalog and
// returns the normalized data payload (nil when absent).
func (r *Request) validate() (json.RawMessage, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return nil, invalid("user_id is required")
	}
	if !db.ValidType(r.Type) {
		return nil, invalid("type must be one of %s", strings.Join(db.NotificationTypes, ", "))
	}

	data := bytes.TrimSpace(r.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, invalid("data must be valid JSON")
	}
	if err := validateData(r.Type, data); err != nil {
		return nil, invalid("%v", err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, invalid("data must be valid JSON")
	}
	return compact.Bytes(), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
