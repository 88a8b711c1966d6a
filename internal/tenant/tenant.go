// Package tenant loads per-tenant prompt and reservation-form configuration
// and assembles it into realtime session instructions plus the
// finalize_reservation tool schema.
package tenant

import "errors"

// ErrNotFound is returned by a [Store] when the tenant has no prompt row.
var ErrNotFound = errors.New("tenant: not found")

// FieldType enumerates the reservation form field types.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldTime   FieldType = "time"
	FieldSelect FieldType = "select"
)

// IsValid reports whether t is a recognised field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldTime, FieldSelect:
		return true
	}
	return false
}

// Field is one reservation form field configured for a tenant.
type Field struct {
	// Key is the stable identifier used in tool arguments and stored answers.
	Key string

	// Label is the human-readable name read to the caller.
	Label string

	Type     FieldType
	Required bool

	// Options holds the allowed values for select fields.
	Options []string

	// Description is an optional hint appended to the schema property.
	Description string

	DisplayOrder int
	Enabled      bool
}

// Canonical field keys recognised by the reservation finalizer.
const (
	KeyCustomerName  = "customer_name"
	KeyPartySize     = "party_size"
	KeyRequestedDate = "requested_date"
	KeyRequestedTime = "requested_time"
)

// DefaultFields returns the built-in form used when a tenant has no enabled
// field rows configured.
func DefaultFields() []Field {
	return []Field{
		{Key: KeyCustomerName, Label: "お名前", Type: FieldText, Required: true, DisplayOrder: 1, Enabled: true},
		{Key: KeyPartySize, Label: "人数", Type: FieldNumber, Required: true, DisplayOrder: 2, Enabled: true},
		{Key: KeyRequestedDate, Label: "ご希望日", Type: FieldDate, Required: true, DisplayOrder: 3, Enabled: true},
		{Key: KeyRequestedTime, Label: "ご希望時間", Type: FieldTime, Required: true, DisplayOrder: 4, Enabled: true},
	}
}

// Prompt is a tenant's free-form system prompt plus its metadata map.
// Recognised metadata keys: "greeting_message", "reservation_gate_question".
type Prompt struct {
	SystemPrompt string
	Metadata     map[string]string
}

// Greeting returns the configured greeting message, or "" when unset.
func (p *Prompt) Greeting() string {
	if p == nil {
		return ""
	}
	return p.Metadata["greeting_message"]
}
