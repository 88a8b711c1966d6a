// Package telephony decodes and emits the carrier's media-stream envelope.
//
// The carrier (Twilio Media Streams) speaks JSON text frames over a
// WebSocket: inbound events connected, start, media, mark, and stop;
// outbound events media, clear, and mark, each tagged with the stream SID.
// Audio payloads are base64 G.711 µ-law at 8 kHz mono in 20 ms frames and
// are never decoded here — the bridge forwards them as-is.
package telephony

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// StartPayload carries the call identifiers and the custom parameters set by
// the call-control plane when the stream was created.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TenantID returns the tenant identifier from the custom parameters. The
// value was validated upstream by the call-setup webhook; here it is opaque.
func (p *StartPayload) TenantID() string { return p.CustomParameters["tenant_id"] }

// CallerNumber returns the calling party's number, when supplied.
func (p *StartPayload) CallerNumber() string { return p.CustomParameters["caller_number"] }

// CalleeNumber returns the called number, when supplied.
func (p *StartPayload) CalleeNumber() string { return p.CustomParameters["callee_number"] }

// MediaPayload is one inbound audio frame.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 µ-law, 160 bytes decoded
}

// MarkPayload acknowledges a previously emitted playback mark.
type MarkPayload struct {
	Name string `json:"name"`
}

// Envelope is one decoded inbound message from the carrier.
type Envelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// Decode parses one carrier text frame. Unknown event names decode without
// error; the caller decides whether to log and skip them.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("telephony: decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("telephony: envelope missing event field")
	}
	return &env, nil
}

// ── Outbound envelopes ────────────────────────────────────────────────────────

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type markPayload struct {
	Name string `json:"name"`
}
