package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Adapter owns the outbound half of one carrier WebSocket. It serialises
// writes so that media frames, clears, and marks leave in the order they
// were requested. Safe for concurrent use.
type Adapter struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSid string
}

// NewAdapter wraps an accepted carrier connection. The stream SID is not
// known until the start event arrives; call [Adapter.Bind] then.
func NewAdapter(conn *websocket.Conn) *Adapter {
	return &Adapter{conn: conn}
}

// Bind records the stream SID used to tag all outbound envelopes.
func (a *Adapter) Bind(streamSid string) {
	a.mu.Lock()
	a.streamSid = streamSid
	a.mu.Unlock()
}

// StreamSid returns the bound stream SID, or "" before the start event.
func (a *Adapter) StreamSid() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamSid
}

// SendMedia forwards one base64 µ-law payload to the carrier.
func (a *Adapter) SendMedia(ctx context.Context, payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.write(ctx, outboundMedia{
		Event:     EventMedia,
		StreamSid: a.streamSid,
		Media:     mediaPayload{Payload: payload},
	})
}

// SendClear tells the carrier to drop all queued output audio. Used on a
// confirmed barge-in.
func (a *Adapter) SendClear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.write(ctx, outboundClear{Event: "clear", StreamSid: a.streamSid})
}

// SendMark asks the carrier to acknowledge name once the audio queued before
// it has been rendered to the caller.
func (a *Adapter) SendMark(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.write(ctx, outboundMark{
		Event:     EventMark,
		StreamSid: a.streamSid,
		Mark:      markPayload{Name: name},
	})
}

// write must be called with a.mu held.
func (a *Adapter) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	if err := a.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}
