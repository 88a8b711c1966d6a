// Package realtime implements a thin, typed client for the OpenAI Realtime
// API over a WebSocket.
//
// The client is a message pump: outbound operations (session updates,
// response triggers, audio appends, truncation, tool output) are typed
// methods that serialise one protocol event each, and inbound traffic is
// decoded into [Event] values delivered on a single ordered channel. The
// client performs no audio processing — base64 µ-law payloads pass through
// unmodified in both directions.
//
// Ordering is preserved: events are emitted in the order the server sent
// them, and writes are serialised by the connection.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const defaultModel = "gpt-4o-realtime-preview"

// ulawFormat is the only audio format voicebridge speaks.
const ulawFormat = "g711_ulaw"

// DialConfig configures a new realtime connection.
type DialConfig struct {
	// URL is the base WebSocket endpoint, e.g. "wss://api.openai.com/v1/realtime".
	URL string

	// APIKey authenticates the connection.
	APIKey string

	// Model selects the realtime model; appended as a query parameter.
	// Defaults to gpt-4o-realtime-preview.
	Model string

	// EventBuffer is the capacity of the event channel. Default 64.
	EventBuffer int
}

// Client is an open realtime session. Create one with [Dial]; call
// [Client.Close] when the call ends. All methods are safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	events chan *Event

	mu     sync.Mutex
	closed bool
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial opens the model WebSocket and starts the receive loop. The returned
// client is ready to send immediately; the caller should send the initial
// session.update before forwarding audio.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf("%s?model=%s", cfg.URL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	// Audio deltas can outpace a slow reader briefly; the limit guards
	// against pathological frames, not normal traffic.
	conn.SetReadLimit(1 << 22)

	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 64
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan *Event, buf),
		ctx:    clientCtx,
		cancel: cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// Events returns the ordered stream of decoded server events. The channel is
// closed when the connection ends; check [Client.Err] afterwards.
func (c *Client) Events() <-chan *Event { return c.events }

// Err returns the error that terminated the receive loop, or nil after a
// clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// receiveLoop reads frames, decodes them, and delivers them in order. It owns
// the events channel and closes it on exit.
func (c *Client) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(err)
			}
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			// Malformed frames are dropped; the protocol continues.
			continue
		}
		evt.raw = json.RawMessage(data)

		select {
		case c.events <- &evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("realtime: session closed")
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// ── Outbound operations ───────────────────────────────────────────────────────

// UpdateSession sends a session.update event. The audio formats are forced
// to µ-law regardless of what params carries, so a caller can never
// accidentally introduce transcoding.
func (c *Client) UpdateSession(ctx context.Context, params SessionParams) error {
	params.InputAudioFormat = ulawFormat
	params.OutputAudioFormat = ulawFormat
	return c.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// CreateResponse triggers a model response. A non-empty instructions string
// is carried verbatim on the response (used for the greeting); when empty
// the response inherits the session instructions.
func (c *Client) CreateResponse(ctx context.Context, instructions string) error {
	msg := responseCreateMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseCreateInner{Instructions: instructions}
	}
	return c.writeJSON(ctx, msg)
}

// AppendAudio forwards a base64 µ-law chunk from the carrier unmodified.
func (c *Client) AppendAudio(ctx context.Context, payload string) error {
	return c.writeJSON(ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload})
}

// TruncateItem cuts the assistant item's audio at audioEndMs. Sent on a
// confirmed barge-in so the model's view of what the caller heard matches
// what was actually played.
func (c *Client) TruncateItem(ctx context.Context, itemID string, audioEndMs int) error {
	return c.writeJSON(ctx, truncateItemMessage{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMs: audioEndMs,
	})
}

// SendToolOutput injects a function_call_output item for callID and
// immediately triggers a response so the model can speak the outcome.
func (c *Client) SendToolOutput(ctx context.Context, callID, output string) error {
	if err := c.writeJSON(ctx, createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: output},
	}); err != nil {
		return err
	}
	return c.CreateResponse(ctx, "")
}

// CancelResponse asks the model to stop the in-flight response. Cancelling
// when no response is active produces a benign error event.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]string{"type": "response.cancel"})
}

// Close terminates the session and the receive loop. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
