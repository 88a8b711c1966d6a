package realtime

import "encoding/json"

// ── Outgoing protocol messages ────────────────────────────────────────────────

// Tool describes a single function tool offered to the model in a
// session.update event.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection configures server-side voice activity detection. When
// CreateResponse and InterruptResponse are false the model detects speech
// boundaries but neither answers on its own nor cancels the response in
// flight — the mode used while the opening greeting plays.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// Transcription selects the model used for user-side input transcription.
type Transcription struct {
	Model string `json:"model"`
}

// SessionParams is the payload of a session.update event. Audio formats are
// pinned to G.711 µ-law in both directions; the carrier stream is forwarded
// without transcoding.
type SessionParams struct {
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type responseCreateMessage struct {
	Type     string               `json:"type"`
	Response *responseCreateInner `json:"response,omitempty"`
}

type responseCreateInner struct {
	Instructions string `json:"instructions,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 µ-law, forwarded verbatim
}

type truncateItemMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Incoming protocol messages ────────────────────────────────────────────────

// ServerError is the nested error object of an error event.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Benign reports whether the error is an expected race rather than a fault.
// Cancelling a response that already finished produces
// response_cancel_not_active; it carries no information for the caller.
func (e *ServerError) Benign() bool {
	return e != nil && e.Code == "response_cancel_not_active"
}

// Budget reports whether the error is a quota or rate-limit failure. These
// are surfaced with distinct log markers because they end the call.
func (e *ServerError) Budget() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case "insufficient_quota", "rate_limit_exceeded":
		return true
	}
	return e.Type == "insufficient_quota"
}

// ContentPart is one entry of a message item's content array in a
// response.done payload.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// OutputItem is one item of a completed response: either an assistant
// message (Type "message") or a function call (Type "function_call").
type OutputItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

// AssistantText joins the transcript/text parts of an assistant message item.
func (it *OutputItem) AssistantText() string {
	var out string
	for _, p := range it.Content {
		if p.Transcript != "" {
			out += p.Transcript
		} else if p.Text != "" {
			out += p.Text
		}
	}
	return out
}

// ResponseDone is the response object carried by a response.done event.
type ResponseDone struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []OutputItem `json:"output"`
}

// FunctionCalls returns the function_call items of the response in order.
func (r *ResponseDone) FunctionCalls() []OutputItem {
	var calls []OutputItem
	for _, it := range r.Output {
		if it.Type == "function_call" {
			calls = append(calls, it)
		}
	}
	return calls
}

// Event is a decoded server event. Only the fields relevant to the event's
// Type are populated; the raw payload is retained for events the bridge
// wants to log verbatim.
type Event struct {
	Type string `json:"type"`

	// response.audio.delta / response.output_audio.delta
	Delta string `json:"delta,omitempty"`

	// response.output_item.added
	Item *OutputItem `json:"item,omitempty"`

	// response.done
	Response *ResponseDone `json:"response,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error
	Error *ServerError `json:"error,omitempty"`

	raw json.RawMessage
}

// Raw returns the undecoded event payload.
func (e *Event) Raw() []byte { return e.raw }

// Recognised server event types dispatched by the bridge.
const (
	EventSessionUpdated           = "session.updated"
	EventOutputItemAdded          = "response.output_item.added"
	EventAudioDelta               = "response.audio.delta"
	EventOutputAudioDelta         = "response.output_audio.delta"
	EventResponseDone             = "response.done"
	EventInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted            = "input_audio_buffer.speech_started"
	EventSpeechStopped            = "input_audio_buffer.speech_stopped"
	EventError                    = "error"
)
