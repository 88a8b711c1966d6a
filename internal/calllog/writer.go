// Package calllog persists per-call event logs as append-only NDJSON files.
//
// Each call gets one file, opened lazily on the first write and closed
// exactly once. Every record carries the timestamp, stream SID, and call SID
// alongside the event name and its fields, so a single file replays the full
// life of a call. Writes are buffered; Close flushes.
package calllog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names written by the bridge. Kept in one place so log consumers have
// a single vocabulary to grep.
const (
	EventStart                 = "start"
	EventStop                  = "stop"
	EventUserUtterance         = "user_utterance"
	EventAssistantResponse     = "assistant_response"
	EventToolCall              = "tool_call"
	EventRealtimeError         = "realtime_error"
	EventModelWSOpen           = "openai_ws_open"
	EventModelWSClose          = "openai_ws_close"
	EventModelWSError          = "openai_ws_error"
	EventSessionUpdateSent     = "session_update_sent"
	EventSessionUpdated        = "session_updated_received"
	EventResponseCreateSent    = "response_create_sent"
	EventCarrierMedia          = "twilio_media"
	EventVAD                   = "vad_event"
	EventAudioDelta            = "audio_delta"
	EventSessionUpdateTimeout  = "session_update_timeout"
	EventSpeakingFailsafe      = "speaking_failsafe"
	EventBargeInConfirmed      = "barge_in_confirmed"
	EventBargeInIgnored        = "barge_in_ignored"
	EventBargeInCancelled      = "barge_in_cancelled"
	EventTimingSummary         = "timing_summary"
	EventReservationNotCreated = "reservation_not_created"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("calllog: writer closed")

// Writer appends NDJSON records for one call. Safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	dir    string
	stream string
	call   string
	file   *os.File
	buf    *bufio.Writer
	closed bool
	now    func() time.Time
}

// New creates a Writer for the given call. No file is created until the
// first Write.
func New(dir, streamSid, callSid string) *Writer {
	return &Writer{dir: dir, stream: streamSid, call: callSid, now: time.Now}
}

// Path returns the log file path for this call.
func (w *Writer) Path() string {
	return filepath.Join(w.dir, w.call+".ndjson")
}

// Write appends one event record. Fields may be nil. Returns [ErrClosed]
// after Close; any other error means the record was not persisted.
func (w *Writer) Write(event string, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.file == nil {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return fmt.Errorf("calllog: mkdir: %w", err)
		}
		f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("calllog: open: %w", err)
		}
		w.file = f
		w.buf = bufio.NewWriter(f)
	}

	record := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		record[k] = v
	}
	record["timestamp"] = w.now().UTC().Format(time.RFC3339Nano)
	record["streamId"] = w.stream
	record["callId"] = w.call
	record["event"] = event

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("calllog: marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("calllog: write: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Idempotent; writes after Close fail
// with [ErrClosed].
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("calllog: flush: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("calllog: close: %w", err)
	}
	return nil
}
