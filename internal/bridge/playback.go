// Package bridge couples one carrier media stream to one realtime model
// session: audio pass-through with playback accounting, barge-in control,
// phase management, and reservation tool dispatch.
package bridge

import "fmt"

// MarkSpacingMs is the minimum sentMs distance between emitted playback
// marks. Denser marks would flood the carrier without improving the
// truncation estimate.
const MarkSpacingMs = 300

// PlaybackTracker accounts playback progress for one assistant utterance.
//
// sentMs counts audio handed to the carrier; playedMs is the high-water mark
// of what the listener has provably heard, advanced only by mark
// acknowledgements. The gap between them is the carrier's jitter buffer.
// Not safe for concurrent use; the call run loop is its only caller.
type PlaybackTracker struct {
	itemID     string
	sentMs     int
	playedMs   int
	lastMarkMs int
	seq        int
	marks      map[string]int
	clearing   bool
}

// NewPlaybackTracker returns a tracker with no active utterance.
func NewPlaybackTracker() *PlaybackTracker {
	return &PlaybackTracker{marks: make(map[string]int)}
}

// BeginUtterance resets all counters for a new assistant item and ends any
// clearing window.
func (t *PlaybackTracker) BeginUtterance(itemID string) {
	t.itemID = itemID
	t.sentMs = 0
	t.playedMs = 0
	t.lastMarkMs = 0
	t.seq = 0
	clear(t.marks)
	t.clearing = false
}

// AddAudio accounts ms milliseconds of forwarded audio. When the distance to
// the last mark reaches [MarkSpacingMs] it returns the name of a mark the
// caller must send to the carrier; otherwise "".
func (t *PlaybackTracker) AddAudio(ms int) string {
	t.sentMs += ms
	if t.sentMs-t.lastMarkMs < MarkSpacingMs {
		return ""
	}
	name := fmt.Sprintf("a:%s:ms:%d:seq:%d", t.itemID, t.sentMs, t.seq)
	t.marks[name] = t.sentMs
	t.lastMarkMs = t.sentMs
	t.seq++
	return name
}

// AckMark consumes a mark acknowledgement from the carrier. It reports
// whether playedMs advanced; acknowledgements for unknown marks or inside a
// clearing window never advance it.
func (t *PlaybackTracker) AckMark(name string) bool {
	sentAt, ok := t.marks[name]
	if !ok {
		return false
	}
	delete(t.marks, name)
	if t.clearing {
		return false
	}
	if sentAt > t.playedMs {
		t.playedMs = sentAt
	}
	return true
}

// BeginClearing opens the clearing window for a confirmed barge-in and
// returns the playedMs value to truncate the model item at. The window
// closes on the next [PlaybackTracker.BeginUtterance].
func (t *PlaybackTracker) BeginClearing() int {
	t.clearing = true
	return t.playedMs
}

// ItemID returns the current assistant item id, or "" before any utterance.
func (t *PlaybackTracker) ItemID() string { return t.itemID }

// SentMs returns the audio milliseconds forwarded for this utterance.
func (t *PlaybackTracker) SentMs() int { return t.sentMs }

// PlayedMs returns the acknowledged playback position.
func (t *PlaybackTracker) PlayedMs() int { return t.playedMs }

// RemainingMs returns the audio forwarded but not yet acknowledged.
func (t *PlaybackTracker) RemainingMs() int { return t.sentMs - t.playedMs }

// Clearing reports whether a clearing window is open.
func (t *PlaybackTracker) Clearing() bool { return t.clearing }
