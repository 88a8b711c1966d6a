package app

import (
	"sync"

	"github.com/yobell-ai/voicebridge/internal/bridge"
)

// registry tracks the calls currently bridged, keyed by stream SID. It holds
// membership only; all per-call state lives inside [bridge.Call]. Safe for
// concurrent use.
type registry struct {
	mu    sync.Mutex
	calls map[string]*bridge.Call
}

func newRegistry() *registry {
	return &registry{calls: make(map[string]*bridge.Call)}
}

// add registers a call under streamSid. Returns false when the SID is already
// taken, which means a duplicate start event slipped through.
func (r *registry) add(streamSid string, c *bridge.Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[streamSid]; exists {
		return false
	}
	r.calls[streamSid] = c
	return true
}

// remove drops the call registered under streamSid, if any.
func (r *registry) remove(streamSid string) {
	r.mu.Lock()
	delete(r.calls, streamSid)
	r.mu.Unlock()
}

// get returns the call registered under streamSid, or nil.
func (r *registry) get(streamSid string) *bridge.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[streamSid]
}

// len returns the number of active calls.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
