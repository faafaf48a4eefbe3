package orchestrator

import (
	"sync"

	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
)

// hubQueueDepth bounds each subscriber's buffered channel. A subscriber
// that can't keep up (buffer full) is dropped rather than allowed to
// stall publish — "slow subscribers are dropped" per SPEC_FULL.md §4.6.
const hubQueueDepth = 32

// hub is the bounded event broadcast channel §4.6 describes: per-job
// fan-out to SSE/WebSocket subscribers, publishing is non-blocking and
// never waits on a slow reader.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan jobevent.WireEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan jobevent.WireEvent]struct{})}
}

// subscribe registers a new listener for jobID's events. The returned
// func unsubscribes and closes the channel; callers must call it when
// done reading (typically via defer in the SSE handler).
func (h *hub) subscribe(jobID string) (<-chan jobevent.WireEvent, func()) {
	ch := make(chan jobevent.WireEvent, hubQueueDepth)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan jobevent.WireEvent]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[jobID]; ok {
			if _, present := subs[ch]; present {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	return ch, unsubscribe
}

// publish fans we out to every live subscriber of jobID. A subscriber
// whose buffer is full is dropped (its channel closed, its entry
// removed) instead of blocking this call.
func (h *hub) publish(jobID string, we jobevent.WireEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[jobID]
	for ch := range subs {
		select {
		case ch <- we:
		default:
			delete(subs, ch)
			close(ch)
		}
	}
}
