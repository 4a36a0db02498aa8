package services

import (
	"sync"
)

// ChangeTopic names a per-session table feed.
type ChangeTopic string

const (
	TopicMembers  ChangeTopic = "members"
	TopicMessages ChangeTopic = "messages"
)

// RealtimeHub is the in-process change feed behind the SSE streams.
// Writers call Notify after any insert/update/delete touching a
// session's members or messages; each subscriber then re-fetches the FULL
// table snapshot. No deltas cross the hub — a notification carries no
// payload, only "something changed", which keeps the streams immune to
// ordering and missed-event bugs at the cost of one full re-query per
// change.
type RealtimeHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan struct{}]struct{}
}

func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{
		subs: make(map[string]map[chan struct{}]struct{}),
	}
}

func topicKey(sessionID string, topic ChangeTopic) string {
	return sessionID + "|" + string(topic)
}

// Subscribe registers for change notifications on one session's topic.
// The returned channel has a buffer of one and notifications coalesce:
// a subscriber that is mid-refetch receives at most one more wakeup,
// which is enough because every wakeup triggers a full re-query.
func (h *RealtimeHub) Subscribe(sessionID string, topic ChangeTopic) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	key := topicKey(sessionID, topic)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan struct{}]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if set, ok := h.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

// Notify wakes every subscriber of the session's topic. Never blocks.
func (h *RealtimeHub) Notify(sessionID string, topic ChangeTopic) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[topicKey(sessionID, topic)] {
		select {
		case ch <- struct{}{}:
		default:
			// subscriber already has a pending wakeup
		}
	}
}
