package tracker

import (
	"sync"
	"time"

	"github.com/rvdmeulen/huddle/internal/util"
)

// Event types pushed to the ops feed.
const (
	EventAuthOK         = "auth_ok"
	EventAuthFail       = "auth_fail"
	EventRegistered     = "registered"
	EventPeerOnline     = "peer_online"
	EventHeartbeatLapse = "heartbeat_lapse"
	EventChannelCreated = "channel_created"
	EventHostChange     = "host_change"
	EventMessageStored  = "message_stored"
	EventStreamStart    = "stream_start"
	EventStreamEnd      = "stream_end"
)

// Event is one entry on the tracker's fire-and-forget event feed.
type Event struct {
	Type    string `json:"type"`
	Subject string `json:"subject,omitempty"`
	Channel string `json:"channel,omitempty"`
	Detail  string `json:"detail,omitempty"`
	TS      int64  `json:"ts"`
}

// Feed buffers recent events in a fixed ring and fans them out to
// subscribers. Sends never block; a slow subscriber misses events.
type Feed struct {
	mu   sync.RWMutex
	ring *util.RingBuffer[Event]
	subs map[chan Event]struct{}
}

func NewFeed(capacity int) *Feed {
	return &Feed{
		ring: util.NewRingBuffer[Event](capacity),
		subs: make(map[chan Event]struct{}),
	}
}

func (f *Feed) Emit(evt Event) {
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	f.ring.Push(evt)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a buffered channel of future events.
func (f *Feed) Subscribe() chan Event {
	ch := make(chan Event, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) Unsubscribe(ch chan Event) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

// Recent returns up to n of the newest buffered events, oldest first.
func (f *Feed) Recent(n int) []Event {
	return f.ring.Last(n)
}

func (f *Feed) Close() {
	f.mu.Lock()
	for ch := range f.subs {
		close(ch)
	}
	f.subs = make(map[chan Event]struct{})
	f.mu.Unlock()
}
