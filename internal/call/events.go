package call

import (
	"slices"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-classroom/internal/peer"
)

// EventType names a call notification.
type EventType string

const (
	EventCallStarted    EventType = "call-started"
	EventCallEnded      EventType = "call-ended"
	EventStateChanged   EventType = "state-changed"
	EventQualityChanged EventType = "quality-changed"
	EventMediaChanged   EventType = "media-changed"
	EventMediaError     EventType = "media-error"
	EventSignalingLost  EventType = "signaling-lost"
	EventRemoteTrack    EventType = "remote-track"
)

// Event is published on the Bus for the hosting application.
type Event struct {
	Type             EventType     `json:"type"`
	SessionID        string        `json:"sessionId,omitempty"`
	ClassID          string        `json:"classId,omitempty"`
	LocalID          string        `json:"localId,omitempty"`
	State            State         `json:"state,omitempty"`
	Quality          peer.Quality  `json:"quality,omitempty"`
	Media            *MediaState   `json:"media,omitempty"`
	RemoteTrackBound bool          `json:"remoteTrackBound,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	Error            string        `json:"error,omitempty"`
	Suggestions      []string      `json:"suggestions,omitempty"`
	At               time.Time     `json:"at"`
}

// Bus fans events out to subscribers in publish order.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber on the calling goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
