package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Transport is a publish/subscribe bus scoped by class. Publishers
// receive their own messages back; Channel filters them.
type Transport interface {
	Publish(ctx context.Context, classID string, data []byte) error
	Subscribe(ctx context.Context, classID string) (Subscription, error)
}

// Subscription delivers raw envelopes until closed. Messages is closed
// when the subscription ends, whether by Close or by transport failure.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Topic is the pub/sub channel name for a class.
func Topic(classID string) string {
	return "lesson:" + classID + ":signal"
}

const subscriptionBuffer = 256

// MemoryHub is an in-process Transport.
type MemoryHub struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: make(map[string]map[*memorySubscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, classID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrTransportClosed
	}

	for sub := range h.topics[Topic(classID)] {
		msg := make([]byte, len(data))
		copy(msg, data)
		select {
		case sub.ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "MemoryHub.Publish",
				"class_id": classID,
			}).Warn("Subscriber buffer full, dropping message")
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, classID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrTransportClosed
	}

	topic := Topic(classID)
	sub := &memorySubscription{hub: h, topic: topic, ch: make(chan []byte, subscriptionBuffer)}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*memorySubscription]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions for a class.
func (h *MemoryHub) Subscribers(classID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[Topic(classID)])
}

// Drop ends every subscription of a class as a broken connection would.
func (h *MemoryHub) Drop(classID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := Topic(classID)
	for sub := range h.topics[topic] {
		sub.closeLocked()
	}
	delete(h.topics, topic)
}

// Close ends all subscriptions and refuses new ones.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for topic, subs := range h.topics {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(h.topics, topic)
	}
}

type memorySubscription struct {
	hub    *MemoryHub
	topic  string
	ch     chan []byte
	closed bool
}

func (s *memorySubscription) Messages() <-chan []byte { return s.ch }

func (s *memorySubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if subs := s.hub.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.topics, s.topic)
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked requires hub.mu held for writing.
func (s *memorySubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
