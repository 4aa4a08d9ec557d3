package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/sirupsen/logrus"
)

// Handler receives one dispatched message.
type Handler func(ctx context.Context, msg models.SignalMessage)

// Handlers routes dispatched messages by type. Nil handlers drop.
type Handlers struct {
	Offer     Handler
	Answer    Handler
	Candidate Handler
}

// Channel is the two-party signaling channel of one participant. All
// handlers run on a single pump goroutine in arrival order.
type Channel struct {
	transport  Transport
	localID    string
	maxRetries int
	newBackOff func() backoff.BackOff
	onError    func(error)

	mu         sync.Mutex
	classID    string
	handlers   Handlers
	sub        Subscription
	cancel     context.CancelFunc
	subscribed bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithMaxRetries bounds re-subscribe and publish attempts.
func WithMaxRetries(n int) Option {
	return func(c *Channel) { c.maxRetries = n }
}

// WithBackOff replaces the exponential retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Channel) { c.newBackOff = fn }
}

// WithErrorHandler receives a *SignalingError once retries are exhausted.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Channel) { c.onError = fn }
}

// NewChannel returns an unsubscribed channel for localID.
func NewChannel(t Transport, localID string, opts ...Option) *Channel {
	c := &Channel{
		transport:  t,
		localID:    localID,
		maxRetries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalID returns the identity used for self-message filtering.
func (c *Channel) LocalID() string { return c.localID }

// ClassID returns the subscribed class, or "" when unsubscribed.
func (c *Channel) ClassID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classID
}

// Subscribe joins the channel of classID and starts dispatching to h.
// ctx bounds the subscribe attempts only.
func (c *Channel) Subscribe(ctx context.Context, classID string, h Handlers) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.subscribed = true
	c.classID = classID
	c.handlers = h
	c.mu.Unlock()

	sub, err := c.subscribeWithRetry(ctx, classID)
	if err != nil {
		c.mu.Lock()
		c.subscribed = false
		c.classID = ""
		c.handlers = Handlers{}
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if !c.subscribed || c.classID != classID {
		// unsubscribed while we were connecting
		c.mu.Unlock()
		cancel()
		sub.Close()
		return ErrNotSubscribed
	}
	c.sub = sub
	c.cancel = cancel
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"class_id": classID,
		"local_id": c.localID,
	}).Info("Subscribed to lesson channel")

	go c.run(runCtx, classID, sub)
	return nil
}

// Unsubscribe leaves the channel. It does not wait for an in-flight
// handler to return. Safe to call more than once.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	sub, cancel, classID := c.sub, c.cancel, c.classID
	c.subscribed = false
	c.sub = nil
	c.cancel = nil
	c.classID = ""
	c.handlers = Handlers{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Unsubscribe",
		"class_id": classID,
	}).Info("Left lesson channel")
	return err
}

// Send publishes msg, filling From and ClassID when empty.
func (c *Channel) Send(ctx context.Context, msg models.SignalMessage) error {
	if msg.From == "" {
		msg.From = c.localID
	}
	if msg.ClassID == "" {
		msg.ClassID = c.ClassID()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to send invalid message: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		return c.transport.Publish(ctx, msg.ClassID, data)
	}
	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		return &SignalingError{Op: "publish", ClassID: msg.ClassID, Attempts: attempts, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"type":     msg.Type,
		"from":     msg.From,
		"to":       msg.To,
		"class_id": msg.ClassID,
	}).Debug("Signal sent")
	return nil
}

// Dispatch decodes raw and routes it to the matching handler. Messages
// from the local participant, for another class or addressed to someone
// else are discarded with an error and never reach a handler.
func (c *Channel) Dispatch(ctx context.Context, raw []byte) error {
	var msg models.SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	c.mu.Lock()
	classID, h := c.classID, c.handlers
	c.mu.Unlock()

	switch {
	case msg.From == c.localID:
		return ErrSelfMessage
	case msg.ClassID != classID:
		return fmt.Errorf("%w: %s", ErrForeignClass, msg.ClassID)
	case msg.To != "" && msg.To != c.localID:
		return ErrNotAddressed
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	var handler Handler
	switch msg.Type {
	case models.SignalTypeOffer:
		handler = h.Offer
	case models.SignalTypeAnswer:
		handler = h.Answer
	case models.SignalTypeCandidate:
		handler = h.Candidate
	}
	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

func (c *Channel) run(ctx context.Context, classID string, sub Subscription) {
	for {
		c.pump(ctx, sub)
		if ctx.Err() != nil {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "run",
			"class_id": classID,
		}).Warn("Lesson channel dropped, re-subscribing")

		next, err := c.subscribeWithRetry(ctx, classID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"class_id": classID,
				"error":    err.Error(),
			}).Error("Lesson channel lost")
			c.mu.Lock()
			if c.sub == sub {
				c.subscribed = false
				c.sub = nil
				c.cancel = nil
				c.classID = ""
				c.handlers = Handlers{}
			}
			c.mu.Unlock()
			if c.onError != nil {
				c.onError(err)
			}
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.sub = next
		c.mu.Unlock()
		sub = next
	}
}

func (c *Channel) pump(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if err := c.Dispatch(ctx, raw); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pump",
					"local_id": c.localID,
					"reason":   err.Error(),
				}).Debug("Discarded signal")
			}
		}
	}
}

func (c *Channel) subscribeWithRetry(ctx context.Context, classID string) (Subscription, error) {
	var sub Subscription
	attempts := 0
	op := func() error {
		attempts++
		s, err := c.transport.Subscribe(ctx, classID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "subscribeWithRetry",
				"class_id": classID,
				"attempt":  attempts,
				"error":    err.Error(),
			}).Warn("Subscribe attempt failed")
			return err
		}
		sub = s
		return nil
	}
	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		return nil, &SignalingError{Op: "subscribe", ClassID: classID, Attempts: attempts, Err: err}
	}
	return sub, nil
}

func (c *Channel) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
}
