package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisTransport carries lesson signaling over Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport returns a transport on an existing client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, classID string, data []byte) error {
	if err := t.client.Publish(ctx, Topic(classID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Topic(classID), err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, classID string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, Topic(classID))

	// Wait for the subscription confirmation so no message published
	// after Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic(classID), err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump(classID)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(classID string) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "redisSubscription.pump",
		"class_id": classID,
	}).Debug("Redis subscription ended")
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
