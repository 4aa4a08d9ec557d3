package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-classroom/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const pingTimeout = 5 * time.Second

// Connect opens a client for cfg and pings it. The client is shared by the
// lesson store and the signaling transport.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"addr":     client.Options().Addr,
		"db":       cfg.DB,
	}).Info("Redis connection established")
	return client, nil
}

// Options maps the service configuration onto client options.
func Options(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}
