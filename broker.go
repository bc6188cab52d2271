package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/redis/go-redis/v9"
)

var ErrBrokerClosed = errors.New("broker subscription closed")

// Broker carries relay events on one shared channel between every gateway process.
type Broker interface {
	// Publish sends data to every subscriber of the channel, including this process.
	Publish(ctx context.Context, data []byte) error

	// Subscribe returns once the subscription is confirmed by the broker.
	Subscribe(ctx context.Context) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers the channel's messages in broker order.
type Subscription interface {
	// Next blocks for the next message. It returns ctx.Err() on cancellation and
	// any other error when the broker connection is lost.
	Next(ctx context.Context) ([]byte, error)

	// Close unsubscribes.
	Close() error
}

// OpenBroker picks the backend from cfg.URL. A Redis URL equal to the store's
// reuses shared, which the broker then does not own.
func OpenBroker(cfg BrokerConfig, redisURL string, shared *redis.Client, logger *slog.Logger) (Broker, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	switch u.Scheme {
	case "nats":
		return NewNATSBroker(cfg.URL, cfg.Channel, logger)
	case "redis", "rediss":
		if cfg.URL == redisURL && shared != nil {
			return NewRedisBroker(shared, cfg.Channel, false), nil
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse broker redis url: %w", err)
		}
		return NewRedisBroker(redis.NewClient(opts), cfg.Channel, true), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
