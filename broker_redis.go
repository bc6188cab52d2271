package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisBroker struct {
	rdb     *redis.Client
	channel string
	owned   bool
}

// NewRedisBroker publishes and subscribes on channel over rdb. When owned is
// true Close also closes rdb.
func NewRedisBroker(rdb *redis.Client, channel string, owned bool) Broker {
	return &redisBroker{rdb: rdb, channel: channel, owned: owned}
}

func (b *redisBroker) Publish(ctx context.Context, data []byte) error {
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *redisBroker) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscribe confirmation so nothing published after we return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	return newRedisSubscription(ps, b.channel), nil
}

func (b *redisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *redisBroker) Close() error {
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}

type redisResult struct {
	data []byte
	err  error
}

// redisSubscription pumps the PubSub from its own goroutine because a blocking
// go-redis read does not return on context cancellation.
type redisSubscription struct {
	ps      *redis.PubSub
	channel string
	results chan redisResult

	closeOnce sync.Once
	closed    chan struct{}
}

func newRedisSubscription(ps *redis.PubSub, channel string) *redisSubscription {
	s := &redisSubscription{
		ps:      ps,
		channel: channel,
		results: make(chan redisResult),
		closed:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *redisSubscription) pump() {
	for {
		var r redisResult
		msg, err := s.ps.ReceiveMessage(context.Background())
		if err != nil {
			r.err = err
		} else {
			r.data = []byte(msg.Payload)
		}

		select {
		case s.results <- r:
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *redisSubscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrBrokerClosed
	case r := <-s.results:
		if errors.Is(r.err, redis.ErrClosed) {
			return nil, ErrBrokerClosed
		}
		return r.data, r.err
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		unsubErr := s.ps.Unsubscribe(ctx, s.channel)
		if err = s.ps.Close(); err == nil {
			err = unsubErr
		}
	})
	return err
}
