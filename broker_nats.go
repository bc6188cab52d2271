package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type natsBroker struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBroker connects to url and uses subject as the relay channel.
func NewNATSBroker(url, subject string, logger *slog.Logger) (Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// A lost server connection closes nc, which ends the relay loop the same
	// way a dropped Redis subscription does.
	nc, err := nats.Connect(url,
		nats.Name("alignment-relay"),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl(), "subject", subject)
	return &natsBroker{nc: nc, subject: subject}, nil
}

func (b *natsBroker) Publish(_ context.Context, data []byte) error {
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *natsBroker) Subscribe(ctx context.Context) (Subscription, error) {
	sub, err := b.nc.SubscribeSync(b.subject)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	// Flush round-trips to the server, so the interest is registered on return.
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *natsBroker) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats status %s", b.nc.Status())
	}
	return b.nc.FlushWithContext(ctx)
}

func (b *natsBroker) Close() error {
	b.nc.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, ErrBrokerClosed
		}
		return nil, err
	}
	return msg.Data, nil
}

func (s *natsSubscription) Close() error {
	return s.sub.Unsubscribe()
}
