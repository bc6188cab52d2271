package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const persistTimeout = 5 * time.Second

var (
	ErrNotObject   = errors.New("event is not a JSON object")
	ErrMissingSID  = errors.New("event missing sid")
	ErrMissingRoom = errors.New("event missing room")
)

// Event is a decoded broker message. Fields holds everything except sid and room.
type Event struct {
	Room   string
	SID    string
	Fields map[string]json.RawMessage
}

// PositionWriter persists the last known position of a user in a room.
type PositionWriter interface {
	SetPosition(ctx context.Context, room string, user, position json.RawMessage) error
}

// StampEvent decodes a client frame and sets its sid and room, replacing any
// values the client supplied.
func StampEvent(frame []byte, sid, room string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	fields["sid"], _ = json.Marshal(sid)
	fields["room"], _ = json.Marshal(room)
	return json.Marshal(fields)
}

// DecodeEvent parses a broker message and strips sid and room from its fields.
// "session_id" is accepted when "sid" is absent.
func DecodeEvent(data []byte) (*Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	room, ok := popString(fields, "room")
	if !ok {
		return nil, ErrMissingRoom
	}
	sid, ok := popString(fields, "sid")
	if !ok {
		sid, ok = popString(fields, "session_id")
	}
	if !ok {
		return nil, ErrMissingSID
	}
	return &Event{Room: room, SID: sid, Fields: fields}, nil
}

func popString(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	delete(fields, key)
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// Relay is the single broker subscriber of a process. Every event is persisted
// (when it carries a user and position) and fanned out to the room's local
// connections except the originating session.
type Relay struct {
	broker   Broker
	store    PositionWriter
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func NewRelay(broker Broker, store PositionWriter, registry *Registry, metrics *Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		broker:   broker,
		store:    store,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start subscribes and returns once the subscription is live; the loop then runs
// in the background until Stop or a broker failure.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.broker.Subscribe(ctx)
	if err != nil {
		close(r.done)
		return fmt.Errorf("relay subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.done)
		err := r.run(runCtx, sub)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()

	r.logger.Info("relay started")
	return nil
}

// Done is closed when the loop has exited and unsubscribed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the loop, nil after a clean Stop.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop cancels the loop and waits for it to unsubscribe.
func (r *Relay) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
		r.logger.Info("relay stopped")
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run(ctx context.Context, sub Subscription) error {
	defer func() {
		if err := sub.Close(); err != nil {
			r.logger.Warn("relay unsubscribe failed", "error", err)
		}
	}()

	for {
		data, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("relay lost broker", "error", err)
			return fmt.Errorf("relay receive: %w", err)
		}
		r.handle(ctx, data)
	}
}

func (r *Relay) handle(ctx context.Context, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		r.logger.Warn("dropping malformed relay event", "error", err, "size", len(data))
		r.metrics.EventDropped(ctx)
		return
	}

	user, hasUser := ev.Fields["user"]
	position, hasPosition := ev.Fields["position"]
	if hasUser && hasPosition {
		// The write is not tied to ctx so a shutdown never interrupts it mid-flight.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := r.store.SetPosition(wctx, ev.Room, user, position)
		cancel()
		if err != nil {
			r.logger.Error("persist position failed", "room", ev.Room, "sid", ev.SID, "error", err)
			r.metrics.PersistFailed(ctx, ev.Room)
		}
	}

	payload, err := json.Marshal(ev.Fields)
	if err != nil {
		r.logger.Warn("re-encode relay event failed", "room", ev.Room, "error", err)
		r.metrics.EventDropped(ctx)
		return
	}
	delivered := r.registry.Broadcast(ev.Room, ev.SID, payload)
	r.metrics.EventRelayed(ctx, ev.Room, delivered)
	r.logger.Debug("relayed event", "room", ev.Room, "sid", ev.SID, "delivered", delivered)
}
