package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/iwork/iwork/internal/bus"
)

// Dispatcher delivers events to connections held by this process.
type Dispatcher interface {
	DeliverLocal(subjectID string, ev Event)
	BroadcastLocal(ev Event)
}

// Router carries events to the process holding the target connections.
// Delivery is best effort: an offline subject is not an error.
type Router interface {
	// Start binds the router to the local dispatcher. It is called once
	// by New before any connection is accepted.
	Start(local Dispatcher) error
	Deliver(ctx context.Context, subjectID string, ev Event) error
	Broadcast(ctx context.Context, ev Event) error
	Close() error
}

// LocalRouter delivers within the current process only.
type LocalRouter struct {
	local Dispatcher
}

// NewLocalRouter creates a LocalRouter.
func NewLocalRouter() *LocalRouter {
	return &LocalRouter{}
}

// Start implements Router.
func (r *LocalRouter) Start(local Dispatcher) error {
	r.local = local
	return nil
}

// Deliver implements Router.
func (r *LocalRouter) Deliver(_ context.Context, subjectID string, ev Event) error {
	r.local.DeliverLocal(subjectID, ev)
	return nil
}

// Broadcast implements Router.
func (r *LocalRouter) Broadcast(_ context.Context, ev Event) error {
	r.local.BroadcastLocal(ev)
	return nil
}

// Close implements Router.
func (r *LocalRouter) Close() error { return nil }

// NATSRouter fans events out over core NATS so every gateway instance
// delivers to the connections it holds. Payloads travel as JSON
// envelopes and are re-encoded per connection on arrival.
type NATSRouter struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSRouter creates a NATSRouter publishing under prefix.
func NewNATSRouter(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSRouter {
	if prefix == "" {
		prefix = bus.DefaultPrefix
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NATSRouter{nc: nc, prefix: prefix, logger: logger}
}

// Start implements Router.
func (r *NATSRouter) Start(local Dispatcher) error {
	deliverSub, err := r.nc.Subscribe(bus.DeliverWildcard(r.prefix), func(msg *nats.Msg) {
		subjectID, err := bus.SubjectIDFromDeliver(r.prefix, msg.Subject)
		if err != nil {
			r.logger.Warn("dropping event with malformed subject", "subject", msg.Subject, "error", err)
			return
		}
		ev, err := decodeBusEvent(msg.Data)
		if err != nil {
			r.logger.Warn("dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		local.DeliverLocal(subjectID, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.DeliverWildcard(r.prefix), err)
	}

	broadcastSub, err := r.nc.Subscribe(bus.BroadcastSubject(r.prefix), func(msg *nats.Msg) {
		ev, err := decodeBusEvent(msg.Data)
		if err != nil {
			r.logger.Warn("dropping undecodable broadcast", "error", err)
			return
		}
		local.BroadcastLocal(ev)
	})
	if err != nil {
		_ = deliverSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", bus.BroadcastSubject(r.prefix), err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, deliverSub, broadcastSub)
	r.mu.Unlock()

	r.logger.Info("router subscribed", "prefix", r.prefix)
	return nil
}

// Deliver implements Router.
func (r *NATSRouter) Deliver(_ context.Context, subjectID string, ev Event) error {
	return r.publish(bus.DeliverSubject(r.prefix, subjectID), ev)
}

// Broadcast implements Router.
func (r *NATSRouter) Broadcast(_ context.Context, ev Event) error {
	return r.publish(bus.BroadcastSubject(r.prefix), ev)
}

func (r *NATSRouter) publish(subject string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.Name, err)
	}
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", ev.Name, subject, err)
	}
	return nil
}

// Close unsubscribes the router. The connection itself is owned
// by the caller.
func (r *NATSRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	r.subs = nil
	return errors.Join(errs...)
}

func decodeBusEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Name == "" {
		return Event{}, errors.New("event name is empty")
	}
	return ev, nil
}
