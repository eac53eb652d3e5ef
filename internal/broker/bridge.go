// Package broker pushes notifications published on an external broker into
// the local connection registry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/protocol"
)

// BrokerError wraps a failure to reach the broker. Returned from Start it
// means the process must not begin serving.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// ErrNotStarted is returned by Run when Start has not succeeded.
var ErrNotStarted = errors.New("broker: bridge not started")

var errBridgeClosed = errors.New("broker: bridge closed")

// Delivery is one message taken from the broker.
type Delivery struct {
	RoutingKey string
	Body       []byte
	ack        func() error
}

// NewDelivery builds a Delivery whose Ack calls ack. A nil ack is a no-op.
func NewDelivery(routingKey string, body []byte, ack func() error) Delivery {
	return Delivery{RoutingKey: routingKey, Body: body, ack: ack}
}

// Ack acknowledges the message to the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Source is a subscription on the broker. Open connects and subscribes; the
// returned channel is closed when the connection is lost or Close is called.
type Source interface {
	Open(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// Fanout is the part of the registry the bridge delivers into.
type Fanout interface {
	SendToUser(userID string, msg protocol.Outbound) int
	SendToRoom(room string, msg protocol.Outbound, excludeID string) int
	Broadcast(msg protocol.Outbound, excludeID string) int
}

// Bridge consumes a Source and turns each envelope into a registry send.
type Bridge struct {
	source  Source
	fanout  Fanout
	logger  *zap.Logger
	metrics *metrics.Metrics

	reconnectMin time.Duration
	reconnectMax time.Duration

	mu         sync.Mutex
	deliveries <-chan Delivery
	closed     atomic.Bool
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithReconnect bounds the exponential backoff used after the connection
// drops.
func WithReconnect(initial, limit time.Duration) Option {
	return func(b *Bridge) {
		if initial > 0 {
			b.reconnectMin = initial
		}
		if limit >= b.reconnectMin {
			b.reconnectMax = limit
		}
	}
}

// WithMetrics counts consumed messages by envelope type.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge relays deliveries from source into fanout. Call Start, then Run.
func NewBridge(source Source, fanout Fanout, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		source:       source,
		fanout:       fanout,
		logger:       logger.Named("broker"),
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start performs the first connection. Its failure is fatal to the caller.
func (b *Bridge) Start(ctx context.Context) error {
	deliveries, err := b.source.Open(ctx)
	if err != nil {
		return &BrokerError{Op: "connect", Err: err}
	}
	b.mu.Lock()
	b.deliveries = deliveries
	b.mu.Unlock()
	b.logger.Info("broker connected")
	return nil
}

// Run consumes until ctx is canceled or Close is called. A lost connection
// is logged and reopened with exponential backoff.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	deliveries := b.deliveries
	b.mu.Unlock()
	if deliveries == nil {
		return ErrNotStarted
	}

	for {
		b.consume(ctx, deliveries)
		if ctx.Err() != nil || b.closed.Load() {
			return nil
		}

		b.logger.Warn("broker connection lost, reconnecting")
		next, err := b.reconnect(ctx)
		if err != nil {
			// only cancellation or Close stops the retry loop
			return nil
		}
		deliveries = next
	}
}

func (b *Bridge) consume(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.Handle(d)
		}
	}
}

func (b *Bridge) reconnect(ctx context.Context) (<-chan Delivery, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.reconnectMin
	policy.MaxInterval = b.reconnectMax
	policy.MaxElapsedTime = 0

	var deliveries <-chan Delivery
	operation := func() error {
		if b.closed.Load() {
			return backoff.Permanent(errBridgeClosed)
		}
		d, err := b.source.Open(ctx)
		if err != nil {
			return err
		}
		deliveries = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("broker reconnect failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	b.logger.Info("broker reconnected")
	return deliveries, nil
}

// Handle delivers one message locally and then acknowledges it, whether or
// not any socket write succeeded. It returns the number of sockets reached.
func (b *Bridge) Handle(d Delivery) int {
	delivered := b.deliver(d)
	if err := d.Ack(); err != nil {
		b.logger.Warn("error acknowledging broker message", zap.String("routing_key", d.RoutingKey), zap.Error(err))
	}
	return delivered
}

func (b *Bridge) deliver(d Delivery) int {
	env, err := protocol.DecodeBrokerEnvelope(d.Body)
	if err != nil {
		b.metrics.BrokerMessage("invalid")
		b.logger.Warn("dropping undecodable broker message", zap.String("routing_key", d.RoutingKey), zap.Error(err))
		return 0
	}

	msg := protocol.NewNotification(env.Data)
	var delivered int
	switch env.Type {
	case protocol.BrokerUserNotification:
		delivered = b.fanout.SendToUser(env.Target, msg)
	case protocol.BrokerRoomNotification:
		delivered = b.fanout.SendToRoom(env.Target, msg, "")
	case protocol.BrokerBroadcast:
		delivered = b.fanout.Broadcast(msg, "")
	default:
		b.metrics.BrokerMessage("unknown")
		b.logger.Warn("unknown broker message type", zap.String("type", env.Type), zap.String("routing_key", d.RoutingKey))
		return 0
	}

	b.metrics.BrokerMessage(env.Type)
	b.logger.Debug("broker message delivered",
		zap.String("type", env.Type),
		zap.String("target", env.Target),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// Close stops the source. A running Run returns once the source has
// drained instead of reconnecting.
func (b *Bridge) Close() error {
	b.closed.Store(true)
	return b.source.Close()
}
