package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig selects the subject and queue group of a NATS source. The
// subject uses the same wildcard as the AMQP binding key.
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
	// Buffer is the size of the subscription channel. Zero means 1024.
	Buffer int
}

// NATSSource is a core NATS queue subscription. Core NATS has no
// acknowledgements, so Ack is a no-op.
type NATSSource struct {
	cfg    NATSConfig
	logger *zap.Logger

	mu sync.Mutex
	nc *nats.Conn
}

// NewNATSSource returns a source for cfg. Nothing is dialled until Open.
func NewNATSSource(cfg NATSConfig, logger *zap.Logger) *NATSSource {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &NATSSource{cfg: cfg, logger: logger.Named("nats")}
}

// Open connects and joins the queue group on the configured subject.
func (s *NATSSource) Open(ctx context.Context) (<-chan Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	closed := make(chan struct{})
	var once sync.Once
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("realtime-notifications"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			once.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	in := make(chan *nats.Msg, s.cfg.Buffer)
	if _, err := nc.ChanQueueSubscribe(s.cfg.Subject, s.cfg.Queue, in); err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info("consuming notifications",
		zap.String("subject", s.cfg.Subject),
		zap.String("queue", s.cfg.Queue),
	)

	s.mu.Lock()
	s.nc = nc
	s.mu.Unlock()

	out := make(chan Delivery)
	go forwardNATS(ctx, closed, in, out)
	return out, nil
}

// forwardNATS copies in to out until the connection closes or ctx ends.
func forwardNATS(ctx context.Context, closed <-chan struct{}, in <-chan *nats.Msg, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case m := <-in:
			select {
			case out <- NewDelivery(m.Subject, m.Data, nil):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close closes the connection, which ends the subscription.
func (s *NATSSource) Close() error {
	s.mu.Lock()
	nc := s.nc
	s.nc = nil
	s.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}
