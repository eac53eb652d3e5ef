package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig names the topology the source declares before consuming.
type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	// Prefetch caps unacknowledged deliveries in flight. Zero means 64.
	Prefetch int
}

// AMQPSource consumes a durable queue bound to a durable topic exchange.
type AMQPSource struct {
	cfg    AMQPConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewAMQPSource returns a source for cfg. Nothing is dialled until Open.
func NewAMQPSource(cfg AMQPConfig, logger *zap.Logger) *AMQPSource {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 64
	}
	return &AMQPSource{cfg: cfg, logger: logger.Named("amqp")}
}

// Open dials the broker, declares the exchange, queue and binding, and
// starts a manual-ack consumer.
func (s *AMQPSource) Open(ctx context.Context) (<-chan Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	in, err := s.subscribe(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		forwardAMQP(ctx, in, out)
		s.logger.Debug("amqp consumer stopped")
	}()
	return out, nil
}

func (s *AMQPSource) subscribe(conn *amqp.Connection) (<-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", s.cfg.Queue, err)
	}
	if err := ch.QueueBind(q.Name, s.cfg.BindingKey, s.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	s.logger.Info("consuming notifications",
		zap.String("exchange", s.cfg.Exchange),
		zap.String("queue", q.Name),
		zap.String("binding_key", s.cfg.BindingKey),
	)
	return deliveries, nil
}

// forwardAMQP copies in to out until in is closed or ctx ends, then closes out.
func forwardAMQP(ctx context.Context, in <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- fromAMQP(d):
			case <-ctx.Done():
				return
			}
		}
	}
}

func fromAMQP(d amqp.Delivery) Delivery {
	return NewDelivery(d.RoutingKey, d.Body, func() error { return d.Ack(false) })
}

// Close closes the connection, which ends the consumer.
func (s *AMQPSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
