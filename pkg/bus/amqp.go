package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
)

// AMQP is a Bus backed by a RabbitMQ topic exchange. Topics map onto routing
// keys by replacing "/" with "."; patterns map "+" to "*" while "#" carries
// over unchanged.
type AMQP struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     Config
	closed  bool
}

// NewAMQP connects to RabbitMQ and declares the topic exchange.
func NewAMQP(ctx context.Context, cfg Config) (*AMQP, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "dispatch"
	}
	cfg.Exchange = exchange

	if err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	b := &AMQP{conn: conn, channel: channel, cfg: cfg}

	connClose := make(chan *amqp.Error, 1)
	chanClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(connClose)
	channel.NotifyClose(chanClose)
	go b.monitorClose(connClose, chanClose)

	logger.Info("RabbitMQ bus connected",
		zap.String("url", cfg.URL),
		zap.String("exchange", exchange),
	)
	return b, nil
}

func (b *AMQP) monitorClose(connClose, chanClose chan *amqp.Error) {
	var err *amqp.Error
	select {
	case err = <-connClose:
	case err = <-chanClose:
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	if err != nil {
		logger.Error("RabbitMQ connection closed", zap.Error(err))
	} else {
		logger.Debug("RabbitMQ connection closed gracefully")
	}
}

// Publish sends the payload through the topic exchange.
func (b *AMQP) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()

	if closed || channel == nil {
		recordPublish("amqp", ErrClosed)
		return ErrClosed
	}

	err := channel.PublishWithContext(
		ctx,
		b.cfg.Exchange,
		toRoutingKey(topic),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.New().String(),
			Timestamp:   time.Now().UTC(),
			Body:        payload,
		},
	)
	recordPublish("amqp", err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe declares a durable queue bound to the pattern and consumes it.
// Handler errors drop the delivery; the engine treats redeliveries and
// duplicates as the same problem, so poison messages must not loop.
func (b *AMQP) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()

	if closed || channel == nil {
		return ErrClosed
	}

	queueName := consumerName(b.cfg.ConsumerPrefix, pattern)
	q, err := channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := channel.QueueBind(q.Name, toRoutingKey(pattern), b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	msgs, err := channel.Consume(
		q.Name,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer %s: %w", queueName, err)
	}

	go func() {
		for d := range msgs {
			recordDelivery("amqp")
			delivery := Message{
				Topic:      fromRoutingKey(d.RoutingKey),
				Payload:    d.Body,
				ReceivedAt: time.Now().UTC(),
			}
			if err := handler(ctx, delivery); err != nil {
				recordHandlerError("amqp")
				logger.Warn("message handler error, dropping delivery",
					zap.String("topic", delivery.Topic),
					zap.Error(err),
				)
				d.Nack(false, false)
				continue
			}
			d.Ack(false)
		}
	}()

	logger.Info("subscribed",
		zap.String("pattern", pattern),
		zap.String("queue", queueName),
	)
	return nil
}

// Healthy reports whether the connection and channel are open.
func (b *AMQP) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.conn != nil && !b.conn.IsClosed() && b.channel != nil && !b.channel.IsClosed()
}

// Close shuts down the channel and connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channel := b.channel
	conn := b.conn
	b.channel = nil
	b.conn = nil
	b.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			logger.Error("error closing channel", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	logger.Info("RabbitMQ bus closed")
	return nil
}
