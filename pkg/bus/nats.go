package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
)

// streamSubjects is the subject space the engine owns.
var streamSubjects = []string{"drivers.>", "jobs.>", "taxi.>", "pubs.>"}

// NATS is a Bus backed by NATS JetStream. Topics map onto subjects by
// replacing "/" with "." ("jobs/abc/bid" -> "jobs.abc.bid"); patterns map
// "+" to "*" and "#" to ">".
type NATS struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
	subs []jetstream.ConsumeContext
}

// NewNATS connects to NATS and ensures the JetStream stream exists.
func NewNATS(ctx context.Context, cfg Config) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ConsumerPrefix),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  streamSubjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	logger.Info("NATS bus connected",
		zap.String("url", cfg.URL),
		zap.String("stream", streamName),
	)

	return &NATS{conn: nc, js: js, cfg: cfg}, nil
}

// Publish sends the payload with JetStream guarantees. Every message carries
// a fresh MsgID so the server-side dedupe window can drop redelivered copies.
func (b *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.js.Publish(ctx, toSubject(topic), payload,
		jetstream.WithMsgID(uuid.New().String()),
	)
	recordPublish("nats", err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates a durable consumer for the pattern and processes its
// deliveries with the handler. Handler errors trigger redelivery.
func (b *NATS) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	streamName := b.cfg.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}
	name := consumerName(b.cfg.ConsumerPrefix, pattern)

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: toSubject(pattern),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		recordDelivery("nats")
		delivery := Message{
			Topic:      fromSubject(msg.Subject()),
			Payload:    msg.Data(),
			ReceivedAt: time.Now().UTC(),
		}
		if err := handler(ctx, delivery); err != nil {
			recordHandlerError("nats")
			logger.Warn("message handler error, will retry",
				zap.String("topic", delivery.Topic),
				zap.Error(err),
			)
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}

	b.subs = append(b.subs, cc)
	logger.Info("subscribed",
		zap.String("pattern", pattern),
		zap.String("consumer", name),
	)
	return nil
}

// Healthy reports whether the NATS connection is active.
func (b *NATS) Healthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (b *NATS) Close() error {
	for _, sub := range b.subs {
		sub.Stop()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			return fmt.Errorf("drain nats connection: %w", err)
		}
	}
	logger.Info("NATS bus closed")
	return nil
}
