package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/resilience"
)

// Publisher wraps a Bus with the outbound retry policy. A failed publish is
// retried on a fixed exponential schedule (250ms, 1s, capped at 4s by
// default) with no jitter, then logged and surfaced to the caller; engine
// flows treat that surface as advisory and keep going.
type Publisher struct {
	bus   Bus
	retry resilience.RetryConfig
}

// NewPublisher builds a Publisher with the given attempt budget and initial
// backoff. Zero values fall back to 3 attempts from 250ms.
func NewPublisher(b Bus, attempts int, initialBackoff time.Duration) *Publisher {
	if attempts <= 0 {
		attempts = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = 250 * time.Millisecond
	}
	return &Publisher{
		bus: b,
		retry: resilience.RetryConfig{
			MaxAttempts:       attempts,
			InitialBackoff:    initialBackoff,
			MaxBackoff:        initialBackoff * 16,
			BackoffMultiplier: 4.0,
			EnableJitter:      false,
		},
	}
}

// Publish sends the payload, retrying transient failures.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := resilience.RetryWithName(ctx, p.retry, func(ctx context.Context) (interface{}, error) {
		return nil, p.bus.Publish(ctx, topic, payload)
	}, "bus-publish")
	if err != nil {
		logger.ErrorContext(ctx, "publish failed after retries",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// PublishJSON marshals the value and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.ErrorContext(ctx, "failed to marshal payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, payload)
}

// Bus exposes the wrapped transport, mainly for health checks.
func (p *Publisher) Bus() Bus {
	return p.bus
}
