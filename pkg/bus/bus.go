package bus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is a raw bus delivery. Payloads are opaque JSON; decoding belongs
// to the subscriber.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes a received message. Return nil to ack, error to nack.
type Handler func(ctx context.Context, msg Message) error

// Bus is the transport-neutral messaging surface. Topics are slash-separated
// ("jobs/a1b2c3d4e5f6/bid"); subscription patterns may use "+" to match one
// segment and "#" to match the remainder.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, handler Handler) error
	Healthy() bool
	Close() error
}

// New selects a transport by the URL scheme: nats://, amqp:// (or amqps://),
// and mem:// for the in-process bus.
func New(ctx context.Context, cfg Config) (Bus, error) {
	scheme := cfg.URL
	if i := strings.Index(scheme, "://"); i >= 0 {
		scheme = scheme[:i]
	}

	switch scheme {
	case "mem", "memory", "":
		return NewMemory(cfg.BufferSize), nil
	case "nats":
		return NewNATS(ctx, cfg)
	case "amqp", "amqps":
		return NewAMQP(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", scheme)
	}
}

// Config holds transport settings. StreamName applies to NATS, Exchange to
// AMQP, BufferSize to the in-process bus.
type Config struct {
	URL            string
	StreamName     string
	Exchange       string
	ConsumerPrefix string
	BufferSize     int
}

// MatchTopic reports whether a slash-separated topic matches a subscription
// pattern. "+" matches exactly one segment, "#" matches everything after it.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "#" {
		return true
	}

	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// toSubject maps a slash topic or pattern to NATS subject syntax.
func toSubject(topic string) string {
	s := strings.ReplaceAll(topic, "/", ".")
	s = strings.ReplaceAll(s, "+", "*")
	return strings.ReplaceAll(s, "#", ">")
}

// fromSubject maps a NATS subject back to the slash topic form.
func fromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// toRoutingKey maps a slash topic or pattern to AMQP routing-key syntax.
func toRoutingKey(topic string) string {
	s := strings.ReplaceAll(topic, "/", ".")
	return strings.ReplaceAll(s, "+", "*")
}

// fromRoutingKey maps an AMQP routing key back to the slash topic form.
func fromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// consumerName derives a stable, transport-safe consumer identity from a
// subscription pattern ("drivers/+/location" -> "prefix-drivers-any-location").
func consumerName(prefix, pattern string) string {
	s := strings.ReplaceAll(pattern, "+", "any")
	s = strings.ReplaceAll(s, "#", "all")
	s = strings.ReplaceAll(s, "/", "-")
	if prefix == "" {
		return s
	}
	return prefix + "-" + s
}
