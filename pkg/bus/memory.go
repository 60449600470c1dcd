package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
)

// DefaultBufferSize bounds each subscriber's delivery queue when nothing
// else is configured.
const DefaultBufferSize = 8192

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Memory is an in-process Bus. Each subscriber gets its own bounded queue
// and delivery goroutine; when a queue fills the oldest message is dropped
// so a slow consumer can never stall publishers.
type Memory struct {
	mu     sync.RWMutex
	subs   []*memorySub
	buffer int
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	pattern string
	handler Handler
	ch      chan Message
	quit    chan struct{}
}

// NewMemory creates an in-process bus with the given per-subscriber buffer.
func NewMemory(bufferSize int) *Memory {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Memory{buffer: bufferSize}
}

// Publish delivers the payload to every matching subscriber without blocking.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		recordPublish("memory", ErrClosed)
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: payload, ReceivedAt: time.Now().UTC()}
	for _, sub := range m.subs {
		if !MatchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Queue full: evict the oldest entry and retry once.
			select {
			case <-sub.ch:
				recordDrop("memory")
				logger.Warn("subscriber queue full, dropped oldest message",
					zap.String("pattern", sub.pattern),
					zap.String("topic", topic),
				)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				recordDrop("memory")
			}
		}
	}

	recordPublish("memory", nil)
	return nil
}

// Subscribe registers a handler for a topic pattern. Deliveries for one
// subscription are processed in order by a dedicated goroutine.
func (m *Memory) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		handler: handler,
		ch:      make(chan Message, m.buffer),
		quit:    make(chan struct{}),
	}
	m.subs = append(m.subs, sub)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-sub.quit:
				return
			case msg := <-sub.ch:
				recordDelivery("memory")
				if err := sub.handler(ctx, msg); err != nil {
					recordHandlerError("memory")
					logger.Warn("message handler error",
						zap.String("topic", msg.Topic),
						zap.String("pattern", sub.pattern),
						zap.Error(err),
					)
				}
			}
		}
	}()

	return nil
}

// Healthy reports whether the bus accepts traffic.
func (m *Memory) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close stops all subscriber goroutines. Buffered but undelivered messages
// are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
	}
	m.wg.Wait()
	return nil
}
