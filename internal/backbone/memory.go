package backbone

import (
	"context"
	"sync"
)

const subscriberBuffer = 256

// Memory is an in-process backbone. Publish blocks while a subscriber's
// buffer is full, so slow consumers apply backpressure instead of losing data.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[chan []byte]struct{}
	closed bool
	done   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[chan []byte]struct{}),
		done: make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]chan []byte, 0, len(m.subs[topic]))
	for ch := range m.subs[topic] {
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		}
	}
	return nil
}

func (m *Memory) Consume(ctx context.Context, topic string, fn func(payload []byte)) error {
	ch := make(chan []byte, subscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[chan []byte]struct{})
	}
	m.subs[topic][ch] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs[topic], ch)
		m.mu.Unlock()
	}()

	for {
		select {
		case msg := <-ch:
			fn(msg)
		case <-ctx.Done():
			return nil
		case <-m.done:
			return ErrClosed
		}
	}
}

// Subscribers reports how many consumers are attached to topic
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Close is idempotent
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
