package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

// Memory keeps events in emission order. It is both an Emitter and a
// Storage, so it can sit behind a Journal in standalone mode.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

func (m *Memory) WriteBatch(_ context.Context, events []Event) error {
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// OfType filters recorded events by type.
func (m *Memory) OfType(t EventType) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

// Fanout delivers each event to every emitter.
type Fanout []Emitter

func (f Fanout) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	for _, e := range f {
		e.Emit(event)
	}
}

// Discard drops events.
type Discard struct{}

func (Discard) Emit(Event) {}

// List returns up to limit events of one grant, oldest first.
func (m *Memory) List(_ context.Context, key domain.PolicyKey, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.Principal != key.Principal || e.StrategyID != key.StrategyID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
