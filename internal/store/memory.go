package store

import (
	"context"
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/message"
)

// Memory keeps messages in process memory. Ids start at 1 and are never
// reused. When a limit is set, the oldest messages are evicted first.
type Memory struct {
	mu       sync.RWMutex
	limit    int
	nextID   int
	order    []int
	messages map[int]*message.Message
}

// NewMemory creates an in-memory store holding at most limit messages.
// A limit of zero or less means unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{
		limit:    limit,
		nextID:   1,
		messages: make(map[int]*message.Message),
	}
}

// Add implements Store.
func (m *Memory) Add(_ context.Context, msg *message.Message) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	msg.ID = &id
	m.messages[id] = msg
	m.order = append(m.order, id)

	for m.limit > 0 && len(m.order) > m.limit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.messages, oldest)
	}

	return id, nil
}

// List implements Store.
func (m *Memory) List(_ context.Context) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*message.Message, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.messages[id])
	}
	return out, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id int) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteAll implements Store.
func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order = nil
	m.messages = make(map[int]*message.Message)
	return nil
}

// Name implements Store.
func (m *Memory) Name() string {
	return "memory"
}
