// Package pubsub provides publish/subscribe fan-out for realtime events.
// The memory implementation serves tests and single-node deployments; the
// Redis implementation lets notification and room events reach every API
// replica.
package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Listener receives a message published on a subscribed channel.
type Listener func(ctx context.Context, message []byte)

// Pubsub fans published messages out to channel subscribers.
type Pubsub interface {
	Subscribe(channel string, listener Listener) (cancel func(), err error)
	Publish(channel string, message []byte) error
	Close() error
}

// Channel name conventions. Everything realtime flows over these.
const (
	notifyPrefix = "notify:user:"
	roomPrefix   = "room:"
)

// NotificationChannel is the per-user channel for inbox notifications.
func NotificationChannel(userID string) string {
	return notifyPrefix + userID
}

// RoomChannel is the cross-replica relay channel for a collaboration room.
func RoomChannel(kind, id string) string {
	return roomPrefix + kind + ":" + id
}

// Memory is an in-process Pubsub. Exported so test code can type-check.
type Memory struct {
	mu        sync.RWMutex
	closed    bool
	listeners map[string]map[uuid.UUID]Listener
}

func NewMemory() *Memory {
	return &Memory{
		listeners: make(map[string]map[uuid.UUID]Listener),
	}
}

func (m *Memory) Subscribe(channel string, listener Listener) (cancel func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers, ok := m.listeners[channel]
	if !ok {
		subscribers = make(map[uuid.UUID]Listener)
		m.listeners[channel] = subscribers
	}
	id := uuid.New()
	subscribers[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[channel], id)
	}, nil
}

func (m *Memory) Publish(channel string, message []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subscribers, ok := m.listeners[channel]
	if !ok {
		return nil
	}
	var wg sync.WaitGroup
	for _, listener := range subscribers {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			l(context.Background(), message)
		}(listener)
	}
	wg.Wait()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = make(map[string]map[uuid.UUID]Listener)
	return nil
}
