package pubsub

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Pubsub backed by Redis pub/sub so published events reach
// every API replica, not just the one that produced them.
type Redis struct {
	client *redis.Client
	ps     *redis.PubSub
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	listeners map[string]map[uuid.UUID]Listener
}

// NewRedis creates a Redis-backed Pubsub sharing an existing client.
func NewRedis(client *redis.Client) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:    client,
		ps:        client.Subscribe(ctx),
		cancel:    cancel,
		listeners: make(map[string]map[uuid.UUID]Listener),
	}
	go r.run(ctx)
	return r
}

func (r *Redis) run(ctx context.Context) {
	for msg := range r.ps.Channel() {
		r.mu.RLock()
		subscribers := r.listeners[msg.Channel]
		handlers := make([]Listener, 0, len(subscribers))
		for _, listener := range subscribers {
			handlers = append(handlers, listener)
		}
		r.mu.RUnlock()

		for _, listener := range handlers {
			listener(ctx, []byte(msg.Payload))
		}
	}
}

func (r *Redis) Subscribe(channel string, listener Listener) (cancel func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("pubsub closed")
	}

	subscribers, ok := r.listeners[channel]
	if !ok {
		if err := r.ps.Subscribe(context.Background(), channel); err != nil {
			return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
		subscribers = make(map[uuid.UUID]Listener)
		r.listeners[channel] = subscribers
	}
	id := uuid.New()
	subscribers[id] = listener

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners[channel], id)
		if len(r.listeners[channel]) == 0 {
			delete(r.listeners, channel)
			if !r.closed {
				if err := r.ps.Unsubscribe(context.Background(), channel); err != nil {
					log.Printf("pubsub: unsubscribe %s: %v", channel, err)
				}
			}
		}
	}, nil
}

func (r *Redis) Publish(channel string, message []byte) error {
	if err := r.client.Publish(context.Background(), channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.listeners = make(map[string]map[uuid.UUID]Listener)
	r.mu.Unlock()

	r.cancel()
	return r.ps.Close()
}
