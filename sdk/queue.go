package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Priority orders queued actions. Within a priority class delivery is
// strictly FIFO, and that holds across retries: a failed action goes
// back to the FRONT of its class, never behind work enqueued later.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

var priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Action is a unit of work captured while offline.
type Action struct {
	ID       string
	Type     string
	Payload  json.RawMessage
	Priority Priority
	Attempts int
}

// Sender delivers one action. Returning an error keeps the action in
// the queue for the next flush.
type Sender func(ctx context.Context, a Action) error

// DeadLetterFunc receives actions that exhausted their attempts.
type DeadLetterFunc func(a Action, err error)

// QueueOptions tunes the offline queue. Zero values get sane defaults.
type QueueOptions struct {
	// MaxAttempts is the number of flushes an action survives before it
	// is dead-lettered. Default 5.
	MaxAttempts int
	// OnDeadLetter is called with the dropped action. Optional.
	OnDeadLetter DeadLetterFunc
	// NewBackoff builds the per-action retry policy used inside a single
	// flush attempt. Default: short exponential, 3 tries.
	NewBackoff func() backoff.BackOff
}

// OfflineQueue buffers actions while the network is down and replays
// them in priority-then-FIFO order when Flush is called on reconnect.
type OfflineQueue struct {
	send Sender
	opts QueueOptions

	mu      sync.Mutex
	classes map[Priority][]Action
}

func NewOfflineQueue(send Sender, opts QueueOptions) *OfflineQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, 2)
		}
	}
	return &OfflineQueue{
		send:    send,
		opts:    opts,
		classes: make(map[Priority][]Action),
	}
}

func (q *OfflineQueue) Enqueue(a Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.classes[a.Priority] = append(q.classes[a.Priority], a)
}

// Len reports the number of queued actions across all classes.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, class := range q.classes {
		n += len(class)
	}
	return n
}

// Flush drains the queue, highest priority first. Each action is retried
// with backoff; if it still fails it returns to the front of its class
// and Flush stops, on the assumption the network dropped again. Actions
// that exceed MaxAttempts are handed to OnDeadLetter and removed.
func (q *OfflineQueue) Flush(ctx context.Context) error {
	for {
		action, ok := q.pop()
		if !ok {
			return nil
		}

		err := backoff.Retry(func() error {
			if err := q.send(ctx, action); err != nil {
				return err
			}
			return nil
		}, backoff.WithContext(q.opts.NewBackoff(), ctx))
		if err == nil {
			continue
		}

		action.Attempts++
		if action.Attempts >= q.opts.MaxAttempts {
			if q.opts.OnDeadLetter != nil {
				q.opts.OnDeadLetter(action, err)
			}
			continue
		}

		q.pushFront(action)
		return fmt.Errorf("flush stopped at action %s: %w", action.ID, err)
	}
}

// pop removes the head of the highest-priority non-empty class.
func (q *OfflineQueue) pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorities {
		class := q.classes[p]
		if len(class) == 0 {
			continue
		}
		action := class[0]
		q.classes[p] = class[1:]
		return action, true
	}
	return Action{}, false
}

// pushFront returns a failed action to the head of its class so retry
// never reorders it behind later work.
func (q *OfflineQueue) pushFront(a Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.classes[a.Priority] = append([]Action{a}, q.classes[a.Priority]...)
}
