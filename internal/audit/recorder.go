// Package audit records append-only audit events without blocking the
// request path. Events are buffered and written by a single goroutine;
// when the buffer is full the event is dropped and counted rather than
// stalling the caller.
package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"pulseboard/api/internal/store"
)

type eventStore interface {
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
}

type Recorder struct {
	store   eventStore
	events  chan store.AuditEvent
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

const defaultBuffer = 256

// NewRecorder starts the writer goroutine. Close flushes and stops it.
func NewRecorder(s eventStore) *Recorder {
	r := &Recorder{
		store:  s,
		events: make(chan store.AuditEvent, defaultBuffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an audit event. Never blocks: a full buffer drops the
// event and bumps the dropped counter.
func (r *Recorder) Record(event store.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events, drains the buffer, and waits for the
// writer to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.InsertAuditEvent(ctx, event); err != nil {
			log.Printf(`{"msg":"audit: insert failed","action":"%s","error":"%v"}`, event.Action, err)
		}
		cancel()
	}
}
