package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/retry"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// RoomEvent is the wire envelope broadcast inside a collaboration room.
// Seq is strictly increasing per room; a gap means events were missed.
// Transient signals (cursor, typing) carry Seq 0 and sit outside the
// sequence, so they never register as gaps.
type RoomEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Seq     uint64          `json:"seq"`
	Actor   string          `json:"actor,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// RoomHandler receives room events in order.
type RoomHandler func(RoomEvent)

// ResyncFunc is called when a sequence gap is detected, i.e. the client
// missed events and should refetch the resource state.
type ResyncFunc func(missedFrom, missedTo uint64)

// RoomConn maintains a websocket connection to one room, rejoining with
// backoff after drops and flushing the offline queue on every rejoin.
type RoomConn struct {
	client   *Client
	kind, id string
	handler  RoomHandler
	onResync ResyncFunc
	queue    *OfflineQueue

	sendCh chan roomSend

	mu       sync.Mutex
	connDone chan struct{} // non-nil while a connection is live
}

type roomSend struct {
	event map[string]any
	errCh chan error
}

// Room prepares a connection to a collaboration room. queue may be nil
// when offline buffering is not wanted.
func (c *Client) Room(kind, id string, handler RoomHandler, onResync ResyncFunc, queue *OfflineQueue) *RoomConn {
	return &RoomConn{
		client:   c,
		kind:     kind,
		id:       id,
		handler:  handler,
		onResync: onResync,
		queue:    queue,
		sendCh:   make(chan roomSend),
	}
}

// Send submits a client event through the live connection; while
// disconnected it lands in the offline queue instead. On a live
// connection Send waits its turn rather than spilling into the queue,
// so a run loop busy dispatching inbound events never diverts work that
// could be delivered now.
func (rc *RoomConn) Send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	event := map[string]any{"type": typ, "payload": json.RawMessage(raw)}

	rc.mu.Lock()
	connDone := rc.connDone
	rc.mu.Unlock()

	if connDone != nil {
		errCh := make(chan error, 1)
		select {
		case rc.sendCh <- roomSend{event: event, errCh: errCh}:
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-connDone:
			// Connection dropped while waiting; buffer below.
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if rc.queue == nil {
		return fmt.Errorf("room disconnected")
	}
	rc.queue.Enqueue(Action{
		ID:       fmt.Sprintf("%s-%d", typ, time.Now().UnixNano()),
		Type:     typ,
		Payload:  raw,
		Priority: priorityFor(typ),
	})
	return nil
}

// Doc changes outrank comments, which outrank ephemeral signals.
func priorityFor(typ string) Priority {
	switch {
	case typ == "doc.change":
		return PriorityHigh
	case strings.HasPrefix(typ, "comment."):
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Run connects and keeps the room connection alive until ctx ends.
// Every successful rejoin flushes the offline queue before live sends
// resume, so buffered work lands in order.
func (rc *RoomConn) Run(ctx context.Context) error {
	lastSeq := uint64(0)
	for r := retry.New(250*time.Millisecond, 30*time.Second); r.Wait(ctx); {
		connectedAt := time.Now()
		seq, err := rc.runOnce(ctx, lastSeq)
		if seq > lastSeq {
			lastSeq = seq
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(connectedAt) >= streamHealthyAfter {
			r.Reset()
		}
		_ = err
	}
	return ctx.Err()
}

func (rc *RoomConn) runOnce(ctx context.Context, lastSeq uint64) (uint64, error) {
	wsURL, err := rc.socketURL()
	if err != nil {
		return lastSeq, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rc.client.http,
	})
	if err != nil {
		return lastSeq, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if rc.queue != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := rc.queue.Flush(flushCtx)
		cancel()
		if err != nil {
			return lastSeq, err
		}
	}

	// Mark the connection live so Send targets the socket; tear the
	// marker down before returning so racing Sends fall back to the
	// queue instead of blocking on a dead loop.
	connDone := make(chan struct{})
	rc.mu.Lock()
	rc.connDone = connDone
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		rc.connDone = nil
		rc.mu.Unlock()
		close(connDone)
	}()

	readCh := make(chan RoomEvent)
	readErr := make(chan error, 1)
	go func() {
		for {
			var ev RoomEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				readErr <- err
				return
			}
			select {
			case readCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return lastSeq, ctx.Err()
		case err := <-readErr:
			return lastSeq, err
		case ev := <-readCh:
			if ev.Seq > 0 {
				if lastSeq > 0 && ev.Seq > lastSeq+1 && rc.onResync != nil {
					rc.onResync(lastSeq+1, ev.Seq-1)
				}
				if ev.Seq > lastSeq {
					lastSeq = ev.Seq
				}
			}
			if rc.handler != nil {
				rc.handler(ev)
			}
		case send := <-rc.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, send.event)
			cancel()
			send.errCh <- err
			if err != nil {
				return lastSeq, err
			}
		}
	}
}

func (rc *RoomConn) socketURL() (string, error) {
	u, err := url.Parse(rc.client.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/api/rooms/%s/%s/ws", rc.kind, rc.id)
	q := u.Query()
	q.Set("token", rc.client.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
