package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/retry"
)

// StreamEvent is one server-sent event from the notification stream.
type StreamEvent struct {
	Type string
	ID   string
	Data []byte
}

// StreamHandler receives live events. Heartbeat frames are filtered out
// before the handler sees anything.
type StreamHandler func(StreamEvent)

// streamHealthyAfter is how long a connection must survive before the
// reconnect backoff resets. A server that accepts and immediately drops
// connections keeps backing off instead of hammering.
const streamHealthyAfter = 5 * time.Second

// StreamNotifications consumes the notification stream, reconnecting
// with backoff until ctx is cancelled. Resume is automatic: the last
// seen event ID is replayed to the server as Last-Event-ID so no
// notification is lost across drops.
func (c *Client) StreamNotifications(ctx context.Context, handler StreamHandler) error {
	lastEventID := ""
	for r := retry.New(250*time.Millisecond, 30*time.Second); r.Wait(ctx); {
		connectedAt := time.Now()
		id, err := c.consumeStream(ctx, lastEventID, handler)
		if id != "" {
			lastEventID = id
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

// consumeStream holds one connection open and dispatches its events,
// returning the last event ID it observed.
func (c *Client) consumeStream(ctx context.Context, lastEventID string, handler StreamHandler) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/notifications/stream", nil)
	if err != nil {
		return lastEventID, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return lastEventID, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return lastEventID, apiErr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event StreamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event.Type != "" || len(event.Data) > 0 {
				if event.ID != "" {
					lastEventID = event.ID
				}
				if event.Type != "heartbeat" {
					handler(event)
				}
			}
			event = StreamEvent{}
		case strings.HasPrefix(line, "id: "):
			event.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			event.Data = append(event.Data, strings.TrimPrefix(line, "data: ")...)
		case strings.HasPrefix(line, ":"):
			// comment frame, ignore
		}
	}
	if err := scanner.Err(); err != nil {
		return lastEventID, err
	}
	return lastEventID, fmt.Errorf("stream closed by server")
}
