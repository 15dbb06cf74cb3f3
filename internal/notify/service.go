// Package notify persists inbox notifications and delivers them live
// over server-sent events. Creation publishes to the owner's pubsub
// channel; the stream endpoint replays missed rows from Postgres before
// going live so reconnecting clients lose nothing.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"pulseboard/api/internal/pubsub"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/util"
)

type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) error
	GetNotification(ctx context.Context, userID, notificationID string) (store.Notification, error)
	ListNotifications(ctx context.Context, userID, readStatus string, before time.Time, limit int) ([]store.Notification, error)
	ListNotificationsSince(ctx context.Context, userID, afterID string, limit int) ([]store.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	SetNotificationRead(ctx context.Context, userID, notificationID string, read bool) error
}

type Service struct {
	store     Store
	ps        pubsub.Pubsub
	heartbeat time.Duration
}

func NewService(s Store, ps pubsub.Pubsub, heartbeat time.Duration) *Service {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Service{store: s, ps: ps, heartbeat: heartbeat}
}

// Notification is the wire shape for notification payloads.
type Notification struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func toWire(n store.Notification) Notification {
	return Notification{
		ID:        n.ID,
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Resource:  n.Resource,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt,
	}
}

// Create persists the notification and publishes it on the owner's
// channel. Publish failures are logged, not returned: the row is stored
// and any stream replays it on reconnect.
func (s *Service) Create(ctx context.Context, n store.Notification) (store.Notification, error) {
	if n.ID == "" {
		n.ID = util.NewID("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		return store.Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	payload, err := json.Marshal(toWire(n))
	if err != nil {
		return store.Notification{}, fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.ps.Publish(pubsub.NotificationChannel(n.UserID), payload); err != nil {
		log.Printf(`{"msg":"notify: publish failed","user":"%s","error":"%v"}`, n.UserID, err)
	}
	return n, nil
}

// ListResult is the inbox page plus the unread badge count.
type ListResult struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

func (s *Service) List(ctx context.Context, userID, readStatus string, before time.Time, limit int) (ListResult, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Second)
	}
	switch readStatus {
	case "", "all":
		readStatus = "all"
	case "read", "unread":
	default:
		return ListResult{}, fmt.Errorf("read status must be read, unread or all")
	}

	items, err := s.store.ListNotifications(ctx, userID, readStatus, before, limit)
	if err != nil {
		return ListResult{}, err
	}
	unread, err := s.store.CountUnreadNotifications(ctx, userID)
	if err != nil {
		return ListResult{}, err
	}

	wire := make([]Notification, 0, len(items))
	for _, item := range items {
		wire = append(wire, toWire(item))
	}
	return ListResult{Notifications: wire, UnreadCount: unread}, nil
}

// SetRead toggles read status and returns the updated notification with
// the new unread count.
func (s *Service) SetRead(ctx context.Context, userID, notificationID string, read bool) (Notification, int, error) {
	if err := s.store.SetNotificationRead(ctx, userID, notificationID, read); err != nil {
		return Notification{}, 0, err
	}
	updated, err := s.store.GetNotification(ctx, userID, notificationID)
	if err != nil {
		return Notification{}, 0, err
	}
	unread, err := s.store.CountUnreadNotifications(ctx, userID)
	if err != nil {
		return Notification{}, 0, err
	}
	return toWire(updated), unread, nil
}

// ServeStream delivers notifications for userID as server-sent events.
// `Last-Event-ID` (or ?after=) replays missed notifications from the
// store before live delivery begins. Heartbeat frames keep proxies from
// idling the stream out and let clients detect dead connections.
func (s *Service) ServeStream(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so nothing created mid-replay is lost;
	// duplicates are possible on the boundary and clients dedupe by ID.
	live := make(chan []byte, 16)
	cancel, err := s.ps.Subscribe(pubsub.NotificationChannel(userID), func(_ context.Context, message []byte) {
		select {
		case live <- message:
		default:
			// Client is too slow; it reconnects with Last-Event-ID and
			// replays the gap from the store.
		}
	})
	if err != nil {
		log.Printf(`{"msg":"notify: stream subscribe failed","user":"%s","error":"%v"}`, userID, err)
		return
	}
	defer cancel()

	afterID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if afterID == "" {
		afterID = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if afterID != "" {
		missed, err := s.store.ListNotificationsSince(ctx, userID, afterID, 100)
		if err != nil {
			log.Printf(`{"msg":"notify: stream replay failed","user":"%s","error":"%v"}`, userID, err)
		}
		for _, n := range missed {
			payload, err := json.Marshal(toWire(n))
			if err != nil {
				continue
			}
			if err := writeFrame(w, "notification", n.ID, payload); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeFrame(w, "heartbeat", "", []byte("{}")); err != nil {
				return
			}
			flusher.Flush()
		case payload := <-live:
			var n Notification
			id := ""
			if err := json.Unmarshal(payload, &n); err == nil {
				id = n.ID
			}
			if err := writeFrame(w, "notification", id, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, event, id string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return nil
}
