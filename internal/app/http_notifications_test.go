package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pulseboard/api/internal/store"
)

func seedNotification(fs *fakeStore, id, userID string, read bool, createdAt time.Time) {
	n := store.Notification{
		ID:        id,
		UserID:    userID,
		TenantID:  defaultTenantID,
		Kind:      "mention",
		Title:     "Avery mentioned you",
		CreatedAt: createdAt,
	}
	if read {
		readAt := createdAt.Add(time.Minute)
		n.ReadAt = &readAt
	}
	fs.notifications[id] = n
}

func TestListNotificationsWithUnreadCount(t *testing.T) {
	fs := newFakeStore()
	now := time.Now()
	seedNotification(fs, "ntf_1", "usr_1", false, now.Add(-3*time.Minute))
	seedNotification(fs, "ntf_2", "usr_1", true, now.Add(-2*time.Minute))
	seedNotification(fs, "ntf_3", "usr_1", false, now.Add(-time.Minute))
	seedNotification(fs, "ntf_other", "usr_2", false, now)
	server := NewHTTPServer(newTestService(t, fs), "*")

	rr := authedGet(t, server, "/api/notifications", bearerFor(t, "usr_1", "Avery", "member"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rr.Code, rr.Body.String())
	}

	var payload struct {
		Notifications []map[string]any `json:"notifications"`
		UnreadCount   int              `json:"unreadCount"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(payload.Notifications) != 3 {
		t.Fatalf("expected 3 own notifications, got %d", len(payload.Notifications))
	}
	if payload.Notifications[0]["id"] != "ntf_3" {
		t.Fatalf("newest first, got %v", payload.Notifications[0]["id"])
	}
	if payload.UnreadCount != 2 {
		t.Fatalf("unreadCount = %d, want 2", payload.UnreadCount)
	}

	// Filtered view.
	rr = authedGet(t, server, "/api/notifications?read=unread", bearerFor(t, "usr_1", "Avery", "member"))
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(payload.Notifications) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(payload.Notifications))
	}

	rr = authedGet(t, server, "/api/notifications?read=sideways", bearerFor(t, "usr_1", "Avery", "member"))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad filter status %d, want 422", rr.Code)
	}
}

func TestMarkNotificationReadRoundTrip(t *testing.T) {
	fs := newFakeStore()
	seedNotification(fs, "ntf_1", "usr_1", false, time.Now().Add(-time.Minute))
	server := NewHTTPServer(newTestService(t, fs), "*")

	body := bytes.NewBufferString(`{"read":true}`)
	req := httptest.NewRequest(http.MethodPut, "/api/notifications/ntf_1/read-status", body)
	req.Header.Set("Authorization", "Bearer "+bearerFor(t, "usr_1", "Avery", "member"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Notification map[string]any `json:"notification"`
		UnreadCount  int            `json:"unreadCount"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload.Notification["readAt"] == nil {
		t.Fatal("readAt should be set")
	}
	if payload.UnreadCount != 0 {
		t.Fatalf("unreadCount = %d, want 0", payload.UnreadCount)
	}
}

func TestMarkNotificationReadOtherUsersIsNotFound(t *testing.T) {
	fs := newFakeStore()
	seedNotification(fs, "ntf_1", "usr_other", false, time.Now())
	server := NewHTTPServer(newTestService(t, fs), "*")

	body := bytes.NewBufferString(`{"read":true}`)
	req := httptest.NewRequest(http.MethodPut, "/api/notifications/ntf_1/read-status", body)
	req.Header.Set("Authorization", "Bearer "+bearerFor(t, "usr_1", "Avery", "member"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-user read-status should 404, got %d", rr.Code)
	}
}
