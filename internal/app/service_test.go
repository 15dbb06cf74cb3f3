package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pulseboard/api/internal/audit"
	"pulseboard/api/internal/authpw"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/export"
	"pulseboard/api/internal/notify"
	"pulseboard/api/internal/pubsub"
	"pulseboard/api/internal/realtime"
	"pulseboard/api/internal/snapshot"
	"pulseboard/api/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store, shared by
// the app tests. Function fields override individual methods.
type fakeStore struct {
	mu sync.Mutex

	tenants       map[string]store.Tenant
	users         map[string]store.User
	reports       map[string]store.Report
	notifications map[string]store.Notification
	refresh       map[string]refreshRecord
	snapshots     []store.SessionSnapshot
	auditEvents   []store.AuditEvent
	resets        map[string]string // token -> userID

	pingFn func(context.Context) error
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:       make(map[string]store.Tenant),
		users:         make(map[string]store.User),
		reports:       make(map[string]store.Report),
		notifications: make(map[string]store.Notification),
		refresh:       make(map[string]refreshRecord),
		resets:        make(map[string]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureTenant(ctx context.Context, tenant store.Tenant) (store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.tenants[tenant.ID]; ok {
		return existing, nil
	}
	f.tenants[tenant.ID] = tenant
	return tenant, nil
}

func (f *fakeStore) GetTenant(ctx context.Context, tenantID string) (store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenant, ok := f.tenants[tenantID]
	if !ok {
		return store.Tenant{}, sql.ErrNoRows
	}
	return tenant, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	user, ok := f.users[record.userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) ListReports(ctx context.Context, tenantID string) ([]store.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Report
	for _, r := range f.reports {
		if r.TenantID == tenantID {
			items = append(items, r)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetReport(ctx context.Context, tenantID, reportID string) (store.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[reportID]
	if !ok || r.TenantID != tenantID {
		return store.Report{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) GetReportByID(ctx context.Context, reportID string) (store.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[reportID]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) InsertReport(ctx context.Context, item store.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[item.ID] = item
	return nil
}

func (f *fakeStore) TouchReport(ctx context.Context, tenantID, reportID, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[reportID]
	if !ok || r.TenantID != tenantID {
		return sql.ErrNoRows
	}
	r.UpdatedBy = updatedBy
	r.UpdatedAt = time.Now()
	f.reports[reportID] = r
	return nil
}

func (f *fakeStore) InsertSessionSnapshot(ctx context.Context, snap store.SessionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) ListSessionSnapshots(ctx context.Context, reportID string, limit int) ([]store.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.SessionSnapshot
	for i := len(f.snapshots) - 1; i >= 0; i-- {
		if f.snapshots[i].ReportID == reportID {
			items = append(items, f.snapshots[i])
		}
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (f *fakeStore) InsertAuditEvent(ctx context.Context, event store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditEvents = append(f.auditEvents, event)
	return nil
}

func (f *fakeStore) ListAuditEvents(ctx context.Context, tenantID string, filter store.AuditFilter) ([]store.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.AuditEvent
	for i := len(f.auditEvents) - 1; i >= 0; i-- {
		event := f.auditEvents[i]
		if event.TenantID != tenantID {
			continue
		}
		if filter.Action != "" && event.Action != filter.Action {
			continue
		}
		items = append(items, event)
		if filter.Limit > 0 && len(items) >= filter.Limit {
			break
		}
	}
	return items, nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[n.ID] = n
	return nil
}

func (f *fakeStore) GetNotification(ctx context.Context, userID, notificationID string) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[notificationID]
	if !ok || n.UserID != userID {
		return store.Notification{}, sql.ErrNoRows
	}
	return n, nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, userID, readStatus string, before time.Time, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Notification
	for _, n := range f.notifications {
		if n.UserID != userID || !n.CreatedAt.Before(before) {
			continue
		}
		if readStatus == "read" && n.ReadAt == nil {
			continue
		}
		if readStatus == "unread" && n.ReadAt != nil {
			continue
		}
		items = append(items, n)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) ListNotificationsSince(ctx context.Context, userID, afterID string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	after, ok := f.notifications[afterID]
	var cutoff time.Time
	if ok {
		cutoff = after.CreatedAt
	}
	var items []store.Notification
	for _, n := range f.notifications {
		if n.UserID == userID && n.CreatedAt.After(cutoff) {
			items = append(items, n)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SetNotificationRead(ctx context.Context, userID, notificationID string, read bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[notificationID]
	if !ok || n.UserID != userID {
		return sql.ErrNoRows
	}
	if read {
		now := time.Now()
		n.ReadAt = &now
	} else {
		n.ReadAt = nil
	}
	f.notifications[notificationID] = n
	return nil
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	cfg := config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		RoomSendBuffer: 16,
		TypingTTL:      time.Second,
	}
	s := &Service{
		cfg:    cfg,
		store:  fs,
		notify: notify.NewService(fs, pubsub.NewMemory(), time.Second),
		audit:  audit.NewRecorder(fs),
		authpw: authpw.NewService(fs, defaultTenantID),
	}
	s.exporter = export.NewService(exportStore{store: fs})
	s.hub = realtime.NewHub(realtime.Options{
		SendBuffer:   cfg.RoomSendBuffer,
		TypingTTL:    cfg.TypingTTL,
		OnSessionEnd: s.handleSessionEnd,
	})
	t.Cleanup(s.Close)
	return s
}

func seedUser(fs *fakeStore, id, name, role string) store.User {
	user := store.User{
		ID:              id,
		DisplayName:     name,
		Email:           id + "@example.com",
		Role:            role,
		TenantID:        defaultTenantID,
		IsEmailVerified: true,
	}
	fs.users[id] = user
	return user
}

func seedReport(fs *fakeStore, id, tenantID, title string) store.Report {
	report := store.Report{
		ID:         id,
		TenantID:   tenantID,
		Title:      title,
		Status:     "active",
		Definition: `{"widgets":[]}`,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	fs.reports[id] = report
	return report
}

func TestCreateSessionAndRefreshRotation(t *testing.T) {
	fs := newFakeStore()
	seedUser(fs, "usr_1", "Avery", "member")
	svc := newTestService(t, fs)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if sess.TenantID != defaultTenantID {
		t.Fatalf("tenant = %q, want %q", sess.TenantID, defaultTenantID)
	}

	parsed, err := svc.SessionFromToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.UserName != "Avery" || parsed.Role != "member" {
		t.Fatalf("claims mismatch: %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == sess.RefreshToken {
		t.Fatal("refresh token must rotate")
	}

	// The old refresh token is single-use.
	if _, err := svc.Refresh(ctx, sess.RefreshToken); err == nil {
		t.Fatal("stale refresh token should be rejected")
	}
}

func TestSessionFromTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	if _, err := svc.SessionFromToken(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestHandleSessionEndPersistsSnapshot(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	svc := newTestService(t, fs)
	svc.snapshots = snapshot.New(t.TempDir())

	doc := json.RawMessage(`{"widgets":[{"type":"note","title":"n","text":"t"}]}`)
	svc.handleSessionEnd(realtime.SessionSummary{
		Key:         realtime.RoomKey{Kind: "report", ID: "rep_1"},
		SessionID:   "sess_abc",
		ChangeCount: 3,
		LastDoc:     doc,
		Actors:      []string{"Avery", "Blake"},
		StartedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
	})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.snapshots) != 1 {
		t.Fatalf("expected 1 snapshot row, have %d", len(fs.snapshots))
	}
	snap := fs.snapshots[0]
	if snap.ReportID != "rep_1" || snap.SessionID != "sess_abc" || snap.ChangeCount != 3 {
		t.Fatalf("snapshot row mismatch: %+v", snap)
	}
	if snap.CommitHash == "" {
		t.Fatal("expected a commit hash for a session with changes")
	}
	if snap.Actor != "Avery" {
		t.Fatalf("actor = %q, want first actor Avery", snap.Actor)
	}
	if fs.reports["rep_1"].UpdatedBy != "Avery" {
		t.Fatalf("report should be touched by the session actor, got %q", fs.reports["rep_1"].UpdatedBy)
	}
}

func TestHandleSessionEndNoChangesSkipsCommit(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	svc := newTestService(t, fs)
	svc.snapshots = snapshot.New(t.TempDir())

	svc.handleSessionEnd(realtime.SessionSummary{
		Key:       realtime.RoomKey{Kind: "report", ID: "rep_1"},
		SessionID: "sess_view",
	})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.snapshots) != 1 {
		t.Fatalf("expected the session row even without changes, have %d", len(fs.snapshots))
	}
	if fs.snapshots[0].CommitHash != "" {
		t.Fatalf("view-only session should not commit, hash %q", fs.snapshots[0].CommitHash)
	}
}

func TestPublishRoomEventEnforcesRoles(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	svc := newTestService(t, fs)

	viewer := Session{UserID: "usr_v", UserName: "Viewer", Role: "viewer", TenantID: defaultTenantID}
	key := realtime.RoomKey{Kind: "report", ID: "rep_1"}

	err := svc.PublishRoomEvent(context.Background(), viewer, key, realtime.ClientEvent{
		Type:    realtime.EventDocChange,
		Payload: json.RawMessage(`{}`),
	}, "conn-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("viewer doc.change should be FORBIDDEN, got %v", err)
	}

	err = svc.PublishRoomEvent(context.Background(), viewer, key, realtime.ClientEvent{
		Type: "presence.join",
	}, "conn-1")
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("presence events are hub-owned, got %v", err)
	}

	member := Session{UserID: "usr_m", UserName: "Member", Role: "member", TenantID: defaultTenantID}
	if err := svc.PublishRoomEvent(context.Background(), member, key, realtime.ClientEvent{
		Type:    realtime.EventCursorMove,
		Payload: json.RawMessage(`{"x":1}`),
	}, "conn-2"); err != nil {
		t.Fatalf("member cursor.move: %v", err)
	}
}

func TestCommentMentionCreatesNotification(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	seedUser(fs, "usr_author", "Avery", "member")
	seedUser(fs, "usr_mention", "Blake", "member")
	svc := newTestService(t, fs)

	author := Session{UserID: "usr_author", UserName: "Avery", Role: "member", TenantID: defaultTenantID}
	key := realtime.RoomKey{Kind: "report", ID: "rep_1"}

	payload, _ := json.Marshal(map[string]any{
		"text":     "What happened here @Blake?",
		"mentions": []string{"usr_mention", "usr_author"},
	})
	if err := svc.PublishRoomEvent(context.Background(), author, key, realtime.ClientEvent{
		Type:    realtime.EventCommentNew,
		Payload: payload,
	}, "conn-1"); err != nil {
		t.Fatalf("publish comment: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	var mentions []store.Notification
	for _, n := range fs.notifications {
		if n.Kind == "mention" {
			mentions = append(mentions, n)
		}
	}
	if len(mentions) != 1 {
		t.Fatalf("expected exactly one mention notification (self-mentions skipped), have %d", len(mentions))
	}
	n := mentions[0]
	if n.UserID != "usr_mention" {
		t.Fatalf("mention should target usr_mention, got %s", n.UserID)
	}
	if n.Resource != "report:rep_1" {
		t.Fatalf("mention resource = %q", n.Resource)
	}
}
