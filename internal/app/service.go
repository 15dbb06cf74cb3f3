package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"pulseboard/api/internal/audit"
	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/authpw"
	"pulseboard/api/internal/blob"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/email"
	"pulseboard/api/internal/export"
	"pulseboard/api/internal/notify"
	"pulseboard/api/internal/pubsub"
	"pulseboard/api/internal/rbac"
	"pulseboard/api/internal/realtime"
	"pulseboard/api/internal/search"
	"pulseboard/api/internal/session"
	"pulseboard/api/internal/snapshot"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/util"
)

// defaultTenantID is where self-serve sign-ups land until invited into a
// real tenant.
const defaultTenantID = "tnt_default"

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	TenantID     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureTenant(ctx context.Context, tenant store.Tenant) (store.Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (store.Tenant, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	ListReports(ctx context.Context, tenantID string) ([]store.Report, error)
	GetReport(ctx context.Context, tenantID, reportID string) (store.Report, error)
	GetReportByID(ctx context.Context, reportID string) (store.Report, error)
	InsertReport(ctx context.Context, item store.Report) error
	TouchReport(ctx context.Context, tenantID, reportID, updatedBy string) error
	InsertSessionSnapshot(ctx context.Context, snap store.SessionSnapshot) error
	ListSessionSnapshots(ctx context.Context, reportID string, limit int) ([]store.SessionSnapshot, error)
	ListAuditEvents(ctx context.Context, tenantID string, filter store.AuditFilter) ([]store.AuditEvent, error)
}

// refreshStore is the Redis-backed refresh token store. When absent the
// service falls back to the refresh_sessions table.
type refreshStore interface {
	SaveRefreshSessionUser(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// Deps carries the optional subsystems wired in by main. Nil fields
// disable the corresponding feature cleanly.
type Deps struct {
	Sessions  *session.RedisStore
	Pubsub    pubsub.Pubsub
	Search    *search.Service
	Blobs     *blob.Store
	Snapshots *snapshot.Service
	Email     *email.Service
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore

	hub       *realtime.Hub
	notify    *notify.Service
	audit     *audit.Recorder
	search    *search.Service
	exporter  *export.Service
	blobs     *blob.Store
	snapshots *snapshot.Service
	email     *email.Service
	authpw    *authpw.Service
}

func New(cfg config.Config, st *store.PostgresStore, deps Deps) *Service {
	ps := deps.Pubsub
	if ps == nil {
		ps = pubsub.NewMemory()
	}

	s := &Service{
		cfg:       cfg,
		store:     st,
		notify:    notify.NewService(st, ps, cfg.HeartbeatEvery),
		audit:     audit.NewRecorder(st),
		search:    deps.Search,
		blobs:     deps.Blobs,
		snapshots: deps.Snapshots,
		email:     deps.Email,
		authpw:    authpw.NewService(st, defaultTenantID),
	}
	if deps.Sessions != nil {
		s.sessions = deps.Sessions
	}
	s.exporter = export.NewService(exportStore{store: s.store})
	s.hub = realtime.NewHub(realtime.Options{
		SendBuffer:   cfg.RoomSendBuffer,
		TypingTTL:    cfg.TypingTTL,
		OnSessionEnd: s.handleSessionEnd,
		Pubsub:       ps,
	})
	return s
}

// Close shuts down the hub and flushes the audit recorder.
func (s *Service) Close() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.audit != nil {
		s.audit.Close()
	}
}

// Bootstrap ensures the default tenant exists and seeds demo reports on
// an empty database, then prepares the artifact bucket and search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	tenant, err := s.store.EnsureTenant(ctx, store.Tenant{
		ID:   defaultTenantID,
		Name: "Acme Corp",
		Slug: "acme",
		Plan: "team",
	})
	if err != nil {
		return err
	}

	reports, err := s.store.ListReports(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		seeds := []store.Report{
			{
				ID:       "rep_revenue",
				Title:    "Weekly Revenue",
				Subtitle: "MRR, churn, and expansion across all plans",
				Status:   "active",
				Definition: `{"widgets":[` +
					`{"type":"metric","title":"MRR","value":"$12,480","delta":"+4.2%"},` +
					`{"type":"metric","title":"Churn","value":"1.8%","delta":"-0.3%"},` +
					`{"type":"chart","title":"Signups","series":[{"label":"This week","points":[12,19,23,17,28,31,24]}]}]}`,
			},
			{
				ID:       "rep_traffic",
				Title:    "Site Traffic",
				Subtitle: "Pageviews and conversion funnels",
				Status:   "active",
				Definition: `{"widgets":[` +
					`{"type":"table","title":"Top pages","columns":["Path","Views"],"rows":[["/pricing","8,204"],["/docs","6,113"],["/","5,980"]]}]}`,
			},
			{
				ID:         "rep_incidents",
				Title:      "Incident Review Q3",
				Subtitle:   "Postmortems and follow-ups",
				Status:     "draft",
				Definition: `{"widgets":[{"type":"note","title":"Summary","text":"Two SEV-2 incidents this quarter.\n\nBoth traced to the migration tooling."}]}`,
			},
		}
		for _, seed := range seeds {
			seed.TenantID = tenant.ID
			seed.UpdatedBy = "Pulseboard"
			if err := s.store.InsertReport(ctx, seed); err != nil {
				return err
			}
		}
	}

	if s.blobs != nil {
		if err := s.blobs.EnsureBucket(ctx); err != nil {
			log.Printf(`{"msg":"bootstrap: ensure bucket failed","error":"%v"}`, err)
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// ── Sessions ──

// CreateSession issues access and refresh tokens for a signed-in user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	sess, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.audit.Record(store.AuditEvent{
		TenantID:  user.TenantID,
		ActorID:   user.ID,
		ActorName: user.DisplayName,
		Action:    "auth.signin",
		Resource:  "user:" + user.ID,
	})
	return sess, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)

	var user store.User
	var err error
	if s.sessions != nil {
		user, err = s.sessions.LookupRefreshSession(ctx, tokenHash)
		if err == nil {
			_ = s.sessions.RevokeRefreshSession(ctx, tokenHash)
		}
	} else {
		user, err = s.store.LookupRefreshSession(ctx, tokenHash)
		if err == nil {
			err = s.store.RevokeRefreshSession(ctx, tokenHash)
		}
	}
	if err != nil {
		return Session{}, err
	}

	// Redis lookups may carry a stale role; the user row is authoritative.
	if fresh, err := s.store.GetUserByID(ctx, user.ID); err == nil {
		user = fresh
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Role:   user.Role,
		Tenant: user.TenantID,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if s.sessions != nil {
		err = s.sessions.SaveRefreshSessionUser(ctx, auth.HashToken(refresh), user, refreshExpires)
	} else {
		err = s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires)
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		TenantID:     user.TenantID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. Claims carry everything a
// request needs; no database round-trip per request.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		TenantID:  claims.Tenant,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if refreshToken != "" {
		tokenHash := auth.HashToken(refreshToken)
		if s.sessions != nil {
			_ = s.sessions.RevokeRefreshSession(ctx, tokenHash)
		} else {
			_ = s.store.RevokeRefreshSession(ctx, tokenHash)
		}
	}
	if sess.UserID != "" {
		s.audit.Record(store.AuditEvent{
			TenantID:  sess.TenantID,
			ActorID:   sess.UserID,
			ActorName: sess.UserName,
			Action:    "auth.signout",
			Resource:  "user:" + sess.UserID,
		})
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the Redis session store; nil when Postgres fallback
// is active.
func (s *Service) PingSessions(ctx context.Context) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail delivers the sign-up verification mail when SMTP
// is configured. Failures are logged; the dev-bypass token covers dev.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.BaseURL, "/"), token)
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, url); err != nil {
			log.Printf(`{"msg":"email: verification send failed","to":"%s","error":"%v"}`, to, err)
		}
	}()
}

// SendPasswordResetEmail delivers the reset mail when SMTP is configured.
func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.BaseURL, "/"), token)
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, url); err != nil {
			log.Printf(`{"msg":"email: reset send failed","to":"%s","error":"%v"}`, to, err)
		}
	}()
}

// ── Reports ──

func (s *Service) ListReports(ctx context.Context, sess Session) ([]map[string]any, error) {
	reports, err := s.store.ListReports(ctx, sess.TenantID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		items = append(items, reportSummary(r))
	}
	return items, nil
}

func (s *Service) GetReport(ctx context.Context, sess Session, reportID string) (map[string]any, error) {
	r, err := s.store.GetReport(ctx, sess.TenantID, reportID)
	if err != nil {
		return nil, err
	}
	payload := reportSummary(r)
	payload["definition"] = json.RawMessage(r.Definition)
	payload["presence"] = s.hub.Presence(realtime.RoomKey{Kind: "report", ID: r.ID})
	return payload, nil
}

// ReportHistory lists finished collaboration sessions for a report.
func (s *Service) ReportHistory(ctx context.Context, sess Session, reportID string, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetReport(ctx, sess.TenantID, reportID); err != nil {
		return nil, err
	}
	snaps, err := s.store.ListSessionSnapshots(ctx, reportID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, map[string]any{
			"sessionId":   snap.SessionID,
			"actor":       snap.Actor,
			"changeCount": snap.ChangeCount,
			"commitHash":  snap.CommitHash,
			"createdAt":   snap.CreatedAt,
		})
	}
	return items, nil
}

func reportSummary(r store.Report) map[string]any {
	return map[string]any{
		"id":        r.ID,
		"title":     r.Title,
		"subtitle":  r.Subtitle,
		"status":    r.Status,
		"updatedBy": r.UpdatedBy,
		"createdAt": r.CreatedAt,
		"updatedAt": r.UpdatedAt,
	}
}

// ── Rooms ──

// JoinRoom validates the room target in the caller's tenant and registers
// the connection with the hub.
func (s *Service) JoinRoom(ctx context.Context, sess Session, kind, id, connID string) (*realtime.Client, realtime.RoomKey, error) {
	key := realtime.RoomKey{Kind: kind, ID: id}
	if kind != "report" {
		return nil, key, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown room kind", nil)
	}
	if _, err := s.store.GetReport(ctx, sess.TenantID, id); err != nil {
		return nil, key, domainError(http.StatusNotFound, "NOT_FOUND", "Report not found", nil)
	}

	client, err := s.hub.Join(ctx, key, realtime.Participant{
		UserID:   sess.UserID,
		UserName: sess.UserName,
		ConnID:   connID,
	})
	if err != nil {
		return nil, key, err
	}
	return client, key, nil
}

func (s *Service) LeaveRoom(key realtime.RoomKey, connID string) {
	s.hub.Leave(key, connID)
}

// Presence returns the roster for a room in the caller's tenant.
func (s *Service) Presence(ctx context.Context, sess Session, kind, id string) ([]realtime.Participant, error) {
	if kind != "report" {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown room kind", nil)
	}
	if _, err := s.store.GetReport(ctx, sess.TenantID, id); err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Report not found", nil)
	}
	return s.hub.Presence(realtime.RoomKey{Kind: kind, ID: id}), nil
}

// commentPayload is what clients put in comment.new events. Mentions get
// a notification and, when SMTP is up, an email.
type commentPayload struct {
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

// PublishRoomEvent fans a client event into the room and runs its side
// effects: RBAC per event type, mention notifications for comments.
func (s *Service) PublishRoomEvent(ctx context.Context, sess Session, key realtime.RoomKey, ev realtime.ClientEvent, connID string) error {
	if !realtime.ClientSendable(ev.Type) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("event type %q not allowed", ev.Type), nil)
	}

	action := rbac.ActionRead
	switch ev.Type {
	case realtime.EventDocChange:
		action = rbac.ActionWrite
	case realtime.EventCommentNew, realtime.EventCommentResolved:
		action = rbac.ActionComment
	}
	if !s.Can(sess.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if err := s.hub.Broadcast(key, ev.Type, sess.UserName, ev.Payload, connID); err != nil {
		return err
	}

	if ev.Type == realtime.EventCommentNew {
		s.notifyMentions(ctx, sess, key, ev.Payload)
	}
	return nil
}

func (s *Service) notifyMentions(ctx context.Context, sess Session, key realtime.RoomKey, payload json.RawMessage) {
	var comment commentPayload
	if err := json.Unmarshal(payload, &comment); err != nil || len(comment.Mentions) == 0 {
		return
	}

	report, err := s.store.GetReport(ctx, sess.TenantID, key.ID)
	if err != nil {
		return
	}

	for _, userID := range comment.Mentions {
		if userID == sess.UserID {
			continue
		}
		user, err := s.store.GetUserByID(ctx, userID)
		if err != nil || user.TenantID != sess.TenantID {
			continue
		}

		created, err := s.notify.Create(ctx, store.Notification{
			UserID:   user.ID,
			TenantID: sess.TenantID,
			Kind:     "mention",
			Title:    fmt.Sprintf("%s mentioned you on %s", sess.UserName, report.Title),
			Body:     comment.Text,
			Resource: key.String(),
		})
		if err != nil {
			log.Printf(`{"msg":"mention notification failed","user":"%s","error":"%v"}`, user.ID, err)
			continue
		}
		if s.search != nil {
			s.search.IndexNotification(search.NotificationRecord{
				ID:       created.ID,
				Title:    created.Title,
				Body:     created.Body,
				TenantID: created.TenantID,
				UserID:   created.UserID,
				Resource: created.Resource,
			})
		}

		if s.SMTPConfigured() && user.Email != "" {
			reportURL := fmt.Sprintf("%s/reports/%s", strings.TrimRight(s.cfg.BaseURL, "/"), report.ID)
			to, name := user.Email, user.DisplayName
			go func() {
				if err := s.email.SendMentionEmail(to, name, sess.UserName, report.Title, comment.Text, reportURL); err != nil {
					log.Printf(`{"msg":"email: mention send failed","to":"%s","error":"%v"}`, to, err)
				}
			}()
		}
	}
}

// handleSessionEnd runs when the last participant leaves a room: commit
// the final document state, persist the session row, audit.
func (s *Service) handleSessionEnd(sum realtime.SessionSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sum.Key.Kind != "report" {
		return
	}
	report, err := s.store.GetReportByID(ctx, sum.Key.ID)
	if err != nil {
		log.Printf(`{"msg":"session end: report lookup failed","report":"%s","error":"%v"}`, sum.Key.ID, err)
		return
	}

	actor := ""
	if len(sum.Actors) > 0 {
		actor = sum.Actors[0]
	}

	commitHash := ""
	if sum.ChangeCount > 0 && s.snapshots != nil {
		info, err := s.snapshots.CommitSession(report.ID, snapshot.State{
			SessionID:   sum.SessionID,
			ChangeCount: sum.ChangeCount,
			Actors:      sum.Actors,
			Doc:         sum.LastDoc,
		}, actor)
		if err != nil {
			log.Printf(`{"msg":"session end: snapshot commit failed","report":"%s","error":"%v"}`, report.ID, err)
		} else {
			commitHash = info.Hash
		}
	}

	if err := s.store.InsertSessionSnapshot(ctx, store.SessionSnapshot{
		ReportID:    report.ID,
		SessionID:   sum.SessionID,
		Actor:       actor,
		ChangeCount: sum.ChangeCount,
		CommitHash:  commitHash,
	}); err != nil {
		log.Printf(`{"msg":"session end: snapshot row failed","report":"%s","error":"%v"}`, report.ID, err)
	}

	if sum.ChangeCount > 0 && actor != "" {
		if err := s.store.TouchReport(ctx, report.TenantID, report.ID, actor); err != nil {
			log.Printf(`{"msg":"session end: touch report failed","report":"%s","error":"%v"}`, report.ID, err)
		}
	}

	s.audit.Record(store.AuditEvent{
		TenantID:  report.TenantID,
		ActorName: actor,
		Action:    "collab.session_ended",
		Resource:  sum.Key.String(),
		Payload: map[string]any{
			"sessionId":   sum.SessionID,
			"changeCount": sum.ChangeCount,
			"actors":      sum.Actors,
			"startedAt":   sum.StartedAt,
			"endedAt":     sum.EndedAt,
			"commitHash":  commitHash,
		},
	})
}

// ── Notifications ──

func (s *Service) Notifications() *notify.Service {
	return s.notify
}

// MarkNotificationRead toggles a notification's read flag and audits it.
func (s *Service) MarkNotificationRead(ctx context.Context, sess Session, notificationID string, read bool) (notify.Notification, int, error) {
	n, unread, err := s.notify.SetRead(ctx, sess.UserID, notificationID, read)
	if err != nil {
		return notify.Notification{}, 0, err
	}
	s.audit.Record(store.AuditEvent{
		TenantID:  sess.TenantID,
		ActorID:   sess.UserID,
		ActorName: sess.UserName,
		Action:    "notification.read_status",
		Resource:  "notification:" + notificationID,
		Payload:   map[string]any{"read": read},
	})
	return n, unread, nil
}

// ── Export ──

// ExportOutcome is either a presigned download URL (blob storage wired)
// or the inline PDF bytes.
type ExportOutcome struct {
	URL    string
	Result *export.Result
}

func (s *Service) ExportReport(ctx context.Context, sess Session, reportID string) (*ExportOutcome, error) {
	result, err := s.exporter.Export(ctx, export.Request{
		TenantID: sess.TenantID,
		ReportID: reportID,
		Format:   export.FormatPDF,
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(store.AuditEvent{
		TenantID:  sess.TenantID,
		ActorID:   sess.UserID,
		ActorName: sess.UserName,
		Action:    "report.export",
		Resource:  "report:" + reportID,
		Payload:   map[string]any{"filename": result.Filename},
	})

	if s.blobs == nil {
		return &ExportOutcome{Result: result}, nil
	}

	key := fmt.Sprintf("%s/%s/%d-%s", sess.TenantID, reportID, time.Now().Unix(), result.Filename)
	if err := s.blobs.Upload(ctx, key, result.Data, result.MimeType); err != nil {
		// Storage trouble should not eat the export; fall back to inline.
		log.Printf(`{"msg":"export: blob upload failed","key":"%s","error":"%v"}`, key, err)
		return &ExportOutcome{Result: result}, nil
	}
	url, err := s.blobs.PresignedURL(ctx, key, result.Filename, 15*time.Minute)
	if err != nil {
		log.Printf(`{"msg":"export: presign failed","key":"%s","error":"%v"}`, key, err)
		return &ExportOutcome{Result: result}, nil
	}
	return &ExportOutcome{URL: url}, nil
}

// exportStore adapts the data store to what the exporter renders.
type exportStore struct {
	store dataStore
}

func (e exportStore) GetReportForExport(ctx context.Context, tenantID, reportID string) (export.ReportInfo, error) {
	r, err := e.store.GetReport(ctx, tenantID, reportID)
	if err != nil {
		return export.ReportInfo{}, err
	}
	tenantName := ""
	if tenant, err := e.store.GetTenant(ctx, tenantID); err == nil {
		tenantName = tenant.Name
	}
	return export.ReportInfo{
		ID:         r.ID,
		Title:      r.Title,
		Subtitle:   r.Subtitle,
		Status:     r.Status,
		Definition: r.Definition,
		TenantName: tenantName,
		UpdatedBy:  r.UpdatedBy,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// ── Search ──

func (s *Service) Search(ctx context.Context, sess Session, text, filterType string, limit, offset int) (search.Response, error) {
	var ftype search.ResultType
	switch filterType {
	case "":
	case "report":
		ftype = search.ResultReport
	case "notification":
		ftype = search.ResultNotification
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be report or notification", nil)
	}

	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: ftype,
		TenantID:   sess.TenantID,
		UserID:     sess.UserID,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// ── Audit ──

func (s *Service) AuditEvents(ctx context.Context, sess Session, filter store.AuditFilter) ([]map[string]any, error) {
	events, err := s.store.ListAuditEvents(ctx, sess.TenantID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"id":        event.ID,
			"actorId":   event.ActorID,
			"actorName": event.ActorName,
			"action":    event.Action,
			"resource":  event.Resource,
			"payload":   event.Payload,
			"createdAt": event.CreatedAt,
		})
	}
	return items, nil
}
