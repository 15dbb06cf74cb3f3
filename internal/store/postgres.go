package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Tenants ──

func (s *PostgresStore) EnsureTenant(ctx context.Context, tenant Tenant) (Tenant, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, slug, plan)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name, slug, plan, created_at, updated_at
	`, tenant.ID, tenant.Name, tenant.Slug, tenant.Plan).Scan(
		&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.Plan, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("ensure tenant: %w", err)
	}
	return tenant, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	var tenant Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, plan, created_at, updated_at FROM tenants WHERE id=$1
	`, tenantID).Scan(&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.Plan, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

// ── Users ──

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), is_email_verified, COALESCE(tenant_id, '')
		FROM users WHERE LOWER(email)=LOWER($1) AND deactivated_at IS NULL
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.TenantID)
	if err != nil {
		return User{}, err
	}
	role, err := s.getRole(ctx, user.TenantID, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Role = role
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, is_email_verified, COALESCE(tenant_id, '')
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified, &user.TenantID)
	if err != nil {
		return User{}, err
	}
	role, err := s.getRole(ctx, user.TenantID, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Role = role
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, tenant_id, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.TenantID, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if user.TenantID != "" {
		role := user.Role
		if role == "" {
			role = "member"
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO memberships (tenant_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, user_id) DO NOTHING
		`, user.TenantID, user.ID, role); err != nil {
			return fmt.Errorf("upsert membership: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) getRole(ctx context.Context, tenantID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM memberships WHERE tenant_id=$1 AND user_id=$2
	`, tenantID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "viewer", nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, COALESCE(u.tenant_id, ''), COALESCE(m.role, 'viewer')
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		LEFT JOIN memberships m ON m.user_id = u.id AND m.tenant_id = u.tenant_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.TenantID, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ── Reports ──

func (s *PostgresStore) ListReports(ctx context.Context, tenantID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, title, subtitle, status, definition, updated_by_name, created_at, updated_at
		FROM reports
		WHERE tenant_id=$1
		ORDER BY updated_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		var item Report
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Title, &item.Subtitle, &item.Status, &item.Definition, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, tenantID, reportID string) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, subtitle, status, definition, updated_by_name, created_at, updated_at
		FROM reports
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, reportID).Scan(&item.ID, &item.TenantID, &item.Title, &item.Subtitle, &item.Status, &item.Definition, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Report{}, err
	}
	return item, nil
}

// GetReportByID looks a report up without tenant scoping. Internal use
// only (session-end bookkeeping); request paths go through GetReport.
func (s *PostgresStore) GetReportByID(ctx context.Context, reportID string) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, subtitle, status, definition, updated_by_name, created_at, updated_at
		FROM reports
		WHERE id=$1
	`, reportID).Scan(&item.ID, &item.TenantID, &item.Title, &item.Subtitle, &item.Status, &item.Definition, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Report{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, item Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, tenant_id, title, subtitle, status, definition, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.TenantID, item.Title, item.Subtitle, item.Status, item.Definition, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchReport(ctx context.Context, tenantID, reportID, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports SET updated_by_name=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2
	`, tenantID, reportID, updatedBy)
	if err != nil {
		return fmt.Errorf("touch report: %w", err)
	}
	return nil
}

// ── Notifications ──

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, tenant_id, kind, title, body, resource)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, n.TenantID, n.Kind, n.Title, n.Body, n.Resource)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, userID, notificationID string) (Notification, error) {
	var n Notification
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tenant_id, kind, title, body, resource, read_at, created_at
		FROM notifications
		WHERE user_id=$1 AND id=$2
	`, userID, notificationID).Scan(&n.ID, &n.UserID, &n.TenantID, &n.Kind, &n.Title, &n.Body, &n.Resource, &n.ReadAt, &n.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ListNotifications returns notifications for a user, newest first.
// readStatus is "read", "unread" or "all"; before bounds the page by creation time.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID, readStatus string, before time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, tenant_id, kind, title, body, resource, read_at, created_at
		FROM notifications
		WHERE user_id=$1 AND created_at < $2
	`
	switch readStatus {
	case "read":
		query += ` AND read_at IS NOT NULL`
	case "unread":
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TenantID, &n.Kind, &n.Title, &n.Body, &n.Resource, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// ListNotificationsSince returns notifications created after the given
// notification, oldest first. Used for stream replay on reconnect.
func (s *PostgresStore) ListNotificationsSince(ctx context.Context, userID, afterID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tenant_id, kind, title, body, resource, read_at, created_at
		FROM notifications
		WHERE user_id=$1
			AND created_at > COALESCE((SELECT created_at FROM notifications WHERE id=$2 AND user_id=$1), 'epoch'::timestamptz)
			AND id <> $2
		ORDER BY created_at ASC
		LIMIT $3
	`, userID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications since: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TenantID, &n.Kind, &n.Title, &n.Body, &n.Resource, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read_at IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SetNotificationRead(ctx context.Context, userID, notificationID string, read bool) error {
	var result sql.Result
	var err error
	if read {
		result, err = s.db.ExecContext(ctx, `
			UPDATE notifications SET read_at=NOW() WHERE user_id=$1 AND id=$2
		`, userID, notificationID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE notifications SET read_at=NULL WHERE user_id=$1 AND id=$2
		`, userID, notificationID)
	}
	if err != nil {
		return fmt.Errorf("set notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set notification read rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Audit events ──

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (tenant_id, actor_id, actor_name, action, resource, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.TenantID, event.ActorID, event.ActorName, event.Action, event.Resource, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

type AuditFilter struct {
	Action   string
	Resource string
	Actor    string
	Limit    int
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, actor_id, actor_name, action, resource, payload, created_at
		FROM audit_events
		WHERE tenant_id=$1
	`
	args := []any{tenantID}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action=$%d", len(args))
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		query += fmt.Sprintf(" AND resource=$%d", len(args))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		query += fmt.Sprintf(" AND actor_name=$%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var event AuditEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.TenantID, &event.ActorID, &event.ActorName, &event.Action, &event.Resource, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// ── Collaboration session snapshots ──

func (s *PostgresStore) InsertSessionSnapshot(ctx context.Context, snap SessionSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (report_id, session_id, actor, change_count, commit_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING
	`, snap.ReportID, snap.SessionID, snap.Actor, snap.ChangeCount, snap.CommitHash)
	if err != nil {
		return fmt.Errorf("insert session snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessionSnapshots(ctx context.Context, reportID string, limit int) ([]SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, session_id, actor, change_count, commit_hash, created_at
		FROM session_snapshots
		WHERE report_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, reportID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]SessionSnapshot, 0)
	for rows.Next() {
		var snap SessionSnapshot
		if err := rows.Scan(&snap.ReportID, &snap.SessionID, &snap.Actor, &snap.ChangeCount, &snap.CommitHash, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session snapshot: %w", err)
		}
		items = append(items, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session snapshots: %w", err)
	}
	return items, nil
}
