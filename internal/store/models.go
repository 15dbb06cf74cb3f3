package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	TenantID              string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Tenant struct {
	ID        string
	Name      string
	Slug      string
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Membership struct {
	ID        string
	TenantID  string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type Report struct {
	ID        string
	TenantID  string
	Title     string
	Subtitle  string
	Status    string
	Definition string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Notification struct {
	ID        string
	UserID    string
	TenantID  string
	Kind      string
	Title     string
	Body      string
	Resource  string
	ReadAt    *time.Time
	CreatedAt time.Time
}

type AuditEvent struct {
	ID        int64
	TenantID  string
	ActorID   string
	ActorName string
	Action    string
	Resource  string
	Payload   map[string]any
	CreatedAt time.Time
}

type SessionSnapshot struct {
	ReportID    string
	SessionID   string
	Actor       string
	ChangeCount int
	CommitHash  string
	CreatedAt   time.Time
}
