package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseboard/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users         map[string]store.User
	emailIndex    map[string]string // email -> userID
	verifications map[string]store.User
	resets        map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		emailIndex:    make(map[string]string),
		verifications: make(map[string]store.User),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if user, ok := m.users[userID]; ok {
		user.VerificationToken = token
		user.VerificationExpiresAt = &expiresAt
		m.users[userID] = user
		m.verifications[token] = user
	}
	return nil
}

func (m *mockUserStore) VerifyUserEmail(ctx context.Context, token string) error {
	if user, ok := m.verifications[token]; ok {
		user.IsEmailVerified = true
		m.users[user.ID] = user
		m.emailIndex[user.Email] = user.ID
		return nil
	}
	return errors.New("invalid token")
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
	}
	return nil
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	reset, ok := m.resets[token]
	if !ok || reset.used || time.Now().After(reset.expiresAt) {
		return "", errors.New("invalid token")
	}
	return reset.userID, nil
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if reset, ok := m.resets[token]; ok {
		reset.used = true
		m.resets[token] = reset
	}
	return nil
}

func TestSignUpAssignsDefaultTenant(t *testing.T) {
	ms := newMockUserStore()
	svc := NewService(ms, "tnt_default")

	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "a@example.com",
		Password:    "password123",
		DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if !resp.RequiresEmailVerify || resp.VerificationToken == "" {
		t.Fatalf("expected verification flow, got %+v", resp)
	}

	user := ms.users[resp.UserID]
	if user.TenantID != "tnt_default" {
		t.Errorf("TenantID = %q, want tnt_default", user.TenantID)
	}
	if user.Role != "member" {
		t.Errorf("Role = %q, want member", user.Role)
	}
	if user.PasswordHash == "password123" {
		t.Error("password stored in plaintext")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	ms := newMockUserStore()
	svc := NewService(ms, "tnt_default")

	req := SignUpRequest{Email: "a@example.com", Password: "password123", DisplayName: "Avery"}
	if _, err := svc.SignUp(context.Background(), req); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(context.Background(), req); err == nil {
		t.Fatal("expected duplicate email error")
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newMockUserStore(), "tnt_default")
	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email: "a@example.com", Password: "short", DisplayName: "Avery",
	})
	if err == nil {
		t.Fatal("expected short password error")
	}
}

func TestSignInFlow(t *testing.T) {
	ms := newMockUserStore()
	svc := NewService(ms, "tnt_default")

	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email: "a@example.com", Password: "password123", DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	// Unverified sign-in succeeds at the password check but demands
	// verification.
	signIn, err := svc.SignIn(context.Background(), SignInRequest{Email: "a@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if !signIn.RequiresVerify {
		t.Fatal("expected RequiresVerify before verification")
	}

	// Wrong password fails even before verification.
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "a@example.com", Password: "wrong-pass"}); err == nil {
		t.Fatal("expected invalid credentials error")
	}

	if err := svc.VerifyEmail(context.Background(), resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}

	signIn, err = svc.SignIn(context.Background(), SignInRequest{Email: "a@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignIn() after verify error = %v", err)
	}
	if signIn.RequiresVerify {
		t.Fatal("still requires verification after VerifyEmail")
	}
	if signIn.User.ID == "" {
		t.Fatal("missing user in sign-in response")
	}
}

func TestVerifyEmailRejectsBadToken(t *testing.T) {
	svc := NewService(newMockUserStore(), "tnt_default")
	if err := svc.VerifyEmail(context.Background(), "bogus"); err == nil {
		t.Fatal("expected error for unknown token")
	}
	if err := svc.VerifyEmail(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ms := newMockUserStore()
	svc := NewService(ms, "tnt_default")

	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email: "a@example.com", Password: "password123", DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if err := svc.VerifyEmail(context.Background(), resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}

	token, err := svc.RequestPasswordReset(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset() error = %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token for a known email")
	}

	// Unknown emails yield no token and no error.
	ghost, err := svc.RequestPasswordReset(context.Background(), "nobody@example.com")
	if err != nil || ghost != "" {
		t.Fatalf("unknown email: token=%q err=%v", ghost, err)
	}

	if err := svc.ResetPassword(context.Background(), ResetPasswordRequest{
		Token: token, NewPassword: "newpassword456",
	}); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}

	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "a@example.com", Password: "password123"}); err == nil {
		t.Fatal("old password still works after reset")
	}
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "a@example.com", Password: "newpassword456"}); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	// Token is single-use.
	if err := svc.ResetPassword(context.Background(), ResetPasswordRequest{
		Token: token, NewPassword: "anotherpass789",
	}); err == nil {
		t.Fatal("expected used token to be rejected")
	}
}
