package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/packmark/packmark/backend/internal/auth"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var usersDatabaseSequence int64

type captureMailer struct {
	mu     sync.Mutex
	bodies []string
}

func (m *captureMailer) Send(_ context.Context, _, _, body string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

func newUserService(t *testing.T) (*Service, *captureMailer) {
	t.Helper()
	sequence := atomic.AddInt64(&usersDatabaseSequence, 1)
	dsn := fmt.Sprintf("file:users_%d?mode=memory&cache=shared", sequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &Identity{}, &Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	mail := &captureMailer{}
	service, err := NewService(ServiceConfig{
		Database: db,
		Mailer:   mail,
		Codes:    func() (string, error) { return "7777", nil },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, mail
}

func TestSignupVerifyLoginFlow(t *testing.T) {
	service, mail := newUserService(t)
	ctx := context.Background()

	account, err := service.Signup(ctx, "Pat", "Pat@Example.com", "Sup3r!pass")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if account.Email != "pat@example.com" {
		t.Fatalf("expected normalized email, got %q", account.Email)
	}
	if account.Verified {
		t.Fatal("expected account to start unverified")
	}
	if mail.count() != 1 {
		t.Fatalf("expected one verification mail, got %d", mail.count())
	}

	if _, err := service.Login(ctx, "pat@example.com", "Sup3r!pass"); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified before verification, got %v", err)
	}
	// login against an unverified account re-issues the code
	if mail.count() != 2 {
		t.Fatalf("expected code re-send on unverified login, got %d mails", mail.count())
	}

	if err := service.VerifyEmail(ctx, "pat@example.com", "7777"); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	loggedIn, err := service.Login(ctx, "pat@example.com", "Sup3r!pass")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if loggedIn.LastActiveAt == nil {
		t.Fatal("expected last active timestamp after login")
	}
}

func TestSignupRejectsWeakPasswordsAndDuplicates(t *testing.T) {
	service, _ := newUserService(t)
	ctx := context.Background()

	if _, err := service.Signup(ctx, "Pat", "weak@example.com", "password"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := service.Signup(ctx, "Pat", "dup@example.com", "Sup3r!pass"); err != nil {
		t.Fatalf("first signup failed: %v", err)
	}
	if _, err := service.Signup(ctx, "Other", "dup@example.com", "An0ther!pw"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginRejectsWrongPasswordWithoutDetail(t *testing.T) {
	service, _ := newUserService(t)
	ctx := context.Background()

	if _, err := service.Signup(ctx, "Pat", "secure@example.com", "Sup3r!pass"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if err := service.VerifyEmail(ctx, "secure@example.com", "7777"); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	if _, err := service.Login(ctx, "secure@example.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := service.Login(ctx, "unknown@example.com", "Sup3r!pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown account, got %v", err)
	}
}

func TestPasswordsStoredAsBcryptHashes(t *testing.T) {
	service, _ := newUserService(t)

	account, err := service.Signup(context.Background(), "Pat", "hash@example.com", "Sup3r!pass")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if account.PasswordHash == "Sup3r!pass" {
		t.Fatal("password must not be stored in the clear")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte("Sup3r!pass")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestVerifyEmailRejectsWrongCode(t *testing.T) {
	service, _ := newUserService(t)
	ctx := context.Background()

	if _, err := service.Signup(ctx, "Pat", "codes@example.com", "Sup3r!pass"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if err := service.VerifyEmail(ctx, "codes@example.com", "0000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, _ := newUserService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	// google identities get a verified passwordless account for email lookups.
	resolved, err := service.UserIDForEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("email lookup failed: %v", err)
	}
	if resolved != "12345" {
		t.Fatalf("expected backfilled account behind the identity email, got %q", resolved)
	}
}

func TestNotificationsLifecycle(t *testing.T) {
	service, _ := newUserService(t)
	ctx := context.Background()

	if err := service.Notify(ctx, "user-1", "reminder", "a label was shared with you"); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	records, err := service.ListNotifications(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].Read {
		t.Fatalf("expected one unread notification, got %+v", records)
	}

	if err := service.MarkNotificationRead(ctx, "user-1", records[0].ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if err := service.MarkNotificationRead(ctx, "user-2", records[0].ID); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound for foreign user, got %v", err)
	}
}

func TestNotifyAllTargetsActiveAccounts(t *testing.T) {
	service, _ := newUserService(t)
	ctx := context.Background()

	first, err := service.Signup(ctx, "A", "a@example.com", "Sup3r!pass")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	second, err := service.Signup(ctx, "B", "b@example.com", "Sup3r!pass")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}

	if err := service.db.Model(&User{}).Where("id = ?", second.ID).Update("active", false).Error; err != nil {
		t.Fatalf("failed to deactivate account: %v", err)
	}

	if err := service.NotifyAll(ctx, "announcement", "maintenance window tonight"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	firstRecords, err := service.ListNotifications(ctx, first.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(firstRecords) != 1 {
		t.Fatalf("expected broadcast for active account, got %d", len(firstRecords))
	}
	secondRecords, err := service.ListNotifications(ctx, second.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(secondRecords) != 0 {
		t.Fatalf("expected no broadcast for deactivated account, got %d", len(secondRecords))
	}
}
