package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/packmark/packmark/backend/internal/auth"
	"github.com/packmark/packmark/backend/internal/mailer"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrEmailTaken indicates the email already belongs to an account.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrUserNotFound indicates no account matched the lookup.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidCredentials indicates the email or password did not match.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUnverified indicates the account exists but its email is unverified.
	// A fresh verification code has been issued when this is returned.
	ErrUnverified = errors.New("users: email not verified")
	// ErrInvalidCode indicates the verification code did not match.
	ErrInvalidCode = errors.New("users: invalid verification code")
	// ErrInactive indicates the account has been deactivated by an administrator.
	ErrInactive = errors.New("users: account deactivated")
)

const bcryptCost = 10

// ServiceConfig describes the dependencies required for account management
// and identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// Mailer delivers verification codes; optional, codes still persist without it.
	Mailer mailer.Mailer
	Logger *zap.Logger
	// Codes overrides the verification code source in tests.
	Codes func() (string, error)
}

// Service manages accounts, canonical user identifiers, provider-specific
// identities and in-app notifications.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	mail   mailer.Mailer
	logger *zap.Logger
	codes  func() (string, error)
	cache  sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codes := cfg.Codes
	if codes == nil {
		codes = newVerificationCode
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		mail:   cfg.Mailer,
		logger: logger,
		codes:  codes,
		cache:  sync.Map{},
	}, nil
}

// Signup registers a password account and mails a 4-digit verification code.
// The account stays unverified until VerifyEmail succeeds.
func (s *Service) Signup(ctx context.Context, name, email, password string) (User, error) {
	parsedEmail, err := ParseEmail(email)
	if err != nil {
		return User{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return User{}, err
	}

	var existing User
	err = s.db.WithContext(ctx).Where("email = ?", parsedEmail).Take(&existing).Error
	if err == nil {
		return User{}, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return User{}, err
	}
	code, err := s.codes()
	if err != nil {
		return User{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, err
	}

	account := User{
		ID:               id.String(),
		Name:             normalize(name),
		Email:            parsedEmail,
		PasswordHash:     string(hash),
		Verified:         false,
		VerificationCode: &code,
		Role:             RoleUser,
		Active:           true,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return User{}, err
	}

	s.sendVerificationCode(ctx, parsedEmail, code)
	s.logger.Info("user signed up", zap.String("user_id", account.ID))
	return account, nil
}

// VerifyEmail marks the account verified when the code matches.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	parsedEmail, err := ParseEmail(email)
	if err != nil {
		return err
	}
	account, err := s.findByEmail(ctx, parsedEmail)
	if err != nil {
		return err
	}
	if account.Verified {
		return nil
	}
	if account.VerificationCode == nil || *account.VerificationCode != normalize(code) {
		return ErrInvalidCode
	}
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", account.ID).
		Updates(map[string]interface{}{"verified": true, "verification_code": nil}).Error
}

// Login authenticates a password account. An unverified account gets a fresh
// verification code mailed and ErrUnverified back; credentials never leak
// which part was wrong.
func (s *Service) Login(ctx context.Context, email, password string) (User, error) {
	parsedEmail, err := ParseEmail(email)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	account, err := s.findByEmail(ctx, parsedEmail)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	if !account.Active {
		return User{}, ErrInactive
	}
	if !account.Verified {
		code, codeErr := s.codes()
		if codeErr != nil {
			return User{}, codeErr
		}
		if updateErr := s.db.WithContext(ctx).Model(&User{}).
			Where("id = ?", account.ID).
			Update("verification_code", code).Error; updateErr != nil {
			return User{}, updateErr
		}
		s.sendVerificationCode(ctx, parsedEmail, code)
		return User{}, ErrUnverified
	}

	lastActive := s.now().UTC()
	_ = s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", account.ID).
		Update("last_active_at", lastActive).Error
	account.LastActiveAt = &lastActive
	return *account, nil
}

// IsAdmin reports whether the account carries the admin role.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var account User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.Role == RoleAdmin, nil
}

// EmailForUser returns the account email behind a canonical user id.
func (s *Service) EmailForUser(ctx context.Context, userID string) (string, error) {
	var account User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Google sign-in identities may predate the accounts table.
		var identity Identity
		idErr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&identity).Error
		if idErr == nil && identity.Email != "" {
			return identity.Email, nil
		}
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return account.Email, nil
}

// UserIDForEmail returns the canonical user id behind an email address.
func (s *Service) UserIDForEmail(ctx context.Context, email string) (string, error) {
	parsedEmail, err := ParseEmail(email)
	if err != nil {
		return "", err
	}
	account, err := s.findByEmail(ctx, parsedEmail)
	if err != nil {
		return "", err
	}
	return account.ID, nil
}

// ResolveCanonicalUserID returns the canonical Packmark user id for the
// provided session claims. It creates a new identity mapping and a verified
// account row when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if identity.UserID == "" {
			return "", ErrInvalidIdentity
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
		s.ensureAccountForIdentity(identity)
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// ensureAccountForIdentity backs a Google sign-in with a verified, passwordless
// account row so email lookups and sharing work uniformly.
func (s *Service) ensureAccountForIdentity(identity Identity) {
	email, err := ParseEmail(identity.Email)
	if err != nil {
		return
	}
	var existing User
	lookupErr := s.db.Where("email = ?", email).Take(&existing).Error
	if lookupErr == nil || !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return
	}
	account := User{
		ID:       identity.UserID,
		Name:     identity.DisplayName,
		Email:    email,
		Verified: true,
		Role:     RoleUser,
		Active:   true,
	}
	if err := s.db.Create(&account).Error; err != nil {
		s.logger.Warn("account backfill failed",
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}
}

func (s *Service) findByEmail(ctx context.Context, email string) (*User, error) {
	var account User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) sendVerificationCode(ctx context.Context, email, code string) {
	if s.mail == nil {
		return
	}
	if err := mailer.SendVerificationEmail(ctx, s.mail, email, code); err != nil {
		s.logger.Warn("verification email failed", zap.Error(err))
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}

func newVerificationCode() (string, error) {
	upper := big.NewInt(10000)
	value, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", value.Int64()), nil
}
