package users

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// Role distinguishes ordinary accounts from administrators.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("users: invalid email address")
	// ErrWeakPassword indicates the password failed the composition policy.
	ErrWeakPassword = errors.New("users: password must be at least 6 characters with upper, lower, digit and special characters")
)

// User is one registered account. Google sign-in accounts carry no password
// hash and are verified from the start.
type User struct {
	ID               string     `gorm:"column:id;primaryKey;size:190"`
	Name             string     `gorm:"column:user_name;size:190;not null"`
	Email            string     `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash     string     `gorm:"column:password_hash;size:120"`
	Verified         bool       `gorm:"column:verified;not null;default:false"`
	VerificationCode *string    `gorm:"column:verification_code;size:4"`
	Role             Role       `gorm:"column:role;size:16;not null;default:user"`
	Active           bool       `gorm:"column:active;not null;default:true"`
	LastActiveAt     *time.Time `gorm:"column:last_active_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// Notification is one in-app message addressed to a user.
type Notification struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Category  string    `gorm:"column:category;size:32;not null"`
	Message   string    `gorm:"column:message;size:1024;not null"`
	Read      bool      `gorm:"column:read;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

// ParseEmail normalizes and minimally validates an email address.
func ParseEmail(value string) (string, error) {
	email := strings.ToLower(normalize(value))
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || len(email) > 320 {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// ValidatePassword enforces the signup composition policy.
func ValidatePassword(password string) error {
	if len(password) < 6 {
		return ErrWeakPassword
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ErrWeakPassword
	}
	return nil
}
