package labels

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category enumerates the printable label categories.
type Category string

const (
	CategoryGeneral Category = "general"
	CategoryFragile Category = "fragile"
	CategoryHazard  Category = "hazard"
)

// MemoKind enumerates the supported memo content types.
type MemoKind string

const (
	MemoKindText  MemoKind = "text"
	MemoKindVoice MemoKind = "voice"
	MemoKindImage MemoKind = "image"
)

// ShareStatus tracks the lifecycle of a share offer. Transitions are one-way:
// pending moves to accepted or declined and never back.
type ShareStatus string

const (
	ShareStatusPending  ShareStatus = "pending"
	ShareStatusAccepted ShareStatus = "accepted"
	ShareStatusDeclined ShareStatus = "declined"
)

const maxNameLength = 190

var (
	// ErrInvalidCategory indicates an unrecognized label category.
	ErrInvalidCategory = errors.New("labels: invalid category")
	// ErrInvalidMemoKind indicates an unsupported memo content type.
	ErrInvalidMemoKind = errors.New("labels: invalid memo kind")
	// ErrInvalidName indicates an empty or oversized label name.
	ErrInvalidName = errors.New("labels: invalid label name")
)

// ParseCategory validates raw input and returns a Category.
func ParseCategory(rawInput string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CategoryGeneral:
		return CategoryGeneral, nil
	case CategoryFragile:
		return CategoryFragile, nil
	case CategoryHazard:
		return CategoryHazard, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, rawInput)
	}
}

// ParseMemoKind validates raw input and returns a MemoKind.
func ParseMemoKind(rawInput string) (MemoKind, error) {
	switch MemoKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case MemoKindText:
		return MemoKindText, nil
	case MemoKindVoice:
		return MemoKindVoice, nil
	case MemoKindImage:
		return MemoKindImage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMemoKind, rawInput)
	}
}

// ParseName validates a label display name.
func ParseName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return trimmed, nil
}

// Label models one printable unit. The memo URL stays null between the row
// insert and the object-store upload; the folder key depends on the row id,
// so the insert has to land first.
type Label struct {
	ID              uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          string    `gorm:"column:user_id;size:190;not null;index:idx_labels_user"`
	Category        Category  `gorm:"column:category;size:16;not null"`
	Name            string    `gorm:"column:label_name;size:190;not null"`
	Public          bool      `gorm:"column:public;not null;default:false"`
	MemoKind        MemoKind  `gorm:"column:memo_kind;size:16;not null"`
	MemoURL         *string   `gorm:"column:memo_url;size:512"`
	PIN             *string   `gorm:"column:pin;size:6"`
	VerificationURL *string   `gorm:"column:verification_url;size:512"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Label) TableName() string {
	return "labels"
}

// QRCode holds the stored QR image for a label, one-to-one. Replaced whenever
// the label's memo target or visibility changes.
type QRCode struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	LabelID     uint      `gorm:"column:label_id;not null;uniqueIndex"`
	ImageURL    string    `gorm:"column:qr_code_data;size:512;not null"`
	GeneratedAt time.Time `gorm:"column:generated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QRCode) TableName() string {
	return "qr_codes"
}

// SharedLabel is an offer to copy a label to another user.
type SharedLabel struct {
	ID          string      `gorm:"column:id;primaryKey;size:190"`
	SenderID    string      `gorm:"column:sender_id;size:190;not null"`
	RecipientID string      `gorm:"column:recipient_id;size:190;not null;index:idx_shares_recipient"`
	LabelID     uint        `gorm:"column:label_id;not null"`
	Status      ShareStatus `gorm:"column:status;size:16;not null;default:pending"`
	CreatedAt   time.Time   `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt  *time.Time  `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (SharedLabel) TableName() string {
	return "shared_labels"
}

// FolderKey derives the object-store prefix scoping every object that belongs
// to one label. Deterministic given owner and label id.
func FolderKey(ownerID string, labelID uint) string {
	return fmt.Sprintf("users/%s/labels/%d", ownerID, labelID)
}

// ArchiveFolderKey is where delete relocates a label's surviving objects.
func ArchiveFolderKey(ownerID string, labelID uint) string {
	return fmt.Sprintf("users/%s/archived-labels/%d", ownerID, labelID)
}
