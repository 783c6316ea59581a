package labels

import (
	"context"
	"errors"
	"fmt"

	"github.com/packmark/packmark/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opShareLabel   = "labels.share_label"
	opAcceptShare  = "labels.accept_shared_label"
	opDeclineShare = "labels.decline_shared_label"
	opListShares   = "labels.list_shared_labels"
)

var (
	// ErrShareNotFound indicates the share offer does not exist or is not
	// addressed to the caller.
	ErrShareNotFound = errors.New("labels: shared label not found")
	// ErrShareResolved indicates the offer already reached a terminal status.
	// Status transitions are one-way; re-resolving is rejected, not repeated.
	ErrShareResolved = errors.New("labels: shared label already resolved")
	// ErrShareSelf indicates an attempt to share a label with its own owner.
	ErrShareSelf = errors.New("labels: cannot share a label with its owner")

	errMissingUsers = errors.New("user resolver is required")
)

// UserResolver maps between user identifiers and email addresses.
type UserResolver interface {
	OwnerDirectory
	UserIDForEmail(ctx context.Context, email string) (string, error)
}

// Notifier records an in-app notification for a user.
type Notifier interface {
	Notify(ctx context.Context, userID, category, message string) error
}

// Sharing composes the orchestrator with user lookup and notifications to
// implement the share-offer lifecycle.
type Sharing struct {
	service  *Service
	users    UserResolver
	notifier Notifier
}

// SharingConfig wires the sharing flows.
type SharingConfig struct {
	Service *Service
	Users   UserResolver
	// Notifier is optional; without it offers are silent until listed.
	Notifier Notifier
}

// NewSharing validates the configuration and constructs the sharing flows.
func NewSharing(cfg SharingConfig) (*Sharing, error) {
	if cfg.Service == nil {
		return nil, newServiceError(opShareLabel, "missing_service", errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opShareLabel, "missing_users", errMissingUsers)
	}
	return &Sharing{service: cfg.Service, users: cfg.Users, notifier: cfg.Notifier}, nil
}

// ShareLabel records a pending offer to copy the sender's label to the user
// behind recipientEmail.
func (sh *Sharing) ShareLabel(ctx context.Context, senderID, recipientEmail string, labelID uint) (string, error) {
	s := sh.service
	label, err := s.fetchOwned(ctx, opShareLabel, labelID, senderID)
	if err != nil {
		return "", err
	}

	recipientID, err := sh.users.UserIDForEmail(ctx, recipientEmail)
	if err != nil {
		s.logError(opShareLabel, "recipient_lookup_failed", err, zap.Uint("label_id", labelID))
		return "", newServiceError(opShareLabel, "recipient_lookup_failed", err)
	}
	if recipientID == senderID {
		return "", newServiceError(opShareLabel, "self_share", ErrShareSelf)
	}

	shareID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opShareLabel, "id_generation_failed", err, zap.Uint("label_id", labelID))
		return "", newServiceError(opShareLabel, "id_generation_failed", err)
	}

	offer := SharedLabel{
		ID:          shareID,
		SenderID:    senderID,
		RecipientID: recipientID,
		LabelID:     label.ID,
		Status:      ShareStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&offer).Error; err != nil {
		s.logError(opShareLabel, "offer_insert_failed", err, zap.Uint("label_id", labelID))
		return "", newServiceError(opShareLabel, "offer_insert_failed", err)
	}

	if sh.notifier != nil {
		message := fmt.Sprintf("The label %q was shared with you.", label.Name)
		if err := sh.notifier.Notify(ctx, recipientID, "reminder", message); err != nil {
			s.logger.Warn("share notification failed",
				zap.String("operation", opShareLabel),
				zap.String("share_id", shareID),
				zap.Error(err))
		}
	}

	s.logger.Info("label shared",
		zap.String("share_id", shareID),
		zap.Uint("label_id", label.ID),
		zap.String("recipient_id", recipientID))
	return shareID, nil
}

// AcceptSharedLabel clones the offered label for the recipient: a new row, a
// copied memo object under the clone's own folder key, and a fresh QR.
// Ownership of the original never moves. Accepting a non-pending offer fails
// with ErrShareResolved.
func (sh *Sharing) AcceptSharedLabel(ctx context.Context, shareID, recipientID string) (uint, error) {
	s := sh.service
	offer, err := sh.fetchOffer(ctx, opAcceptShare, shareID, recipientID)
	if err != nil {
		return 0, err
	}
	if offer.Status != ShareStatusPending {
		return 0, newServiceError(opAcceptShare, "already_resolved", ErrShareResolved)
	}

	source, err := s.fetchOwned(ctx, opAcceptShare, offer.LabelID, "")
	if err != nil {
		return 0, err
	}

	clone := Label{
		UserID:   recipientID,
		Category: source.Category,
		Name:     source.Name,
		Public:   source.Public,
		MemoKind: source.MemoKind,
	}
	if err := s.db.WithContext(ctx).Create(&clone).Error; err != nil {
		s.logError(opAcceptShare, "clone_insert_failed", err, zap.String("share_id", shareID))
		return 0, newServiceError(opAcceptShare, "clone_insert_failed", err)
	}

	sourceFolder := FolderKey(source.UserID, source.ID)
	cloneFolder := FolderKey(recipientID, clone.ID)
	objectID, _, resourceKind := memoObjectParams(source.MemoKind)
	visibility := visibilityFor(source.Public)

	if err := s.store.Copy(ctx, sourceFolder, cloneFolder, resourceKind, visibility); err != nil {
		s.logError(opAcceptShare, "memo_copy_failed", err, zap.String("share_id", shareID))
		return 0, newServiceError(opAcceptShare, "memo_copy_failed", err)
	}

	copied, err := s.store.List(ctx, cloneFolder, resourceKind, visibility)
	if err != nil {
		s.logError(opAcceptShare, "memo_list_failed", err, zap.String("share_id", shareID))
		return 0, newServiceError(opAcceptShare, "memo_list_failed", err)
	}
	memoURL := ""
	for _, object := range copied {
		if object.ObjectID == objectID {
			memoURL = object.URL
			break
		}
	}
	if memoURL == "" {
		s.logError(opAcceptShare, "memo_missing_after_copy", storage.ErrObjectNotFound, zap.String("share_id", shareID))
		return 0, newServiceError(opAcceptShare, "memo_missing_after_copy", storage.ErrObjectNotFound)
	}

	if err := s.db.WithContext(ctx).Model(&Label{}).
		Where("id = ?", clone.ID).
		Update("memo_url", memoURL).Error; err != nil {
		s.logError(opAcceptShare, "memo_update_failed", err, zap.String("share_id", shareID))
		return 0, newServiceError(opAcceptShare, "memo_update_failed", err)
	}
	clone.MemoURL = &memoURL

	if _, err := s.publishQR(ctx, opAcceptShare, &clone, memoURL); err != nil {
		return 0, err
	}

	if err := sh.resolveOffer(ctx, opAcceptShare, shareID, ShareStatusAccepted); err != nil {
		return 0, err
	}

	s.logger.Info("shared label accepted",
		zap.String("share_id", shareID),
		zap.Uint("clone_label_id", clone.ID))
	return clone.ID, nil
}

// DeclineSharedLabel records a terminal decline. Nothing is cloned.
func (sh *Sharing) DeclineSharedLabel(ctx context.Context, shareID, recipientID string) error {
	offer, err := sh.fetchOffer(ctx, opDeclineShare, shareID, recipientID)
	if err != nil {
		return err
	}
	if offer.Status != ShareStatusPending {
		return newServiceError(opDeclineShare, "already_resolved", ErrShareResolved)
	}
	return sh.resolveOffer(ctx, opDeclineShare, shareID, ShareStatusDeclined)
}

// ListSharedLabels returns the offers addressed to the recipient, newest first.
func (sh *Sharing) ListSharedLabels(ctx context.Context, recipientID string) ([]SharedLabel, error) {
	s := sh.service
	if recipientID == "" {
		return nil, newServiceError(opListShares, "missing_owner", ErrMissingOwner)
	}
	var offers []SharedLabel
	if err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").
		Find(&offers).Error; err != nil {
		s.logError(opListShares, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, newServiceError(opListShares, "query_failed", err)
	}
	return offers, nil
}

func (sh *Sharing) fetchOffer(ctx context.Context, operation, shareID, recipientID string) (*SharedLabel, error) {
	s := sh.service
	var offer SharedLabel
	err := s.db.WithContext(ctx).
		Where("id = ? AND recipient_id = ?", shareID, recipientID).
		Take(&offer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(operation, "not_found", ErrShareNotFound)
	}
	if err != nil {
		s.logError(operation, "offer_select_failed", err, zap.String("share_id", shareID))
		return nil, newServiceError(operation, "offer_select_failed", err)
	}
	return &offer, nil
}

// resolveOffer flips a pending offer to a terminal status. The status guard
// in the WHERE clause keeps the transition one-way even under a race.
func (sh *Sharing) resolveOffer(ctx context.Context, operation, shareID string, status ShareStatus) error {
	s := sh.service
	resolvedAt := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&SharedLabel{}).
		Where("id = ? AND status = ?", shareID, ShareStatusPending).
		Updates(map[string]interface{}{"status": status, "resolved_at": resolvedAt})
	if result.Error != nil {
		s.logError(operation, "status_update_failed", result.Error, zap.String("share_id", shareID))
		return newServiceError(operation, "status_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(operation, "already_resolved", ErrShareResolved)
	}
	return nil
}
