package labels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/packmark/packmark/backend/internal/qr"
	"github.com/packmark/packmark/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("object store is required")
	errMissingEncoder  = errors.New("qr encoder is required")
	errMissingBaseURL  = errors.New("base url is required")
	noOpLogger         = zap.NewNop()

	// ErrMissingOwner indicates a request without an owner identifier.
	ErrMissingOwner = errors.New("labels: owner identifier is required")
	// ErrLabelNotFound indicates the label does not exist or belongs to someone else.
	ErrLabelNotFound = errors.New("labels: label not found")
	// ErrMissingPayload indicates a create request without memo content.
	ErrMissingPayload = errors.New("labels: memo payload is required")
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "labels.service.new"
	opCreateLabel  = "labels.create_label"
	opEditLabel    = "labels.edit_label"
	opDeleteLabel  = "labels.delete_label"
	opRegenerateQR = "labels.regenerate_qr"
	opListLabels   = "labels.list_labels"
	opGetLabel     = "labels.get_label"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for share offers and similar records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the orchestrator's collaborators.
type ServiceConfig struct {
	Database *gorm.DB
	Store    storage.ObjectStore
	// QREncoder encodes public memo targets.
	QREncoder qr.Encoder
	// QRVerifyEncoder encodes PIN-verification targets. Defaults to QREncoder.
	QRVerifyEncoder qr.Encoder
	Clock           func() time.Time
	BaseURL         string
	IDProvider      IDProvider
	PINs            PINGenerator
	// ArchiveOnDelete relocates surviving objects instead of leaving them behind.
	ArchiveOnDelete bool
	Logger          *zap.Logger
}

// Service is the label provisioning and teardown orchestrator. Each operation
// is a strictly ordered sequence of object-store and database calls; a failed
// step aborts the rest and already-completed steps stay as they are.
type Service struct {
	db              *gorm.DB
	store           storage.ObjectStore
	qrEncoder       qr.Encoder
	qrVerifyEncoder qr.Encoder
	clock           func() time.Time
	baseURL         string
	idProvider      IDProvider
	pins            PINGenerator
	archiveOnDelete bool
	logger          *zap.Logger
}

// NewService validates the configuration and constructs the orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.QREncoder == nil {
		return nil, newServiceError(opServiceNew, "missing_qr_encoder", errMissingEncoder)
	}
	if cfg.BaseURL == "" {
		return nil, newServiceError(opServiceNew, "missing_base_url", errMissingBaseURL)
	}

	verifyEncoder := cfg.QRVerifyEncoder
	if verifyEncoder == nil {
		verifyEncoder = cfg.QREncoder
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	pins := cfg.PINs
	if pins == nil {
		pins = NewRandomPINGenerator()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:              cfg.Database,
		store:           cfg.Store,
		qrEncoder:       cfg.QREncoder,
		qrVerifyEncoder: verifyEncoder,
		clock:           clock,
		baseURL:         cfg.BaseURL,
		idProvider:      idProvider,
		pins:            pins,
		archiveOnDelete: cfg.ArchiveOnDelete,
		logger:          logger,
	}, nil
}

// CreateRequest describes one create-label call.
type CreateRequest struct {
	OwnerID     string
	Category    Category
	Name        string
	Public      bool
	MemoKind    MemoKind
	MemoPayload []byte
}

// CreateResult reports the provisioned identifiers back to the caller.
type CreateResult struct {
	LabelID uint
	MemoURL string
	QRURL   string
}

// CreateLabel provisions a label row, its memo object, and its QR code as one
// logical unit. Steps are strictly ordered: the row insert yields the id the
// folder key derives from, the memo upload yields the URL the QR encodes.
// Completed steps are not rolled back on failure.
func (s *Service) CreateLabel(ctx context.Context, request CreateRequest) (CreateResult, error) {
	if request.OwnerID == "" {
		return CreateResult{}, newServiceError(opCreateLabel, "missing_owner", ErrMissingOwner)
	}
	name, err := ParseName(request.Name)
	if err != nil {
		return CreateResult{}, newServiceError(opCreateLabel, "invalid_name", err)
	}
	if _, err := ParseCategory(string(request.Category)); err != nil {
		return CreateResult{}, newServiceError(opCreateLabel, "invalid_category", err)
	}
	if _, err := ParseMemoKind(string(request.MemoKind)); err != nil {
		return CreateResult{}, newServiceError(opCreateLabel, "invalid_memo_kind", err)
	}
	if len(request.MemoPayload) == 0 {
		return CreateResult{}, newServiceError(opCreateLabel, "missing_payload", ErrMissingPayload)
	}

	label := Label{
		UserID:   request.OwnerID,
		Category: request.Category,
		Name:     name,
		Public:   request.Public,
		MemoKind: request.MemoKind,
	}
	if err := s.db.WithContext(ctx).Create(&label).Error; err != nil {
		s.logError(opCreateLabel, "row_insert_failed", err, zap.String("owner_id", request.OwnerID))
		return CreateResult{}, newServiceError(opCreateLabel, "row_insert_failed", err)
	}

	folder := FolderKey(request.OwnerID, label.ID)
	objectID, contentType, resourceKind := memoObjectParams(request.MemoKind)

	memoURL, err := s.store.Upload(ctx, folder, objectID, request.MemoPayload, contentType, resourceKind, visibilityFor(request.Public))
	if err != nil {
		s.logError(opCreateLabel, "memo_upload_failed", err, zap.Uint("label_id", label.ID))
		return CreateResult{}, newServiceError(opCreateLabel, "memo_upload_failed", err)
	}

	if err := s.db.WithContext(ctx).Model(&Label{}).
		Where("id = ?", label.ID).
		Update("memo_url", memoURL).Error; err != nil {
		s.logError(opCreateLabel, "memo_update_failed", err, zap.Uint("label_id", label.ID))
		return CreateResult{}, newServiceError(opCreateLabel, "memo_update_failed", err)
	}

	label.MemoURL = &memoURL
	qrURL, err := s.publishQR(ctx, opCreateLabel, &label, memoURL)
	if err != nil {
		return CreateResult{}, err
	}

	s.logger.Info("label created",
		zap.Uint("label_id", label.ID),
		zap.String("owner_id", request.OwnerID),
		zap.String("category", string(request.Category)),
		zap.Bool("public", request.Public))

	return CreateResult{LabelID: label.ID, MemoURL: memoURL, QRURL: qrURL}, nil
}

// Changes lists the fields an edit may touch. Nil pointers leave the stored
// value alone.
type Changes struct {
	Name        *string
	Public      *bool
	MemoKind    *MemoKind
	MemoPayload []byte
}

// EditLabel diffs the requested changes against the stored row and performs
// the minimal side effects. A memo replacement clears every object kind in
// the folder first so a kind switch never leaves a mixed-type memo behind.
// The QR is regenerated at most once, from the final visibility and memo URL.
func (s *Service) EditLabel(ctx context.Context, labelID uint, ownerID string, changes Changes) error {
	if ownerID == "" {
		return newServiceError(opEditLabel, "missing_owner", ErrMissingOwner)
	}

	label, err := s.fetchOwned(ctx, opEditLabel, labelID, ownerID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{}
	regenerate := false

	if changes.Name != nil {
		name, err := ParseName(*changes.Name)
		if err != nil {
			return newServiceError(opEditLabel, "invalid_name", err)
		}
		if name != label.Name {
			updates["label_name"] = name
			label.Name = name
		}
	}

	finalPublic := label.Public
	if changes.Public != nil && *changes.Public != label.Public {
		finalPublic = *changes.Public
		updates["public"] = finalPublic
		regenerate = true
	}

	if len(changes.MemoPayload) > 0 {
		kind := label.MemoKind
		if changes.MemoKind != nil {
			parsed, err := ParseMemoKind(string(*changes.MemoKind))
			if err != nil {
				return newServiceError(opEditLabel, "invalid_memo_kind", err)
			}
			kind = parsed
		}

		folder := FolderKey(ownerID, label.ID)
		s.clearFolder(ctx, opEditLabel, folder, label.ID)

		objectID, contentType, resourceKind := memoObjectParams(kind)
		memoURL, err := s.store.Upload(ctx, folder, objectID, changes.MemoPayload, contentType, resourceKind, visibilityFor(finalPublic))
		if err != nil {
			s.logError(opEditLabel, "memo_upload_failed", err, zap.Uint("label_id", label.ID))
			return newServiceError(opEditLabel, "memo_upload_failed", err)
		}
		updates["memo_url"] = memoURL
		updates["memo_kind"] = kind
		label.MemoURL = &memoURL
		label.MemoKind = kind
		regenerate = true
	} else if changes.Public != nil && *changes.Public != label.Public && label.MemoURL != nil {
		// Visibility flipped without new content: the stored object must be
		// recreated under the matching visibility so the row never points at
		// an object of the wrong access type. A failed read-back aborts the
		// whole edit.
		reader, ok := s.store.(storage.PayloadReader)
		if !ok {
			s.logger.Warn("store cannot read memo back, visibility flip skipped for the stored object",
				zap.String("operation", opEditLabel),
				zap.Uint("label_id", label.ID))
		} else {
			folder := FolderKey(ownerID, label.ID)
			objectID, contentType, resourceKind := memoObjectParams(label.MemoKind)
			payload, err := reader.Fetch(ctx, folder, objectID, resourceKind, visibilityFor(label.Public))
			if err != nil {
				s.logError(opEditLabel, "memo_read_failed", err, zap.Uint("label_id", label.ID))
				return newServiceError(opEditLabel, "memo_read_failed", err)
			}
			s.clearFolder(ctx, opEditLabel, folder, label.ID)
			memoURL, uploadErr := s.store.Upload(ctx, folder, objectID, payload, contentType, resourceKind, visibilityFor(finalPublic))
			if uploadErr != nil {
				s.logError(opEditLabel, "memo_reupload_failed", uploadErr, zap.Uint("label_id", label.ID))
				return newServiceError(opEditLabel, "memo_reupload_failed", uploadErr)
			}
			updates["memo_url"] = memoURL
			label.MemoURL = &memoURL
		}
	}

	if len(updates) == 0 && !regenerate {
		return nil
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&Label{}).
			Where("id = ?", label.ID).
			Updates(updates).Error; err != nil {
			s.logError(opEditLabel, "row_update_failed", err, zap.Uint("label_id", label.ID))
			return newServiceError(opEditLabel, "row_update_failed", err)
		}
	}

	if regenerate {
		label.Public = finalPublic
		memoURL := ""
		if label.MemoURL != nil {
			memoURL = *label.MemoURL
		}
		if _, err := s.regenerateQR(ctx, opEditLabel, label, memoURL); err != nil {
			return err
		}
	}

	s.logger.Info("label edited", zap.Uint("label_id", label.ID), zap.Bool("qr_regenerated", regenerate))
	return nil
}

// DeleteLabel tears a label down. Object-store cleanup is best-effort and
// independently logged; the closing database delete is authoritative, so the
// label is gone once the row is removed even if some objects linger.
func (s *Service) DeleteLabel(ctx context.Context, labelID uint, ownerID string) error {
	if ownerID == "" {
		return newServiceError(opDeleteLabel, "missing_owner", ErrMissingOwner)
	}

	label, err := s.fetchOwned(ctx, opDeleteLabel, labelID, ownerID)
	if err != nil {
		return err
	}

	folder := FolderKey(ownerID, label.ID)
	visibility := visibilityFor(label.Public)

	// The QR object goes first: it is always public, so the visibility scoped
	// cleanup below can miss it on private labels, and it must never end up
	// in the archive pointing at a label that no longer exists.
	if err := s.store.DeleteObject(ctx, folder, qrObjectID, storage.ResourceKindImage); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Warn("qr object cleanup failed",
			zap.String("operation", opDeleteLabel),
			zap.Uint("label_id", label.ID),
			zap.Error(err))
	}

	archive := ArchiveFolderKey(ownerID, label.ID)
	for _, kind := range storage.ResourceKinds {
		var cleanupErr error
		if s.archiveOnDelete {
			cleanupErr = s.store.Rename(ctx, folder, archive, kind, visibility)
		} else {
			cleanupErr = s.store.DeleteByPrefix(ctx, folder, kind, visibility)
		}
		if cleanupErr != nil {
			s.logger.Warn("label resource cleanup failed",
				zap.String("operation", opDeleteLabel),
				zap.Uint("label_id", label.ID),
				zap.String("resource_kind", string(kind)),
				zap.Error(cleanupErr))
		}
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("label_id = ?", label.ID).Delete(&QRCode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("label_id = ?", label.ID).Delete(&SharedLabel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Label{}, label.ID).Error
	})
	if txErr != nil {
		s.logError(opDeleteLabel, "row_delete_failed", txErr, zap.Uint("label_id", label.ID))
		return newServiceError(opDeleteLabel, "row_delete_failed", txErr)
	}

	s.logger.Info("label deleted", zap.Uint("label_id", label.ID), zap.String("owner_id", ownerID))
	return nil
}

// RegenerateQR rebuilds the stored QR from the label's current target.
func (s *Service) RegenerateQR(ctx context.Context, labelID uint, ownerID string) error {
	label, err := s.fetchOwned(ctx, opRegenerateQR, labelID, ownerID)
	if err != nil {
		return err
	}
	memoURL := ""
	if label.MemoURL != nil {
		memoURL = *label.MemoURL
	}
	_, err = s.regenerateQR(ctx, opRegenerateQR, label, memoURL)
	return err
}

// GetLabel fetches one label scoped to its owner.
func (s *Service) GetLabel(ctx context.Context, labelID uint, ownerID string) (Label, error) {
	label, err := s.fetchOwned(ctx, opGetLabel, labelID, ownerID)
	if err != nil {
		return Label{}, err
	}
	return *label, nil
}

// LabelWithQR pairs a label row with its current QR image URL.
type LabelWithQR struct {
	Label Label
	QRURL string
}

// ListLabels returns every label owned by the user, newest first, each with
// its QR image URL when one exists.
func (s *Service) ListLabels(ctx context.Context, ownerID string) ([]LabelWithQR, error) {
	if ownerID == "" {
		return nil, newServiceError(opListLabels, "missing_owner", ErrMissingOwner)
	}

	var rows []Label
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListLabels, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, newServiceError(opListLabels, "query_failed", err)
	}

	listed := make([]LabelWithQR, 0, len(rows))
	for _, row := range rows {
		entry := LabelWithQR{Label: row}
		var code QRCode
		err := s.db.WithContext(ctx).Where("label_id = ?", row.ID).Take(&code).Error
		if err == nil {
			entry.QRURL = code.ImageURL
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opListLabels, "qr_query_failed", err, zap.Uint("label_id", row.ID))
			return nil, newServiceError(opListLabels, "qr_query_failed", err)
		}
		listed = append(listed, entry)
	}
	return listed, nil
}

const qrObjectID = "qr_code"

// publishQR is the create-flow tail: encode the current target, upload the
// image, upsert the qr_codes row, persist the verification URL when private.
func (s *Service) publishQR(ctx context.Context, operation string, label *Label, memoURL string) (string, error) {
	target, encoder := s.qrTarget(label, memoURL)

	imageBytes, err := encoder.Encode(target)
	if err != nil {
		s.logError(operation, "qr_encode_failed", err, zap.Uint("label_id", label.ID))
		return "", newServiceError(operation, "qr_encode_failed", err)
	}

	folder := FolderKey(label.UserID, label.ID)
	qrURL, err := s.store.Upload(ctx, folder, qrObjectID, imageBytes, "image/png", storage.ResourceKindImage, storage.VisibilityPublic)
	if err != nil {
		s.logError(operation, "qr_upload_failed", err, zap.Uint("label_id", label.ID))
		return "", newServiceError(operation, "qr_upload_failed", err)
	}

	record := QRCode{LabelID: label.ID, ImageURL: qrURL, GeneratedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "label_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"qr_code_data", "generated_at"}),
	}).Create(&record).Error; err != nil {
		s.logError(operation, "qr_record_failed", err, zap.Uint("label_id", label.ID))
		return "", newServiceError(operation, "qr_record_failed", err)
	}

	if !label.Public {
		verification := s.verificationURL(label.ID)
		if err := s.db.WithContext(ctx).Model(&Label{}).
			Where("id = ?", label.ID).
			Update("verification_url", verification).Error; err != nil {
			s.logError(operation, "verification_update_failed", err, zap.Uint("label_id", label.ID))
			return "", newServiceError(operation, "verification_update_failed", err)
		}
		label.VerificationURL = &verification
	}

	return qrURL, nil
}

// regenerateQR is the edit-flow variant: the stale QR row and object are
// removed first so a scan can never resolve to a target from before the
// change. A missing old QR is logged and skipped, not a failure.
func (s *Service) regenerateQR(ctx context.Context, operation string, label *Label, memoURL string) (string, error) {
	if err := s.db.WithContext(ctx).Where("label_id = ?", label.ID).Delete(&QRCode{}).Error; err != nil {
		s.logError(operation, "qr_row_delete_failed", err, zap.Uint("label_id", label.ID))
		return "", newServiceError(operation, "qr_row_delete_failed", err)
	}

	folder := FolderKey(label.UserID, label.ID)
	if err := s.store.DeleteObject(ctx, folder, qrObjectID, storage.ResourceKindImage); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Warn("stale qr object delete failed",
			zap.String("operation", operation),
			zap.Uint("label_id", label.ID),
			zap.Error(err))
	}

	return s.publishQR(ctx, operation, label, memoURL)
}

// clearFolder removes every memo object kind under the folder, across both
// visibility types. Cleanup failures are logged and skipped so an edit can
// proceed past a missing object.
func (s *Service) clearFolder(ctx context.Context, operation, folder string, labelID uint) {
	for _, kind := range storage.ResourceKinds {
		for _, visibility := range []storage.Visibility{storage.VisibilityPublic, storage.VisibilityRestricted} {
			if err := s.store.DeleteByPrefix(ctx, folder, kind, visibility); err != nil {
				s.logger.Warn("memo cleanup failed",
					zap.String("operation", operation),
					zap.Uint("label_id", labelID),
					zap.String("resource_kind", string(kind)),
					zap.Error(err))
			}
		}
	}
}

func (s *Service) qrTarget(label *Label, memoURL string) (string, qr.Encoder) {
	if label.Public {
		return memoURL, s.qrEncoder
	}
	return s.verificationURL(label.ID), s.qrVerifyEncoder
}

func (s *Service) verificationURL(labelID uint) string {
	return fmt.Sprintf("%s/verify-pin?labelId=%d", s.baseURL, labelID)
}

func (s *Service) fetchOwned(ctx context.Context, operation string, labelID uint, ownerID string) (*Label, error) {
	var label Label
	query := s.db.WithContext(ctx).Where("id = ?", labelID)
	if ownerID != "" {
		query = query.Where("user_id = ?", ownerID)
	}
	if err := query.Take(&label).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(operation, "not_found", ErrLabelNotFound)
		}
		s.logError(operation, "row_select_failed", err, zap.Uint("label_id", labelID))
		return nil, newServiceError(operation, "row_select_failed", err)
	}
	return &label, nil
}

func memoObjectParams(kind MemoKind) (objectID, contentType string, resourceKind storage.ResourceKind) {
	switch kind {
	case MemoKindVoice:
		return "voice-memo", "audio/webm", storage.ResourceKindVideo
	case MemoKindImage:
		return "uploaded-image", "image/png", storage.ResourceKindImage
	default:
		return "memo", "text/plain; charset=utf-8", storage.ResourceKindRaw
	}
}

func visibilityFor(public bool) storage.Visibility {
	if public {
		return storage.VisibilityPublic
	}
	return storage.VisibilityRestricted
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("labels service error", attrs...)
}
