package labels

import (
	"context"
	"errors"

	"github.com/packmark/packmark/backend/internal/mailer"
	"github.com/packmark/packmark/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAccessLabel = "labels.access_label"
	opVerifyPIN   = "labels.verify_pin"
)

var (
	errMissingMailer    = errors.New("mailer is required")
	errMissingDirectory = errors.New("owner directory is required")

	// ErrInvalidPIN indicates the submitted PIN does not match the stored one.
	ErrInvalidPIN = errors.New("labels: invalid pin")
	// ErrPINNotIssued indicates verification was attempted before any scan
	// issued a PIN for the label.
	ErrPINNotIssued = errors.New("labels: no pin issued for label")
)

// AccessState describes the outcome of an access attempt.
type AccessState string

const (
	// AccessGranted means the requester may fetch the memo directly.
	AccessGranted AccessState = "granted"
	// AccessPINSent means the label is private and a fresh PIN went to the owner.
	AccessPINSent AccessState = "pin_sent"
)

// AccessDecision is what the gateway hands back to the HTTP layer.
type AccessDecision struct {
	State   AccessState
	MemoURL string
}

// OwnerDirectory resolves a label owner to a deliverable email address.
type OwnerDirectory interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
}

// GatewayConfig wires the access gateway's collaborators.
type GatewayConfig struct {
	Database  *gorm.DB
	Store     storage.ObjectStore
	Mailer    mailer.Mailer
	Directory OwnerDirectory
	PINs      PINGenerator
	Logger    *zap.Logger
}

// Gateway decides, per label, whether a requester sees the memo directly or
// must first complete PIN verification.
type Gateway struct {
	db        *gorm.DB
	store     storage.ObjectStore
	mailer    mailer.Mailer
	directory OwnerDirectory
	pins      PINGenerator
	logger    *zap.Logger
}

// NewGateway validates the configuration and constructs the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAccessLabel, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opAccessLabel, "missing_store", errMissingStore)
	}
	if cfg.Mailer == nil {
		return nil, newServiceError(opAccessLabel, "missing_mailer", errMissingMailer)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opAccessLabel, "missing_directory", errMissingDirectory)
	}

	pins := cfg.PINs
	if pins == nil {
		pins = NewRandomPINGenerator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Gateway{
		db:        cfg.Database,
		store:     cfg.Store,
		mailer:    cfg.Mailer,
		directory: cfg.Directory,
		pins:      pins,
		logger:    logger,
	}, nil
}

// AccessLabel handles a QR scan. Public labels resolve straight to the memo
// URL. Private labels get a fresh PIN on every scan: generated, persisted on
// the row, and mailed to the owner. The memo URL is never revealed here.
func (g *Gateway) AccessLabel(ctx context.Context, labelID uint) (AccessDecision, error) {
	label, err := g.fetchLabel(ctx, opAccessLabel, labelID)
	if err != nil {
		return AccessDecision{}, err
	}

	if label.Public {
		memoURL, err := g.resolveMemoURL(ctx, opAccessLabel, label)
		if err != nil {
			return AccessDecision{}, err
		}
		return AccessDecision{State: AccessGranted, MemoURL: memoURL}, nil
	}

	pin, err := g.pins.NewPIN()
	if err != nil {
		g.logError(opAccessLabel, "pin_generation_failed", err, zap.Uint("label_id", labelID))
		return AccessDecision{}, newServiceError(opAccessLabel, "pin_generation_failed", err)
	}

	if err := g.db.WithContext(ctx).Model(&Label{}).
		Where("id = ?", label.ID).
		Update("pin", pin).Error; err != nil {
		g.logError(opAccessLabel, "pin_persist_failed", err, zap.Uint("label_id", labelID))
		return AccessDecision{}, newServiceError(opAccessLabel, "pin_persist_failed", err)
	}

	ownerEmail, err := g.directory.EmailForUser(ctx, label.UserID)
	if err != nil {
		g.logError(opAccessLabel, "owner_lookup_failed", err, zap.Uint("label_id", labelID))
		return AccessDecision{}, newServiceError(opAccessLabel, "owner_lookup_failed", err)
	}
	if err := mailer.SendPINEmail(ctx, g.mailer, ownerEmail, pin); err != nil {
		g.logError(opAccessLabel, "pin_mail_failed", err, zap.Uint("label_id", labelID))
		return AccessDecision{}, newServiceError(opAccessLabel, "pin_mail_failed", err)
	}

	g.logger.Info("access pin issued", zap.Uint("label_id", labelID))
	return AccessDecision{State: AccessPINSent}, nil
}

// VerifyPIN compares the submitted PIN against the stored one. A match
// reveals the memo URL and leaves the PIN in place; a mismatch rejects
// without consuming or altering it. There is no attempt limit.
func (g *Gateway) VerifyPIN(ctx context.Context, labelID uint, submittedPIN string) (string, error) {
	label, err := g.fetchLabel(ctx, opVerifyPIN, labelID)
	if err != nil {
		return "", err
	}

	if label.Public {
		return g.resolveMemoURL(ctx, opVerifyPIN, label)
	}

	if label.PIN == nil {
		return "", newServiceError(opVerifyPIN, "pin_not_issued", ErrPINNotIssued)
	}
	if submittedPIN != *label.PIN {
		return "", newServiceError(opVerifyPIN, "pin_mismatch", ErrInvalidPIN)
	}

	return g.resolveMemoURL(ctx, opVerifyPIN, label)
}

func (g *Gateway) fetchLabel(ctx context.Context, operation string, labelID uint) (*Label, error) {
	var label Label
	if err := g.db.WithContext(ctx).Where("id = ?", labelID).Take(&label).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(operation, "not_found", ErrLabelNotFound)
		}
		g.logError(operation, "row_select_failed", err, zap.Uint("label_id", labelID))
		return nil, newServiceError(operation, "row_select_failed", err)
	}
	return &label, nil
}

func (g *Gateway) resolveMemoURL(ctx context.Context, operation string, label *Label) (string, error) {
	if label.MemoURL == nil || *label.MemoURL == "" {
		return "", newServiceError(operation, "memo_missing", ErrLabelNotFound)
	}
	resolved, err := g.store.ResolveURL(ctx, *label.MemoURL)
	if err != nil {
		g.logError(operation, "memo_resolve_failed", err, zap.Uint("label_id", label.ID))
		return "", newServiceError(operation, "memo_resolve_failed", err)
	}
	return resolved, nil
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	if g.logger == nil {
		noOpLogger.Error("labels gateway error", attrs...)
		return
	}
	g.logger.Error("labels gateway error", attrs...)
}
