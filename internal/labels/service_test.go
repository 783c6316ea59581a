package labels

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/packmark/packmark/backend/internal/storage"
	"gorm.io/gorm"
)

var labelsDatabaseSequence int64

type stubEncoder struct {
	targets []string
	fail    bool
}

func (e *stubEncoder) Encode(targetURL string) ([]byte, error) {
	if e.fail {
		return nil, errors.New("encoder down")
	}
	e.targets = append(e.targets, targetURL)
	return []byte("png:" + targetURL), nil
}

type stubPINs struct{ pin string }

func (s stubPINs) NewPIN() (string, error) { return s.pin, nil }

func openLabelsDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	sequence := atomic.AddInt64(&labelsDatabaseSequence, 1)
	dsn := fmt.Sprintf("file:labels_%d?mode=memory&cache=shared", sequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Label{}, &QRCode{}, &SharedLabel{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newLabelService(t *testing.T, db *gorm.DB, store storage.ObjectStore) (*Service, *stubEncoder, *stubEncoder) {
	t.Helper()
	encoder := &stubEncoder{}
	verifyEncoder := &stubEncoder{}
	service, err := NewService(ServiceConfig{
		Database:        db,
		Store:           store,
		QREncoder:       encoder,
		QRVerifyEncoder: verifyEncoder,
		Clock:           func() time.Time { return time.Unix(1700000000, 0) },
		BaseURL:         "https://packmark.test",
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, encoder, verifyEncoder
}

func TestCreateLabelPublicText(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, encoder, verifyEncoder := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-1",
		Category:    CategoryFragile,
		Name:        "Kitchen Box",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("glassware"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.LabelID == 0 {
		t.Fatal("expected allocated label id")
	}

	folder := FolderKey("owner-1", result.LabelID)
	if !store.Contains(folder, "memo", storage.ResourceKindRaw, storage.VisibilityPublic) {
		t.Fatal("expected public text memo object")
	}
	if !store.Contains(folder, "qr_code", storage.ResourceKindImage, storage.VisibilityPublic) {
		t.Fatal("expected public qr object")
	}

	// public labels encode the memo url directly, with the standard encoder
	if len(encoder.targets) != 1 || encoder.targets[0] != result.MemoURL {
		t.Fatalf("expected qr target to be the memo url, got %v", encoder.targets)
	}
	if len(verifyEncoder.targets) != 0 {
		t.Fatalf("verification encoder must not be used for public labels, got %v", verifyEncoder.targets)
	}

	var stored Label
	if err := db.Take(&stored, result.LabelID).Error; err != nil {
		t.Fatalf("failed to reload label: %v", err)
	}
	if stored.MemoURL == nil || *stored.MemoURL != result.MemoURL {
		t.Fatalf("expected persisted memo url %q, got %v", result.MemoURL, stored.MemoURL)
	}
	if stored.VerificationURL != nil {
		t.Fatal("public labels must not carry a verification url")
	}

	var code QRCode
	if err := db.Where("label_id = ?", result.LabelID).Take(&code).Error; err != nil {
		t.Fatalf("expected qr record: %v", err)
	}
	if code.ImageURL != result.QRURL {
		t.Fatalf("expected qr record url %q, got %q", result.QRURL, code.ImageURL)
	}
}

func TestCreateLabelPrivateImageEncodesVerificationTarget(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, encoder, verifyEncoder := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-2",
		Category:    CategoryHazard,
		Name:        "Solvent Crate",
		Public:      false,
		MemoKind:    MemoKindImage,
		MemoPayload: []byte{0x89, 'P', 'N', 'G'},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	folder := FolderKey("owner-2", result.LabelID)
	if !store.Contains(folder, "uploaded-image", storage.ResourceKindImage, storage.VisibilityRestricted) {
		t.Fatal("expected restricted image memo object")
	}
	// the qr image itself stays public even for private labels
	if !store.Contains(folder, "qr_code", storage.ResourceKindImage, storage.VisibilityPublic) {
		t.Fatal("expected public qr object")
	}

	expectedTarget := fmt.Sprintf("https://packmark.test/verify-pin?labelId=%d", result.LabelID)
	if len(verifyEncoder.targets) != 1 || verifyEncoder.targets[0] != expectedTarget {
		t.Fatalf("expected verification target %q, got %v", expectedTarget, verifyEncoder.targets)
	}
	if len(encoder.targets) != 0 {
		t.Fatalf("standard encoder must not be used for private labels, got %v", encoder.targets)
	}

	var stored Label
	if err := db.Take(&stored, result.LabelID).Error; err != nil {
		t.Fatalf("failed to reload label: %v", err)
	}
	if stored.VerificationURL == nil || *stored.VerificationURL != expectedTarget {
		t.Fatalf("expected persisted verification url %q, got %v", expectedTarget, stored.VerificationURL)
	}
}

func TestCreateLabelValidation(t *testing.T) {
	db := openLabelsDatabase(t)
	service, _, _ := newLabelService(t, db, storage.NewMemoryStore())

	testCases := []struct {
		name    string
		request CreateRequest
		wantErr error
	}{
		{
			name:    "missing owner",
			request: CreateRequest{Category: CategoryGeneral, Name: "x", MemoKind: MemoKindText, MemoPayload: []byte("y")},
			wantErr: ErrMissingOwner,
		},
		{
			name:    "empty name",
			request: CreateRequest{OwnerID: "o", Category: CategoryGeneral, Name: "  ", MemoKind: MemoKindText, MemoPayload: []byte("y")},
			wantErr: ErrInvalidName,
		},
		{
			name:    "bad category",
			request: CreateRequest{OwnerID: "o", Category: "weird", Name: "x", MemoKind: MemoKindText, MemoPayload: []byte("y")},
			wantErr: ErrInvalidCategory,
		},
		{
			name:    "bad memo kind",
			request: CreateRequest{OwnerID: "o", Category: CategoryGeneral, Name: "x", MemoKind: "paper", MemoPayload: []byte("y")},
			wantErr: ErrInvalidMemoKind,
		},
		{
			name:    "missing payload",
			request: CreateRequest{OwnerID: "o", Category: CategoryGeneral, Name: "x", MemoKind: MemoKindText},
			wantErr: ErrMissingPayload,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.CreateLabel(context.Background(), testCase.request)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestEditLabelMemoReplacementClearsOldKind(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, _, _ := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-3",
		Category:    CategoryGeneral,
		Name:        "Attic Box",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("old text"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	voice := MemoKindVoice
	err = service.EditLabel(context.Background(), result.LabelID, "owner-3", Changes{
		MemoKind:    &voice,
		MemoPayload: []byte("webm-bytes"),
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	folder := FolderKey("owner-3", result.LabelID)
	if store.Contains(folder, "memo", storage.ResourceKindRaw, storage.VisibilityPublic) {
		t.Fatal("expected old text memo object to be removed")
	}
	if !store.Contains(folder, "voice-memo", storage.ResourceKindVideo, storage.VisibilityPublic) {
		t.Fatal("expected new voice memo object")
	}

	var stored Label
	if err := db.Take(&stored, result.LabelID).Error; err != nil {
		t.Fatalf("failed to reload label: %v", err)
	}
	if stored.MemoKind != MemoKindVoice {
		t.Fatalf("expected memo kind voice, got %s", stored.MemoKind)
	}
}

func TestEditLabelVisibilityFlipRetargetsQR(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, encoder, verifyEncoder := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-4",
		Category:    CategoryGeneral,
		Name:        "Books",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("novels"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	private := false
	if err := service.EditLabel(context.Background(), result.LabelID, "owner-4", Changes{Public: &private}); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	folder := FolderKey("owner-4", result.LabelID)
	// the memo object moves to the restricted partition
	if store.Contains(folder, "memo", storage.ResourceKindRaw, storage.VisibilityPublic) {
		t.Fatal("expected public memo object to be gone after going private")
	}
	if !store.Contains(folder, "memo", storage.ResourceKindRaw, storage.VisibilityRestricted) {
		t.Fatal("expected restricted memo object after going private")
	}

	// the qr now encodes the verification url via the high recovery encoder
	expectedTarget := fmt.Sprintf("https://packmark.test/verify-pin?labelId=%d", result.LabelID)
	if len(verifyEncoder.targets) != 1 || verifyEncoder.targets[0] != expectedTarget {
		t.Fatalf("expected verification target %q, got %v", expectedTarget, verifyEncoder.targets)
	}
	if len(encoder.targets) != 1 {
		t.Fatalf("expected only the original create to use the standard encoder, got %v", encoder.targets)
	}
}

type unreadableStore struct {
	*storage.MemoryStore
}

func (s *unreadableStore) Fetch(context.Context, string, string, storage.ResourceKind, storage.Visibility) ([]byte, error) {
	return nil, errors.New("store unavailable")
}

func TestEditLabelVisibilityFlipAbortsWhenMemoUnreadable(t *testing.T) {
	db := openLabelsDatabase(t)
	store := &unreadableStore{MemoryStore: storage.NewMemoryStore()}
	service, _, verifyEncoder := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-10",
		Category:    CategoryGeneral,
		Name:        "Records",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("vinyl"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	private := false
	err = service.EditLabel(context.Background(), result.LabelID, "owner-10", Changes{Public: &private})
	if err == nil {
		t.Fatal("expected edit to fail when the memo cannot be read back")
	}

	// the row keeps its old visibility and the object stays where it was
	var label Label
	if err := db.Take(&label, result.LabelID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !label.Public {
		t.Fatal("expected label to stay public after the failed flip")
	}
	folder := FolderKey("owner-10", result.LabelID)
	if !store.Contains(folder, "memo", storage.ResourceKindRaw, storage.VisibilityPublic) {
		t.Fatal("expected public memo object to survive the failed flip")
	}
	if len(verifyEncoder.targets) != 0 {
		t.Fatalf("expected no qr retarget after the failed flip, got %v", verifyEncoder.targets)
	}
}

func TestEditLabelNoChangesIsNoOp(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, encoder, _ := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-5",
		Category:    CategoryGeneral,
		Name:        "Lamps",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("two lamps"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	encodesBefore := len(encoder.targets)

	sameName := "Lamps"
	samePublic := true
	if err := service.EditLabel(context.Background(), result.LabelID, "owner-5", Changes{Name: &sameName, Public: &samePublic}); err != nil {
		t.Fatalf("no-op edit failed: %v", err)
	}
	if len(encoder.targets) != encodesBefore {
		t.Fatal("no-op edit must not regenerate the qr")
	}
}

func TestEditLabelScopedToOwner(t *testing.T) {
	db := openLabelsDatabase(t)
	service, _, _ := newLabelService(t, db, storage.NewMemoryStore())

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-6",
		Category:    CategoryGeneral,
		Name:        "Tools",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("hammer"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	name := "Stolen"
	err = service.EditLabel(context.Background(), result.LabelID, "intruder", Changes{Name: &name})
	if !errors.Is(err, ErrLabelNotFound) {
		t.Fatalf("expected ErrLabelNotFound for foreign owner, got %v", err)
	}
}

func TestDeleteLabelRemovesRowsAndObjects(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, _, _ := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-7",
		Category:    CategoryFragile,
		Name:        "Mirrors",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("two mirrors"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.DeleteLabel(context.Background(), result.LabelID, "owner-7"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if store.ObjectCount() != 0 {
		t.Fatalf("expected empty store after delete, got %d objects", store.ObjectCount())
	}
	var count int64
	if err := db.Model(&Label{}).Where("id = ?", result.LabelID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatal("expected label row to be deleted")
	}
	if err := db.Model(&QRCode{}).Where("label_id = ?", result.LabelID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatal("expected qr row to be deleted")
	}

	// deleting again reports not found, not an internal error
	if err := service.DeleteLabel(context.Background(), result.LabelID, "owner-7"); !errors.Is(err, ErrLabelNotFound) {
		t.Fatalf("expected ErrLabelNotFound on second delete, got %v", err)
	}
}

type flakyDeleteStore struct {
	*storage.MemoryStore
}

func (s *flakyDeleteStore) DeleteByPrefix(context.Context, string, storage.ResourceKind, storage.Visibility) error {
	return errors.New("store unavailable")
}

func (s *flakyDeleteStore) DeleteObject(context.Context, string, string, storage.ResourceKind) error {
	return errors.New("store unavailable")
}

func TestDeleteLabelSurvivesStoreOutage(t *testing.T) {
	db := openLabelsDatabase(t)
	store := &flakyDeleteStore{MemoryStore: storage.NewMemoryStore()}
	service, _, _ := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-8",
		Category:    CategoryGeneral,
		Name:        "Cables",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("hdmi"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// object cleanup fails but the database delete stays authoritative
	if err := service.DeleteLabel(context.Background(), result.LabelID, "owner-8"); err != nil {
		t.Fatalf("delete should succeed past object-store failures: %v", err)
	}

	var count int64
	if err := db.Model(&Label{}).Where("id = ?", result.LabelID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatal("expected label row to be deleted despite store outage")
	}
}

func TestDeleteLabelArchivesWhenConfigured(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	encoder := &stubEncoder{}
	service, err := NewService(ServiceConfig{
		Database:        db,
		Store:           store,
		QREncoder:       encoder,
		BaseURL:         "https://packmark.test",
		ArchiveOnDelete: true,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-9",
		Category:    CategoryGeneral,
		Name:        "Winter Gear",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("jackets"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.DeleteLabel(context.Background(), result.LabelID, "owner-9"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	archive := ArchiveFolderKey("owner-9", result.LabelID)
	if !store.Contains(archive, "memo", storage.ResourceKindRaw, storage.VisibilityPublic) {
		t.Fatal("expected memo object relocated to the archive folder")
	}
}

func TestRegenerateQRReplacesStoredImage(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, encoder, _ := newLabelService(t, db, store)

	result, err := service.CreateLabel(context.Background(), CreateRequest{
		OwnerID:     "owner-10",
		Category:    CategoryGeneral,
		Name:        "Plates",
		Public:      true,
		MemoKind:    MemoKindText,
		MemoPayload: []byte("dinner set"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.RegenerateQR(context.Background(), result.LabelID, "owner-10"); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if len(encoder.targets) != 2 {
		t.Fatalf("expected two encodes (create + regenerate), got %d", len(encoder.targets))
	}

	var count int64
	if err := db.Model(&QRCode{}).Where("label_id = ?", result.LabelID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one qr row after regeneration, got %d", count)
	}
}

func TestListLabelsNewestFirstWithQRURLs(t *testing.T) {
	db := openLabelsDatabase(t)
	store := storage.NewMemoryStore()
	service, _, _ := newLabelService(t, db, store)

	for _, name := range []string{"First", "Second"} {
		if _, err := service.CreateLabel(context.Background(), CreateRequest{
			OwnerID:     "owner-11",
			Category:    CategoryGeneral,
			Name:        name,
			Public:      true,
			MemoKind:    MemoKindText,
			MemoPayload: []byte(name),
		}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	listed, err := service.ListLabels(context.Background(), "owner-11")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected two labels, got %d", len(listed))
	}
	for _, entry := range listed {
		if entry.QRURL == "" {
			t.Fatalf("expected qr url for label %d", entry.Label.ID)
		}
	}

	other, err := service.ListLabels(context.Background(), "someone-else")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected empty inventory for other owner, got %d", len(other))
	}
}
