package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:snapshot_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Page{}, &PageNotebookLink{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Blobs:    newTestBlobStore(t),
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct snapshot store: %v", err)
	}
	return store, db
}

func newTestBlobStore(t *testing.T) *FilesystemBlobStore {
	t.Helper()
	blobs, err := NewFilesystemBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	return blobs
}

func seedLink(t *testing.T, db *gorm.DB, linkUUID string, version int64) {
	t.Helper()
	if err := db.Create(&Page{UUID: "page-1", CreatedAtSeconds: 1700000000}).Error; err != nil {
		// The page may already exist when seeding multiple links.
		var count int64
		db.Model(&Page{}).Where("uuid = ?", "page-1").Count(&count)
		if count == 0 {
			t.Fatalf("failed to seed page: %v", err)
		}
	}
	link := PageNotebookLink{
		UUID:           linkUUID,
		PageUUID:       "page-1",
		NotebookUUID:   "nb-" + linkUUID,
		NotebookPageID: "Some Page",
		Open:           false,
		Version:        version,
	}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}
}

func TestPutAdvancesVersionAndStoresBlob(t *testing.T) {
	store, _ := newTestStore(t)
	seedLink(t, store.db, "link-1", 0)
	ctx := context.Background()

	payload := []byte(`{"content":"hello"}`)
	result, err := store.Put(ctx, "link-1", payload, 3, false)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected the write to be accepted")
	}
	if result.Version != 3 {
		t.Fatalf("expected version 3, got %d", result.Version)
	}
	if result.CID != ComputeCID(payload) {
		t.Fatalf("cid does not match the content address")
	}

	stored, err := store.Get(ctx, result.CID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if string(stored) != string(payload) {
		t.Fatalf("stored snapshot does not round-trip")
	}

	link, err := store.FindLink(ctx, "page-1", "nb-link-1")
	if err != nil {
		t.Fatalf("unexpected link error: %v", err)
	}
	if link.CID != result.CID || link.Version != 3 {
		t.Fatalf("link pointer not advanced: %+v", link)
	}
}

func TestPutLosingVersionRaceIsNotAnError(t *testing.T) {
	store, _ := newTestStore(t)
	seedLink(t, store.db, "link-1", 7)
	ctx := context.Background()

	result, err := store.Put(ctx, "link-1", []byte("stale"), 5, false)
	if err != nil {
		t.Fatalf("a lost race must not be an error, got %v", err)
	}
	if result.Accepted {
		t.Fatalf("expected the stale write to be rejected")
	}
	if result.Version != 7 {
		t.Fatalf("expected the surviving version, got %d", result.Version)
	}

	link, err := store.FindLink(ctx, "page-1", "nb-link-1")
	if err != nil {
		t.Fatalf("unexpected link error: %v", err)
	}
	if link.Version != 7 || link.CID != "" {
		t.Fatalf("lost race must not move the pointer: %+v", link)
	}
}

func TestPutEqualVersionRejectedUnlessForced(t *testing.T) {
	store, _ := newTestStore(t)
	seedLink(t, store.db, "link-1", 4)
	ctx := context.Background()

	result, err := store.Put(ctx, "link-1", []byte("equal"), 4, false)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if result.Accepted {
		t.Fatalf("equal version must lose without force")
	}

	forced, err := store.Put(ctx, "link-1", []byte("equal"), 4, true)
	if err != nil {
		t.Fatalf("unexpected forced put error: %v", err)
	}
	if !forced.Accepted {
		t.Fatalf("forced equal-version write should be accepted")
	}
}

func TestForcedPutLosingRaceReportsConflict(t *testing.T) {
	store, _ := newTestStore(t)
	seedLink(t, store.db, "link-1", 9)
	ctx := context.Background()

	_, err := store.Put(ctx, "link-1", []byte("old"), 5, true)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}
}

func TestPutUnknownLinkReportsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Put(context.Background(), "missing", []byte("x"), 1, false)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetUnknownCIDReportsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), ComputeCID([]byte("never stored")))
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIdenticalContentSharesOneAddress(t *testing.T) {
	store, _ := newTestStore(t)
	seedLink(t, store.db, "link-1", 0)
	seedLink(t, store.db, "link-2", 0)
	ctx := context.Background()

	payload := []byte("same bytes")
	first, err := store.Put(ctx, "link-1", payload, 1, false)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	second, err := store.Put(ctx, "link-2", payload, 1, false)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if first.CID != second.CID {
		t.Fatalf("identical content produced different addresses: %s != %s", first.CID, second.CID)
	}
}
