package notebook

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:notebook_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Notebook{}, &Token{}, &NotebookTokenLink{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct notebook service: %v", err)
	}
	return service, db
}

func mustNotebookUUID(t *testing.T, value string) NotebookUUID {
	t.Helper()
	id, err := NewNotebookUUID(value)
	if err != nil {
		t.Fatalf("unexpected notebook uuid error: %v", err)
	}
	return id
}

func seedToken(t *testing.T, db *gorm.DB, tokenUUID, value string) {
	t.Helper()
	token := Token{UUID: tokenUUID, Value: value, OwnerUserID: "user-1", CreatedAtSeconds: 1700000000}
	if err := db.Create(&token).Error; err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
}

func seedTokenLink(t *testing.T, db *gorm.DB, linkUUID, notebookUUID, tokenUUID string) {
	t.Helper()
	link := NotebookTokenLink{UUID: linkUUID, NotebookUUID: notebookUUID, TokenUUID: tokenUUID}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed token link: %v", err)
	}
}

func TestAuthenticateWithoutLinksReportsNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "secret")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for a notebook with no links, got %v", err)
	}
}

func TestAuthenticateMismatchReportsUnauthorized(t *testing.T) {
	service, db := newTestService(t)
	seedToken(t, db, "tok-1", "right-secret")
	seedTokenLink(t, db, "lnk-1", "nb-1", "tok-1")

	_, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "wrong-secret")
	if !apperr.IsKind(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized on mismatch, got %v", err)
	}
}

func TestAuthenticateScansAllLinks(t *testing.T) {
	service, db := newTestService(t)
	// Three historical links: a dangling token, an old token, and the
	// current one. Only the last matches.
	seedTokenLink(t, db, "lnk-1", "nb-1", "tok-missing")
	seedToken(t, db, "tok-old", "retired-secret")
	seedTokenLink(t, db, "lnk-2", "nb-1", "tok-old")
	seedToken(t, db, "tok-new", "current-secret")
	seedTokenLink(t, db, "lnk-3", "nb-1", "tok-new")

	record, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "current-secret")
	if err != nil {
		t.Fatalf("expected the scan to reach the matching link, got %v", err)
	}
	if record.UUID != "nb-1" {
		t.Fatalf("unexpected notebook uuid %q", record.UUID)
	}
}

func TestAuthenticateSkipsEmptyTokenValues(t *testing.T) {
	service, db := newTestService(t)
	seedToken(t, db, "tok-empty", "")
	seedTokenLink(t, db, "lnk-1", "nb-1", "tok-empty")
	seedToken(t, db, "tok-real", "secret")
	seedTokenLink(t, db, "lnk-2", "nb-1", "tok-real")

	if _, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "secret"); err != nil {
		t.Fatalf("expected empty token values to be skipped, got %v", err)
	}

	// An empty presented credential must not match an empty stored value.
	_, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "")
	if !apperr.IsKind(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized for an empty credential, got %v", err)
	}
}

func TestAuthenticateBackfillsNotebookRecord(t *testing.T) {
	service, db := newTestService(t)
	seedToken(t, db, "tok-1", "secret")
	seedTokenLink(t, db, "lnk-1", "nb-1", "tok-1")

	record, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.CreatedAtSeconds != 1700000000 {
		t.Fatalf("expected the backfilled row to use the service clock, got %d", record.CreatedAtSeconds)
	}

	var count int64
	if err := db.Model(&Notebook{}).Where("uuid = ?", "nb-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count notebooks: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one notebook row, got %d", count)
	}
}

func TestEnsureNotebookFillsDetailsOnBareRows(t *testing.T) {
	service, db := newTestService(t)
	seedToken(t, db, "tok-1", "secret")
	seedTokenLink(t, db, "lnk-1", "nb-1", "tok-1")

	if _, err := service.Authenticate(context.Background(), mustNotebookUUID(t, "nb-1"), "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, err := service.EnsureNotebook(context.Background(), mustNotebookUUID(t, "nb-1"), AppKindObsidian, "vault-main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.AppKind != string(AppKindObsidian) || record.Workspace != "vault-main" {
		t.Fatalf("expected details to be backfilled, got %+v", record)
	}

	var stored Notebook
	if err := db.Where("uuid = ?", "nb-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load notebook: %v", err)
	}
	if stored.Workspace != "vault-main" {
		t.Fatalf("backfill did not persist: %+v", stored)
	}
}

func TestEnsureNotebookRejectsEmptyWorkspace(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.EnsureNotebook(context.Background(), mustNotebookUUID(t, "nb-1"), AppKindRoam, "")
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestNewNotebookUUIDValidation(t *testing.T) {
	if _, err := NewNotebookUUID("   "); err == nil {
		t.Fatalf("expected blank uuid to be rejected")
	}
	long := make([]byte, maxIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewNotebookUUID(string(long)); err == nil {
		t.Fatalf("expected oversized uuid to be rejected")
	}
	id, err := NewNotebookUUID("  nb-9  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "nb-9" {
		t.Fatalf("expected trimmed uuid, got %q", id.String())
	}
}
