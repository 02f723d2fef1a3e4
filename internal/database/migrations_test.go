package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/snapshot"
)

func TestApplyMigrationsClearsPendingInviteState(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&snapshot.Page{}, &snapshot.PageNotebookLink{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	pending := snapshot.PageNotebookLink{
		UUID:           "link-1",
		PageUUID:       "page-1",
		NotebookUUID:   "nb-1",
		NotebookPageID: "Some Page",
		Open:           true,
		CID:            "stale-cid",
		Version:        0,
	}
	if err := database.Create(&pending).Error; err != nil {
		testContext.Fatalf("failed to insert link: %v", err)
	}
	accepted := snapshot.PageNotebookLink{
		UUID:           "link-2",
		PageUUID:       "page-1",
		NotebookUUID:   "nb-2",
		NotebookPageID: "Some Page",
		Open:           false,
		CID:            "live-cid",
		Version:        3,
	}
	if err := database.Create(&accepted).Error; err != nil {
		testContext.Fatalf("failed to insert link: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored snapshot.PageNotebookLink
	if err := database.Where("uuid = ?", "link-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload link: %v", err)
	}
	if stored.CID != "" {
		testContext.Fatalf("expected pending link cid to be cleared, got %q", stored.CID)
	}

	stored = snapshot.PageNotebookLink{}
	if err := database.Where("uuid = ?", "link-2").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload link: %v", err)
	}
	if stored.CID != "live-cid" {
		testContext.Fatalf("accepted link must be untouched, got %q", stored.CID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationClearPendingInviteState).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// A second pass is a no-op once the record exists.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}
