package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
)

const (
	opPut      = "snapshot.put"
	opGet      = "snapshot.get"
	opFindLink = "snapshot.find_link"
	opStoreNew = "snapshot.store.new"

	reasonMissingDatabase  = "missing_database"
	reasonMissingBlobStore = "missing_blob_store"
	reasonLinkLookupFailed = "link_lookup_failed"
	reasonLinkUnknown      = "link_unknown"
	reasonBlobWriteFailed  = "blob_write_failed"
	reasonBlobReadFailed   = "blob_read_failed"
	reasonGuardFailed      = "guard_update_failed"
	reasonForcedRaceLost   = "forced_write_lost_race"
	reasonSnapshotUnknown  = "snapshot_unknown"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingBlobStore = errors.New("blob store is required")
	noOpLogger          = zap.NewNop()
)

// ComputeCID derives the content address for a snapshot: identical bytes
// always produce the identical key.
func ComputeCID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SnapshotKey returns the blob key for an immutable historical snapshot.
func SnapshotKey(cid string) string {
	return "data/snapshots/" + cid
}

// PageKey returns the blob key for the canonical current document of a page.
func PageKey(pageUUID string) string {
	return "data/page/" + pageUUID + ".json"
}

// StoreConfig describes the dependencies of the snapshot store.
type StoreConfig struct {
	Database *gorm.DB
	Blobs    BlobStore
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists immutable, content-addressed document snapshots and guards
// the mutable {cid, version} pointer on each page-notebook link.
type Store struct {
	db     *gorm.DB
	blobs  BlobStore
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, apperr.New(apperr.KindInternal, opStoreNew, reasonMissingBlobStore, errMissingBlobStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, blobs: cfg.Blobs, clock: clock, logger: logger}, nil
}

// PutResult reports the outcome of a guarded snapshot write.
type PutResult struct {
	CID      string
	Version  int64
	Accepted bool
}

// Put writes the snapshot blob under its content address and advances the
// link's {cid, version} pointer through a single conditional update. Losing
// the version race yields Accepted=false, a normal outcome; a forced write
// that still loses reports a Conflict error.
func (store *Store) Put(ctx context.Context, linkUUID string, snapshot []byte, derivedVersion int64, force bool) (PutResult, error) {
	var link PageNotebookLink
	err := store.db.WithContext(ctx).Where("uuid = ?", linkUUID).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PutResult{}, apperr.New(apperr.KindNotFound, opPut, reasonLinkUnknown, err)
	}
	if err != nil {
		store.logError(opPut, reasonLinkLookupFailed, err, zap.String("link_uuid", linkUUID))
		return PutResult{}, apperr.New(apperr.KindInternal, opPut, reasonLinkLookupFailed, err)
	}

	cid := ComputeCID(snapshot)
	// The blob lands before the pointer moves; a write that then loses the
	// race leaves an unreferenced blob, which dedup makes harmless.
	if err := store.blobs.Put(ctx, SnapshotKey(cid), snapshot); err != nil {
		store.logError(opPut, reasonBlobWriteFailed, err, zap.String("cid", cid))
		return PutResult{}, apperr.New(apperr.KindInternal, opPut, reasonBlobWriteFailed, err)
	}

	guard := store.db.WithContext(ctx).Model(&PageNotebookLink{}).Where("uuid = ?", linkUUID)
	if force {
		// A forced write may replace an equal-version pointer but must never
		// roll the version back.
		guard = guard.Where("version <= ?", derivedVersion)
	} else {
		guard = guard.Where("version < ?", derivedVersion)
	}
	update := guard.Updates(map[string]any{"cid": cid, "version": derivedVersion})
	if update.Error != nil {
		store.logError(opPut, reasonGuardFailed, update.Error, zap.String("link_uuid", linkUUID))
		return PutResult{}, apperr.New(apperr.KindInternal, opPut, reasonGuardFailed, update.Error)
	}

	if update.RowsAffected == 0 {
		if force {
			return PutResult{CID: cid, Version: link.Version, Accepted: false},
				apperr.New(apperr.KindConflict, opPut, reasonForcedRaceLost, nil)
		}
		return PutResult{CID: cid, Version: link.Version, Accepted: false}, nil
	}

	if err := store.blobs.Put(ctx, PageKey(link.PageUUID), snapshot); err != nil {
		store.logError(opPut, reasonBlobWriteFailed, err, zap.String("page_uuid", link.PageUUID))
		return PutResult{}, apperr.New(apperr.KindInternal, opPut, reasonBlobWriteFailed, err)
	}

	return PutResult{CID: cid, Version: derivedVersion, Accepted: true}, nil
}

// Get performs a plain content-addressed read.
func (store *Store) Get(ctx context.Context, cid string) ([]byte, error) {
	data, err := store.blobs.Get(ctx, SnapshotKey(cid))
	if errors.Is(err, ErrBlobNotFound) {
		return nil, apperr.New(apperr.KindNotFound, opGet, reasonSnapshotUnknown, err)
	}
	if err != nil {
		store.logError(opGet, reasonBlobReadFailed, err, zap.String("cid", cid))
		return nil, apperr.New(apperr.KindInternal, opGet, reasonBlobReadFailed, err)
	}
	return data, nil
}

// FindLink resolves the link for a (page, notebook) pair.
func (store *Store) FindLink(ctx context.Context, pageUUID, notebookUUID string) (PageNotebookLink, error) {
	var link PageNotebookLink
	err := store.db.WithContext(ctx).
		Where("page_uuid = ? AND notebook_uuid = ?", pageUUID, notebookUUID).
		Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PageNotebookLink{}, apperr.New(apperr.KindNotFound, opFindLink, reasonLinkUnknown, err)
	}
	if err != nil {
		store.logError(opFindLink, reasonLinkLookupFailed, err,
			zap.String("page_uuid", pageUUID),
			zap.String("notebook_uuid", notebookUUID))
		return PageNotebookLink{}, apperr.New(apperr.KindInternal, opFindLink, reasonLinkLookupFailed, err)
	}
	return link, nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("snapshot store error", attrs...)
}
