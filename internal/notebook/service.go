package notebook

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
)

const (
	opServiceNew     = "notebook.service.new"
	opAuthenticate   = "notebook.authenticate"
	opEnsureNotebook = "notebook.ensure"

	reasonMissingDatabase   = "missing_database"
	reasonLinkQueryFailed   = "link_query_failed"
	reasonNoTokenLinks      = "no_token_links"
	reasonTokenMismatch     = "token_mismatch"
	reasonNotebookLoad      = "notebook_load_failed"
	reasonNotebookCreate    = "notebook_create_failed"
	reasonInvalidIdentifier = "invalid_identifier"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the notebook registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves notebook identities and authenticates bearer tokens.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Authenticate resolves a (notebook uuid, bearer token) pair to a verified
// notebook. It is read-only and safe to call on every protocol operation.
//
// A notebook with no token links at all fails NotFound so the edge can tell
// "unknown notebook" apart from "bad credential". Otherwise every link is
// tried in stable order: a link whose stored token is missing or empty is
// skipped rather than aborting the scan, and Unauthorized is returned only
// after all links are exhausted.
func (s *Service) Authenticate(ctx context.Context, notebookUUID NotebookUUID, token string) (Notebook, error) {
	var links []NotebookTokenLink
	err := s.db.WithContext(ctx).
		Where("notebook_uuid = ?", notebookUUID.String()).
		Order("uuid ASC").
		Find(&links).Error
	if err != nil {
		s.logError(opAuthenticate, reasonLinkQueryFailed, err, zap.String("notebook_uuid", notebookUUID.String()))
		return Notebook{}, apperr.New(apperr.KindInternal, opAuthenticate, reasonLinkQueryFailed, err)
	}
	if len(links) == 0 {
		return Notebook{}, apperr.New(apperr.KindNotFound, opAuthenticate, reasonNoTokenLinks, nil)
	}

	for _, link := range links {
		var stored Token
		err := s.db.WithContext(ctx).Where("uuid = ?", link.TokenUUID).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			// One broken link must not short-circuit the remaining links.
			s.logger.Warn("token lookup failed during authentication scan",
				zap.String("notebook_uuid", notebookUUID.String()),
				zap.String("token_uuid", link.TokenUUID),
				zap.Error(err))
			continue
		}
		if stored.Value == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(stored.Value), []byte(token)) == 1 {
			return s.loadOrCreateNotebook(ctx, notebookUUID)
		}
	}

	return Notebook{}, apperr.New(apperr.KindUnauthorized, opAuthenticate, reasonTokenMismatch, nil)
}

// EnsureNotebook provisions a notebook record if the uuid has not been seen,
// returning the existing record otherwise.
func (s *Service) EnsureNotebook(ctx context.Context, notebookUUID NotebookUUID, appKind AppKind, workspace string) (Notebook, error) {
	if workspace == "" {
		return Notebook{}, apperr.New(apperr.KindInvalidPayload, opEnsureNotebook, reasonInvalidIdentifier, ErrInvalidWorkspace)
	}

	var existing Notebook
	err := s.db.WithContext(ctx).Where("uuid = ?", notebookUUID.String()).Take(&existing).Error
	if err == nil {
		// Rows backfilled by a bare authentication lack the app identity;
		// fill it in on the first ensure that carries one.
		if existing.Workspace == "" {
			updates := map[string]any{"app_kind": string(appKind), "workspace": workspace}
			if err := s.db.WithContext(ctx).Model(&Notebook{}).Where("uuid = ?", existing.UUID).Updates(updates).Error; err != nil {
				s.logError(opEnsureNotebook, reasonNotebookCreate, err, zap.String("notebook_uuid", existing.UUID))
				return Notebook{}, apperr.New(apperr.KindInternal, opEnsureNotebook, reasonNotebookCreate, err)
			}
			existing.AppKind = string(appKind)
			existing.Workspace = workspace
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureNotebook, reasonNotebookLoad, err, zap.String("notebook_uuid", notebookUUID.String()))
		return Notebook{}, apperr.New(apperr.KindInternal, opEnsureNotebook, reasonNotebookLoad, err)
	}

	created := Notebook{
		UUID:             notebookUUID.String(),
		AppKind:          string(appKind),
		Workspace:        workspace,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		s.logError(opEnsureNotebook, reasonNotebookCreate, err, zap.String("notebook_uuid", notebookUUID.String()))
		return Notebook{}, apperr.New(apperr.KindInternal, opEnsureNotebook, reasonNotebookCreate, err)
	}
	return created, nil
}

// loadOrCreateNotebook backfills the registry row on first successful
// authentication so a notebook exists as soon as it proves a credential.
func (s *Service) loadOrCreateNotebook(ctx context.Context, notebookUUID NotebookUUID) (Notebook, error) {
	var record Notebook
	err := s.db.WithContext(ctx).Where("uuid = ?", notebookUUID.String()).Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opAuthenticate, reasonNotebookLoad, err, zap.String("notebook_uuid", notebookUUID.String()))
		return Notebook{}, apperr.New(apperr.KindInternal, opAuthenticate, reasonNotebookLoad, err)
	}

	record = Notebook{
		UUID:             notebookUUID.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAuthenticate, reasonNotebookCreate, err, zap.String("notebook_uuid", notebookUUID.String()))
		return Notebook{}, apperr.New(apperr.KindInternal, opAuthenticate, reasonNotebookCreate, err)
	}
	return record, nil
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
	s.logger.Error("notebook registry error", attrs...)
}
