package sharing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
	"github.com/notebridge/notebridge/internal/document"
	"github.com/notebridge/notebridge/internal/protocol"
	"github.com/notebridge/notebridge/internal/relay"
	"github.com/notebridge/notebridge/internal/snapshot"
)

const (
	opServiceNew = "sharing.service.new"
	opInvite     = "sharing.invite"
	opAccept     = "sharing.accept"
	opReject     = "sharing.reject"
	opUpdate     = "sharing.update"
	opMerge      = "sharing.merge_remote"
	opUnlink     = "sharing.unlink"
	opGet        = "sharing.get_document"

	reasonMissingDatabase   = "missing_database"
	reasonMissingSnapshots  = "missing_snapshot_store"
	reasonMissingRelay      = "missing_relay"
	reasonMissingIDProvider = "missing_id_provider"
	reasonNoReadableState   = "no_readable_state"
	reasonAlreadyInvited    = "already_invited"
	reasonInviteNotOpen     = "invite_not_open"
	reasonLinkStillOpen     = "link_still_open"
	reasonInviterGone       = "inviter_link_gone"
	reasonLinkWriteFailed   = "link_write_failed"
	reasonLinkDeleteFailed  = "link_delete_failed"
	reasonPeerQueryFailed   = "peer_query_failed"
	reasonStateDecodeFailed = "state_decode_failed"
	reasonStateEncodeFailed = "state_encode_failed"
	reasonDeltaFailed       = "delta_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingSnapshots  = errors.New("snapshot store is required")
	errMissingRelay      = errors.New("relay is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues page and link identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the page-sharing service.
type ServiceConfig struct {
	Database   *gorm.DB
	Snapshots  *snapshot.Store
	Relay      *relay.Service
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service drives the invite -> accept/reject -> linked -> update -> unlink
// lifecycle of a shared page between notebooks.
type Service struct {
	db         *gorm.DB
	snapshots  *snapshot.Store
	relay      *relay.Service
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Snapshots == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingSnapshots, errMissingSnapshots)
	}
	if cfg.Relay == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingRelay, errMissingRelay)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		snapshots:  cfg.Snapshots,
		relay:      cfg.Relay,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// InviteRequest shares a source notebook's page with a target notebook.
// Document carries the source's current flat state; it may be nil when the
// source already has a stored snapshot for the page.
type InviteRequest struct {
	Source             protocol.Source
	TargetNotebookUUID string
	NotebookPageID     string
	Document           *document.Document
}

// InviteResult reports the created invitation.
type InviteResult struct {
	PageUUID       string
	TargetLinkUUID string
	CID            string
	Version        int64
	Delivered      bool
}

// Invite snapshots the source's state, creates the target's open link, and
// relays a SHARE_PAGE operation. NotFound when the source has no readable
// state for the requested page.
func (s *Service) Invite(ctx context.Context, request InviteRequest) (InviteResult, error) {
	sourceLink, state, err := s.ensureSourceLink(ctx, request)
	if err != nil {
		return InviteResult{}, err
	}

	if request.Document != nil {
		old := state.Unwrap()
		if _, err := state.ApplyDelta(old, *request.Document); err != nil {
			return InviteResult{}, apperr.New(apperr.KindInvalidPayload, opInvite, reasonDeltaFailed, err)
		}
	}
	putResult, err := s.persistState(ctx, opInvite, sourceLink, state)
	if err != nil {
		return InviteResult{}, err
	}
	cid, version := putResult.CID, putResult.Version
	if !putResult.Accepted {
		// A concurrent writer on the source link already landed newer state;
		// the invite carries that state instead.
		refreshed, err := s.snapshots.FindLink(ctx, sourceLink.PageUUID, request.Source.UUID)
		if err != nil {
			return InviteResult{}, err
		}
		cid, version = refreshed.CID, refreshed.Version
	}
	if cid == "" {
		return InviteResult{}, apperr.New(apperr.KindNotFound, opInvite, reasonNoReadableState, nil)
	}

	if _, err := s.snapshots.FindLink(ctx, sourceLink.PageUUID, request.TargetNotebookUUID); err == nil {
		return InviteResult{}, apperr.New(apperr.KindConflict, opInvite, reasonAlreadyInvited, nil)
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return InviteResult{}, err
	}

	targetLinkUUID, err := s.idProvider.NewID()
	if err != nil {
		return InviteResult{}, apperr.New(apperr.KindInternal, opInvite, reasonMissingIDProvider, err)
	}
	targetLink := snapshot.PageNotebookLink{
		UUID:             targetLinkUUID,
		PageUUID:         sourceLink.PageUUID,
		NotebookUUID:     request.TargetNotebookUUID,
		NotebookPageID:   request.NotebookPageID,
		Open:             true,
		InvitedBy:        request.Source.UUID,
		InvitedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&targetLink).Error; err != nil {
		s.logError(opInvite, reasonLinkWriteFailed, err, zap.String("page_uuid", sourceLink.PageUUID))
		return InviteResult{}, apperr.New(apperr.KindInternal, opInvite, reasonLinkWriteFailed, err)
	}

	delivered, err := s.relayOperation(ctx, request.Source, request.TargetNotebookUUID, protocol.OperationSharePage, InvitePayload{
		PageUUID:       sourceLink.PageUUID,
		NotebookPageID: request.NotebookPageID,
		CID:            cid,
		Version:        version,
	}, map[string]string{"pageUuid": sourceLink.PageUUID, "notebookPageId": request.NotebookPageID})
	if err != nil {
		return InviteResult{}, err
	}

	return InviteResult{
		PageUUID:       sourceLink.PageUUID,
		TargetLinkUUID: targetLinkUUID,
		CID:            cid,
		Version:        version,
		Delivered:      delivered,
	}, nil
}

// ensureSourceLink resolves the source's own link for the shared page,
// creating the page and link on first share. NotFound when neither stored
// state nor a document is available.
func (s *Service) ensureSourceLink(ctx context.Context, request InviteRequest) (snapshot.PageNotebookLink, *document.State, error) {
	var existing snapshot.PageNotebookLink
	err := s.db.WithContext(ctx).
		Where("notebook_uuid = ? AND notebook_page_id = ?", request.Source.UUID, request.NotebookPageID).
		Take(&existing).Error
	if err == nil {
		state, stateErr := s.loadState(ctx, opInvite, existing, request.Source.UUID)
		return existing, state, stateErr
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opInvite, reasonPeerQueryFailed, err, zap.String("notebook_uuid", request.Source.UUID))
		return snapshot.PageNotebookLink{}, nil, apperr.New(apperr.KindInternal, opInvite, reasonPeerQueryFailed, err)
	}

	if request.Document == nil {
		return snapshot.PageNotebookLink{}, nil, apperr.New(apperr.KindNotFound, opInvite, reasonNoReadableState, nil)
	}

	pageUUID, err := s.idProvider.NewID()
	if err != nil {
		return snapshot.PageNotebookLink{}, nil, apperr.New(apperr.KindInternal, opInvite, reasonMissingIDProvider, err)
	}
	linkUUID, err := s.idProvider.NewID()
	if err != nil {
		return snapshot.PageNotebookLink{}, nil, apperr.New(apperr.KindInternal, opInvite, reasonMissingIDProvider, err)
	}

	now := s.clock().UTC().Unix()
	link := snapshot.PageNotebookLink{
		UUID:             linkUUID,
		PageUUID:         pageUUID,
		NotebookUUID:     request.Source.UUID,
		NotebookPageID:   request.NotebookPageID,
		Open:             false,
		InvitedBy:        request.Source.UUID,
		InvitedAtSeconds: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&snapshot.Page{UUID: pageUUID, CreatedAtSeconds: now}).Error; err != nil {
			return err
		}
		return tx.Create(&link).Error
	})
	if txErr != nil {
		s.logError(opInvite, reasonLinkWriteFailed, txErr, zap.String("page_uuid", pageUUID))
		return snapshot.PageNotebookLink{}, nil, apperr.New(apperr.KindInternal, opInvite, reasonLinkWriteFailed, txErr)
	}
	return link, document.NewState(request.Source.UUID), nil
}

// AcceptRequest accepts an open invitation.
type AcceptRequest struct {
	Notebook protocol.Source
	PageUUID string
}

// AcceptResult reports the accepted link and the decoded native document.
type AcceptResult struct {
	LinkUUID  string
	Document  document.Document
	CID       string
	Version   int64
	Delivered bool
}

// Accept flips the invitee's link to fully linked, decodes the inviter's
// snapshot into the invitee's own state, and acknowledges the inviter.
func (s *Service) Accept(ctx context.Context, request AcceptRequest) (AcceptResult, error) {
	link, err := s.snapshots.FindLink(ctx, request.PageUUID, request.Notebook.UUID)
	if err != nil {
		return AcceptResult{}, err
	}
	if !link.Open {
		return AcceptResult{}, apperr.New(apperr.KindConflict, opAccept, reasonInviteNotOpen, nil)
	}

	inviterLink, err := s.snapshots.FindLink(ctx, request.PageUUID, link.InvitedBy)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return AcceptResult{}, apperr.New(apperr.KindNotFound, opAccept, reasonInviterGone, nil)
		}
		return AcceptResult{}, err
	}
	if inviterLink.CID == "" {
		return AcceptResult{}, apperr.New(apperr.KindNotFound, opAccept, reasonNoReadableState, nil)
	}

	encoded, err := s.snapshots.Get(ctx, inviterLink.CID)
	if err != nil {
		return AcceptResult{}, err
	}
	state, err := document.DecodeState(encoded, request.Notebook.UUID)
	if err != nil {
		return AcceptResult{}, apperr.New(apperr.KindInvalidPayload, opAccept, reasonStateDecodeFailed, err)
	}

	flip := s.db.WithContext(ctx).Model(&snapshot.PageNotebookLink{}).
		Where("uuid = ? AND open = ?", link.UUID, true).
		Update("open", false)
	if flip.Error != nil {
		s.logError(opAccept, reasonLinkWriteFailed, flip.Error, zap.String("link_uuid", link.UUID))
		return AcceptResult{}, apperr.New(apperr.KindInternal, opAccept, reasonLinkWriteFailed, flip.Error)
	}
	if flip.RowsAffected == 0 {
		return AcceptResult{}, apperr.New(apperr.KindConflict, opAccept, reasonInviteNotOpen, nil)
	}

	putResult, err := s.persistState(ctx, opAccept, link, state)
	if err != nil {
		return AcceptResult{}, err
	}

	delivered, err := s.relayOperation(ctx, request.Notebook, link.InvitedBy, protocol.OperationSharePageResponse, ResponsePayload{
		PageUUID: request.PageUUID,
		Accepted: true,
	}, map[string]string{"pageUuid": request.PageUUID})
	if err != nil {
		return AcceptResult{}, err
	}

	return AcceptResult{
		LinkUUID:  link.UUID,
		Document:  state.Unwrap(),
		CID:       putResult.CID,
		Version:   putResult.Version,
		Delivered: delivered,
	}, nil
}

// RejectRequest declines an open invitation.
type RejectRequest struct {
	Notebook protocol.Source
	PageUUID string
}

// Reject deletes the open link and notifies the inviter.
func (s *Service) Reject(ctx context.Context, request RejectRequest) error {
	link, err := s.snapshots.FindLink(ctx, request.PageUUID, request.Notebook.UUID)
	if err != nil {
		return err
	}
	if !link.Open {
		return apperr.New(apperr.KindConflict, opReject, reasonInviteNotOpen, nil)
	}
	if err := s.deleteLink(ctx, opReject, link.UUID); err != nil {
		return err
	}
	_, err = s.relayOperation(ctx, request.Notebook, link.InvitedBy, protocol.OperationSharePageResponse, ResponsePayload{
		PageUUID: request.PageUUID,
		Accepted: false,
	}, map[string]string{"pageUuid": request.PageUUID})
	return err
}

// UpdateRequest applies a notebook's new flat state to its linked page.
type UpdateRequest struct {
	Source   protocol.Source
	PageUUID string
	Document document.Document
}

// UpdateResult reports the guarded write outcome and peer notifications.
// Accepted=false means a newer write already landed; the caller re-derives
// from current remote state on its next sync, nothing is lost locally.
type UpdateResult struct {
	CID            string
	Version        int64
	Accepted       bool
	Unchanged      bool
	DeliveredPeers int
}

// Update re-encodes local state, performs the guarded snapshot put, and on
// acceptance relays SHARE_PAGE_UPDATE so peers pull and merge.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (UpdateResult, error) {
	link, err := s.snapshots.FindLink(ctx, request.PageUUID, request.Source.UUID)
	if err != nil {
		return UpdateResult{}, err
	}
	if link.Open {
		return UpdateResult{}, apperr.New(apperr.KindConflict, opUpdate, reasonLinkStillOpen, nil)
	}

	state, err := s.loadState(ctx, opUpdate, link, request.Source.UUID)
	if err != nil {
		return UpdateResult{}, err
	}
	old := state.Unwrap()
	ops, err := state.ApplyDelta(old, request.Document)
	if err != nil {
		return UpdateResult{}, apperr.New(apperr.KindInvalidPayload, opUpdate, reasonDeltaFailed, err)
	}
	if len(ops) == 0 {
		return UpdateResult{CID: link.CID, Version: link.Version, Unchanged: true}, nil
	}

	putResult, err := s.persistState(ctx, opUpdate, link, state)
	if err != nil {
		return UpdateResult{}, err
	}
	result := UpdateResult{CID: putResult.CID, Version: putResult.Version, Accepted: putResult.Accepted}
	if !putResult.Accepted {
		return result, nil
	}

	delivered, err := s.notifyPeers(ctx, opUpdate, request.Source, link, protocol.OperationSharePageUpdate, UpdatePayload{
		PageUUID: request.PageUUID,
		CID:      putResult.CID,
		Version:  putResult.Version,
	})
	if err != nil {
		return UpdateResult{}, err
	}
	result.DeliveredPeers = delivered
	return result, nil
}

// MergeRequest folds a peer's announced snapshot into a notebook's state.
type MergeRequest struct {
	Notebook protocol.Source
	PageUUID string
	CID      string
}

// MergeResult reports the merged document and the guarded write outcome.
type MergeResult struct {
	Document document.Document
	CID      string
	Version  int64
	Accepted bool
}

// MergeRemote pulls the peer snapshot named by a SHARE_PAGE_UPDATE and
// merges it into the notebook's own state. Concurrent updates from both
// sides meet here and converge through the CRDT, never as a conflict error.
func (s *Service) MergeRemote(ctx context.Context, request MergeRequest) (MergeResult, error) {
	link, err := s.snapshots.FindLink(ctx, request.PageUUID, request.Notebook.UUID)
	if err != nil {
		return MergeResult{}, err
	}

	local, err := s.loadState(ctx, opMerge, link, request.Notebook.UUID)
	if err != nil {
		return MergeResult{}, err
	}
	encoded, err := s.snapshots.Get(ctx, request.CID)
	if err != nil {
		return MergeResult{}, err
	}
	remote, err := document.DecodeState(encoded, request.Notebook.UUID)
	if err != nil {
		return MergeResult{}, apperr.New(apperr.KindInvalidPayload, opMerge, reasonStateDecodeFailed, err)
	}
	local.Merge(remote)

	putResult, err := s.persistState(ctx, opMerge, link, local)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{
		Document: local.Unwrap(),
		CID:      putResult.CID,
		Version:  putResult.Version,
		Accepted: putResult.Accepted,
	}, nil
}

// UnlinkRequest removes a notebook's participation in a page.
type UnlinkRequest struct {
	Notebook protocol.Source
	PageUUID string
}

// Unlink deletes the notebook's link and notifies remaining peers
// best-effort.
func (s *Service) Unlink(ctx context.Context, request UnlinkRequest) error {
	link, err := s.snapshots.FindLink(ctx, request.PageUUID, request.Notebook.UUID)
	if err != nil {
		return err
	}
	if err := s.deleteLink(ctx, opUnlink, link.UUID); err != nil {
		return err
	}
	_, err = s.notifyPeers(ctx, opUnlink, request.Notebook, link, protocol.OperationSharePageUnlink, UnlinkPayload{
		PageUUID: request.PageUUID,
	})
	return err
}

// GetDocument projects a notebook's current merged state to the flat shape.
func (s *Service) GetDocument(ctx context.Context, notebookUUID, pageUUID string) (document.Document, int64, error) {
	link, err := s.snapshots.FindLink(ctx, pageUUID, notebookUUID)
	if err != nil {
		return document.Document{}, 0, err
	}
	state, err := s.loadState(ctx, opGet, link, notebookUUID)
	if err != nil {
		return document.Document{}, 0, err
	}
	return state.Unwrap(), state.Version(), nil
}

func (s *Service) loadState(ctx context.Context, operation string, link snapshot.PageNotebookLink, actor string) (*document.State, error) {
	if link.CID == "" {
		return document.NewState(actor), nil
	}
	encoded, err := s.snapshots.Get(ctx, link.CID)
	if err != nil {
		return nil, err
	}
	state, err := document.DecodeState(encoded, actor)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidPayload, operation, reasonStateDecodeFailed, err)
	}
	return state, nil
}

func (s *Service) persistState(ctx context.Context, operation string, link snapshot.PageNotebookLink, state *document.State) (snapshot.PutResult, error) {
	encoded, err := state.Encode()
	if err != nil {
		return snapshot.PutResult{}, apperr.New(apperr.KindInternal, operation, reasonStateEncodeFailed, err)
	}
	return s.snapshots.Put(ctx, link.UUID, encoded, state.Version(), false)
}

func (s *Service) deleteLink(ctx context.Context, operation, linkUUID string) error {
	if err := s.db.WithContext(ctx).Delete(&snapshot.PageNotebookLink{}, "uuid = ?", linkUUID).Error; err != nil {
		s.logError(operation, reasonLinkDeleteFailed, err, zap.String("link_uuid", linkUUID))
		return apperr.New(apperr.KindInternal, operation, reasonLinkDeleteFailed, err)
	}
	return nil
}

// notifyPeers relays an operation to every other linked notebook of a page,
// returning how many deliveries reached a live connection.
func (s *Service) notifyPeers(ctx context.Context, operation string, source protocol.Source, link snapshot.PageNotebookLink, verb protocol.Operation, payload any) (int, error) {
	var peers []snapshot.PageNotebookLink
	if err := s.db.WithContext(ctx).
		Where("page_uuid = ? AND uuid <> ? AND open = ?", link.PageUUID, link.UUID, false).
		Order("uuid ASC").
		Find(&peers).Error; err != nil {
		s.logError(operation, reasonPeerQueryFailed, err, zap.String("page_uuid", link.PageUUID))
		return 0, apperr.New(apperr.KindInternal, operation, reasonPeerQueryFailed, err)
	}

	delivered := 0
	for _, peer := range peers {
		ok, err := s.relayOperation(ctx, source, peer.NotebookUUID, verb, payload, map[string]string{"pageUuid": link.PageUUID})
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

func (s *Service) relayOperation(ctx context.Context, source protocol.Source, target string, verb protocol.Operation, payload any, metadata map[string]string) (bool, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return false, err
	}
	result, err := s.relay.Relay(ctx, relay.Request{
		Target: target,
		Envelope: protocol.Envelope{
			Operation: verb,
			Source:    source,
			Data:      data,
			Metadata:  metadata,
		},
	})
	if err != nil {
		return false, err
	}
	return result.Delivered, nil
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
	s.logger.Error("page sharing error", attrs...)
}
