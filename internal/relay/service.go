package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
	"github.com/notebridge/notebridge/internal/protocol"
	"github.com/notebridge/notebridge/internal/snapshot"
)

const (
	opServiceNew = "relay.service.new"
	opRelay      = "relay.relay"
	opRegister   = "relay.register_client"
	opDisconnect = "relay.disconnect_client"
	opUnmarked   = "relay.list_unmarked"
	opMark       = "relay.mark"
	opLoad       = "relay.load_envelope"

	reasonMissingDatabase   = "missing_database"
	reasonMissingBlobStore  = "missing_blob_store"
	reasonMissingIDProvider = "missing_id_provider"
	reasonEncodeFailed      = "envelope_encode_failed"
	reasonClientLookup      = "client_lookup_failed"
	reasonAuditBlobFailed   = "audit_blob_write_failed"
	reasonAuditRowFailed    = "audit_row_insert_failed"
	reasonClientInsert      = "client_insert_failed"
	reasonClientDelete      = "client_delete_failed"
	reasonSessionInsert     = "session_insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonMessageUnknown    = "message_unknown"
	reasonEnvelopeUnknown   = "envelope_unknown"
	reasonBlobReadFailed    = "blob_read_failed"

	// DisconnectReasonPushFailed tags sessions ended by a failed delivery.
	DisconnectReasonPushFailed = "push_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingBlobStore  = errors.New("blob store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Transport pushes a wire frame to an active connection. A push error means
// the connection is stale or broken; the relay treats it as a disconnect,
// never as a relay failure.
type Transport interface {
	Push(ctx context.Context, connectionID string, frame []byte) error
}

// IDProvider issues message and session identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the relay.
type ServiceConfig struct {
	Database   *gorm.DB
	Blobs      snapshot.BlobStore
	Transport  Transport
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	FrameLimit int
}

// Service delivers operation envelopes to a target notebook's active
// connection and durably logs every attempt.
type Service struct {
	db         *gorm.DB
	blobs      snapshot.BlobStore
	transport  Transport
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	frameLimit int
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingBlobStore, errMissingBlobStore)
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
	frameLimit := cfg.FrameLimit
	if frameLimit <= 0 {
		frameLimit = protocol.DefaultFrameLimit
	}
	return &Service{
		db:         cfg.Database,
		blobs:      cfg.Blobs,
		transport:  cfg.Transport,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		frameLimit: frameLimit,
	}, nil
}

// Request carries one envelope toward a target notebook.
type Request struct {
	Target   string
	Envelope protocol.Envelope
}

// Result reports the relay outcome. Delivered=false is a normal outcome for
// an offline target, never an error.
type Result struct {
	MessageUUID string
	Delivered   bool
	Marked      bool
}

func envelopeKey(messageUUID string) string {
	return "data/messages/" + messageUUID + ".json"
}

// Relay pushes the envelope to the target's newest active connection, then
// durably records the attempt regardless of delivery outcome. A failed
// audit write aborts the relay: a message that cannot be recovered later
// must never be reported as handled.
func (s *Service) Relay(ctx context.Context, request Request) (Result, error) {
	messageUUID, err := s.idProvider.NewID()
	if err != nil {
		return Result{}, apperr.New(apperr.KindInternal, opRelay, reasonMissingIDProvider, err)
	}

	payload, err := protocol.EncodeEnvelope(request.Envelope)
	if err != nil {
		s.logError(opRelay, reasonEncodeFailed, err, zap.String("target", request.Target))
		return Result{}, err
	}

	delivered := s.attemptDelivery(ctx, request.Target, messageUUID, payload)

	if err := s.blobs.Put(ctx, envelopeKey(messageUUID), payload); err != nil {
		s.logError(opRelay, reasonAuditBlobFailed, err, zap.String("message_uuid", messageUUID))
		return Result{}, apperr.New(apperr.KindInternal, opRelay, reasonAuditBlobFailed, err)
	}

	metadataJSON := ""
	if len(request.Envelope.Metadata) > 0 {
		encoded, err := json.Marshal(request.Envelope.Metadata)
		if err != nil {
			return Result{}, apperr.New(apperr.KindInternal, opRelay, reasonEncodeFailed, err)
		}
		metadataJSON = string(encoded)
	}

	marked := delivered && !request.Envelope.Operation.RequiresAction()
	record := Message{
		UUID:             messageUUID,
		SourceUUID:       request.Envelope.Source.UUID,
		TargetUUID:       request.Target,
		Operation:        request.Envelope.Operation.String(),
		MetadataJSON:     metadataJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
		Marked:           marked,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRelay, reasonAuditRowFailed, err, zap.String("message_uuid", messageUUID))
		return Result{}, apperr.New(apperr.KindInternal, opRelay, reasonAuditRowFailed, err)
	}

	return Result{MessageUUID: messageUUID, Delivered: delivered, Marked: marked}, nil
}

// attemptDelivery resolves the newest connection and pushes frames. A push
// failure evicts the stale connection and the relay proceeds undelivered.
func (s *Service) attemptDelivery(ctx context.Context, target, messageUUID string, payload []byte) bool {
	if s.transport == nil {
		return false
	}

	var client OnlineClient
	err := s.db.WithContext(ctx).
		Where("notebook_uuid = ?", target).
		Order("created_at_s DESC, id DESC").
		Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		s.logError(opRelay, reasonClientLookup, err, zap.String("target", target))
		return false
	}

	frames, err := protocol.Split(string(payload), messageUUID, s.frameLimit)
	if err != nil {
		s.logError(opRelay, reasonEncodeFailed, err, zap.String("message_uuid", messageUUID))
		return false
	}
	for _, frame := range frames {
		encoded, err := json.Marshal(frame)
		if err != nil {
			s.logError(opRelay, reasonEncodeFailed, err, zap.String("message_uuid", messageUUID))
			return false
		}
		if err := s.transport.Push(ctx, client.ID, encoded); err != nil {
			s.logger.Warn("push to online client failed, evicting connection",
				zap.String("connection_id", client.ID),
				zap.String("target", target),
				zap.Error(err))
			s.evict(ctx, client, DisconnectReasonPushFailed)
			return false
		}
	}
	return true
}

// RegisterClient records a fresh transport connection. The most recent
// registration wins as the notebook's delivery target.
func (s *Service) RegisterClient(ctx context.Context, connectionID, notebookUUID, actorUUID string) error {
	client := OnlineClient{
		ID:               connectionID,
		NotebookUUID:     notebookUUID,
		ActorUUID:        actorUUID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&client).Error; err != nil {
		s.logError(opRegister, reasonClientInsert, err, zap.String("connection_id", connectionID))
		return apperr.New(apperr.KindInternal, opRegister, reasonClientInsert, err)
	}
	return nil
}

// DisconnectClient removes an online client and writes its session audit
// row. Missing rows are tolerated: eviction is best-effort cleanup.
func (s *Service) DisconnectClient(ctx context.Context, connectionID, reason string) error {
	var client OnlineClient
	err := s.db.WithContext(ctx).Where("id = ?", connectionID).Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opDisconnect, reasonClientLookup, err, zap.String("connection_id", connectionID))
		return apperr.New(apperr.KindInternal, opDisconnect, reasonClientLookup, err)
	}
	s.evict(ctx, client, reason)
	return nil
}

func (s *Service) evict(ctx context.Context, client OnlineClient, reason string) {
	if err := s.db.WithContext(ctx).Delete(&OnlineClient{}, "id = ?", client.ID).Error; err != nil {
		s.logError(opDisconnect, reasonClientDelete, err, zap.String("connection_id", client.ID))
	}
	session := ClientSession{
		ID:               client.ID,
		NotebookUUID:     client.NotebookUUID,
		ActorUUID:        client.ActorUUID,
		CreatedAtSeconds: client.CreatedAtSeconds,
		EndDateSeconds:   s.clock().UTC().Unix(),
		DisconnectedBy:   reason,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logError(opDisconnect, reasonSessionInsert, err, zap.String("connection_id", client.ID))
	}
}

// ListUnmarked returns messages a reconnecting notebook still has to act on.
func (s *Service) ListUnmarked(ctx context.Context, target string) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("target_uuid = ? AND marked = ?", target, false).
		Order("created_at_s ASC, uuid ASC").
		Find(&messages).Error; err != nil {
		s.logError(opUnmarked, reasonQueryFailed, err, zap.String("target", target))
		return nil, apperr.New(apperr.KindInternal, opUnmarked, reasonQueryFailed, err)
	}
	return messages, nil
}

// LoadEnvelope reads back the durable envelope blob for a message.
func (s *Service) LoadEnvelope(ctx context.Context, messageUUID string) (protocol.Envelope, error) {
	payload, err := s.blobs.Get(ctx, envelopeKey(messageUUID))
	if errors.Is(err, snapshot.ErrBlobNotFound) {
		return protocol.Envelope{}, apperr.New(apperr.KindNotFound, opLoad, reasonEnvelopeUnknown, err)
	}
	if err != nil {
		s.logError(opLoad, reasonBlobReadFailed, err, zap.String("message_uuid", messageUUID))
		return protocol.Envelope{}, apperr.New(apperr.KindInternal, opLoad, reasonBlobReadFailed, err)
	}
	return protocol.DecodeEnvelope(payload)
}

// Mark flags a message as requiring no further action.
func (s *Service) Mark(ctx context.Context, messageUUID string) error {
	update := s.db.WithContext(ctx).Model(&Message{}).
		Where("uuid = ?", messageUUID).
		Update("marked", true)
	if update.Error != nil {
		s.logError(opMark, reasonQueryFailed, update.Error, zap.String("message_uuid", messageUUID))
		return apperr.New(apperr.KindInternal, opMark, reasonQueryFailed, update.Error)
	}
	if update.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, opMark, reasonMessageUnknown, nil)
	}
	return nil
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
	s.logger.Error("relay error", attrs...)
}
