package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/apperr"
	"github.com/notebridge/notebridge/internal/protocol"
	"github.com/notebridge/notebridge/internal/snapshot"
)

type staticIDGenerator struct {
	ids []string
}

func (g *staticIDGenerator) NewID() (string, error) {
	if len(g.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

// recordingTransport captures pushed frames and optionally fails every push.
type recordingTransport struct {
	frames map[string][]protocol.Frame
	fail   bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(map[string][]protocol.Frame)}
}

func (tr *recordingTransport) Push(_ context.Context, connectionID string, raw []byte) error {
	if tr.fail {
		return errors.New("connection gone")
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	tr.frames[connectionID] = append(tr.frames[connectionID], frame)
	return nil
}

func newTestRelay(t *testing.T, transport Transport, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:relay_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}, &OnlineClient{}, &ClientSession{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	blobs, err := snapshot.NewFilesystemBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Blobs:      blobs,
		Transport:  transport,
		IDProvider: &staticIDGenerator{ids: ids},
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct relay service: %v", err)
	}
	return service, db
}

func testEnvelope(operation protocol.Operation) protocol.Envelope {
	return protocol.Envelope{
		Operation: operation,
		Source:    protocol.Source{UUID: "nb-source"},
		Data:      json.RawMessage(`{"pageUuid":"page-1"}`),
		Metadata:  map[string]string{"pageUuid": "page-1"},
	}
}

func TestRelayDeliversToNewestConnection(t *testing.T) {
	transport := newRecordingTransport()
	service, _ := newTestRelay(t, transport, []string{"msg-1"})
	ctx := context.Background()

	if err := service.RegisterClient(ctx, "conn-a", "nb-target", "actor-1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	// Later registration with the same clock second; id order breaks the tie.
	if err := service.RegisterClient(ctx, "conn-b", "nb-target", "actor-1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	result, err := service.Relay(ctx, Request{Target: "nb-target", Envelope: testEnvelope(protocol.OperationSharePageUpdate)})
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	if !result.Delivered {
		t.Fatalf("expected delivery to an online target")
	}
	if len(transport.frames["conn-b"]) == 0 {
		t.Fatalf("expected frames on the newest connection")
	}
	if len(transport.frames["conn-a"]) != 0 {
		t.Fatalf("expected nothing on the older connection")
	}
}

func TestRelayOfflineTargetIsNotAnError(t *testing.T) {
	service, db := newTestRelay(t, newRecordingTransport(), []string{"msg-1"})

	result, err := service.Relay(context.Background(), Request{Target: "nb-offline", Envelope: testEnvelope(protocol.OperationSharePageUpdate)})
	if err != nil {
		t.Fatalf("an offline target must not be an error, got %v", err)
	}
	if result.Delivered {
		t.Fatalf("expected delivered=false for an offline target")
	}

	// The audit row lands regardless of the delivery outcome.
	var record Message
	if err := db.Where("uuid = ?", "msg-1").Take(&record).Error; err != nil {
		t.Fatalf("expected an audit row, got %v", err)
	}
	if record.Marked {
		t.Fatalf("an undelivered message must stay unmarked")
	}
}

func TestRelayPushFailureEvictsConnection(t *testing.T) {
	transport := newRecordingTransport()
	transport.fail = true
	service, db := newTestRelay(t, transport, []string{"msg-1"})
	ctx := context.Background()

	if err := service.RegisterClient(ctx, "conn-1", "nb-target", "actor-1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	result, err := service.Relay(ctx, Request{Target: "nb-target", Envelope: testEnvelope(protocol.OperationSharePageUpdate)})
	if err != nil {
		t.Fatalf("a failed push must not fail the relay, got %v", err)
	}
	if result.Delivered {
		t.Fatalf("expected delivered=false after a failed push")
	}

	var clientCount int64
	if err := db.Model(&OnlineClient{}).Count(&clientCount).Error; err != nil {
		t.Fatalf("failed to count clients: %v", err)
	}
	if clientCount != 0 {
		t.Fatalf("expected the stale connection to be evicted")
	}

	var session ClientSession
	if err := db.Where("id = ?", "conn-1").Take(&session).Error; err != nil {
		t.Fatalf("expected a session audit row, got %v", err)
	}
	if session.DisconnectedBy != DisconnectReasonPushFailed {
		t.Fatalf("unexpected disconnect reason %q", session.DisconnectedBy)
	}
}

func TestRelayMarkingFollowsOperationSemantics(t *testing.T) {
	transport := newRecordingTransport()
	service, db := newTestRelay(t, transport, []string{"msg-update", "msg-invite"})
	ctx := context.Background()

	if err := service.RegisterClient(ctx, "conn-1", "nb-target", "actor-1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	update, err := service.Relay(ctx, Request{Target: "nb-target", Envelope: testEnvelope(protocol.OperationSharePageUpdate)})
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	if !update.Marked {
		t.Fatalf("a delivered update needs no further action and must be marked")
	}

	invite, err := service.Relay(ctx, Request{Target: "nb-target", Envelope: testEnvelope(protocol.OperationSharePage)})
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	if invite.Marked {
		t.Fatalf("a delivered invite awaits a response and must stay unmarked")
	}

	unmarked, err := service.ListUnmarked(ctx, "nb-target")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(unmarked) != 1 || unmarked[0].UUID != "msg-invite" {
		t.Fatalf("expected only the invite to be unmarked, got %#v", unmarked)
	}

	var total int64
	if err := db.Model(&Message{}).Count(&total).Error; err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected both attempts audited, got %d", total)
	}
}

func TestLoadEnvelopeRestoresAuditedPayload(t *testing.T) {
	service, _ := newTestRelay(t, newRecordingTransport(), []string{"msg-1"})
	ctx := context.Background()

	envelope := testEnvelope(protocol.OperationSharePage)
	if _, err := service.Relay(ctx, Request{Target: "nb-target", Envelope: envelope}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}

	restored, err := service.LoadEnvelope(ctx, "msg-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if restored.Operation != envelope.Operation || restored.Source.UUID != envelope.Source.UUID {
		t.Fatalf("restored envelope does not match: %+v", restored)
	}

	_, err = service.LoadEnvelope(ctx, "msg-unknown")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for an unknown message, got %v", err)
	}
}

func TestMarkFlagsMessage(t *testing.T) {
	service, _ := newTestRelay(t, newRecordingTransport(), []string{"msg-1"})
	ctx := context.Background()

	if _, err := service.Relay(ctx, Request{Target: "nb-target", Envelope: testEnvelope(protocol.OperationSharePage)}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	if err := service.Mark(ctx, "msg-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	unmarked, err := service.ListUnmarked(ctx, "nb-target")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(unmarked) != 0 {
		t.Fatalf("expected no unmarked messages, got %d", len(unmarked))
	}

	if err := service.Mark(ctx, "msg-unknown"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for an unknown message, got %v", err)
	}
}

func TestDisconnectClientWritesSessionAudit(t *testing.T) {
	service, db := newTestRelay(t, newRecordingTransport(), nil)
	ctx := context.Background()

	if err := service.RegisterClient(ctx, "conn-1", "nb-target", "actor-1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := service.DisconnectClient(ctx, "conn-1", "connection_closed"); err != nil {
		t.Fatalf("unexpected disconnect error: %v", err)
	}

	var session ClientSession
	if err := db.Where("id = ?", "conn-1").Take(&session).Error; err != nil {
		t.Fatalf("expected a session row, got %v", err)
	}
	if session.DisconnectedBy != "connection_closed" {
		t.Fatalf("unexpected disconnect reason %q", session.DisconnectedBy)
	}

	// A repeated disconnect for a missing row is tolerated.
	if err := service.DisconnectClient(ctx, "conn-1", "connection_closed"); err != nil {
		t.Fatalf("expected a missing row to be tolerated, got %v", err)
	}
}
