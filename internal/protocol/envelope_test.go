package protocol

import (
	"encoding/json"
	"testing"

	"github.com/notebridge/notebridge/internal/apperr"
)

func TestParseOperationRejectsUnknownNames(t *testing.T) {
	known := []string{"SHARE_PAGE", "SHARE_PAGE_RESPONSE", "SHARE_PAGE_UPDATE", "SHARE_PAGE_UNLINK", "PING", "ERROR"}
	for _, name := range known {
		if _, err := ParseOperation(name); err != nil {
			t.Fatalf("expected %q to parse, got %v", name, err)
		}
	}

	for _, name := range []string{"", "share_page", "SHARE", "SHARE_PAGE_FORCE"} {
		_, err := ParseOperation(name)
		if !apperr.IsKind(err, apperr.KindInvalidPayload) {
			t.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
}

func TestOperationRequiresAction(t *testing.T) {
	if !OperationSharePage.RequiresAction() {
		t.Fatalf("an invite must stay unmarked until answered")
	}
	for _, operation := range []Operation{OperationSharePageResponse, OperationSharePageUpdate, OperationSharePageUnlink, OperationPing, OperationError} {
		if operation.RequiresAction() {
			t.Fatalf("%s should not require an explicit response", operation)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope := Envelope{
		Operation: OperationSharePage,
		Source:    Source{UUID: "nb-1", AppKind: "obsidian", Workspace: "vault-main"},
		Data:      json.RawMessage(`{"pageUuid":"page-1"}`),
		Metadata:  map[string]string{"pageUuid": "page-1"},
	}

	encoded, err := EncodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Operation != OperationSharePage {
		t.Fatalf("operation changed across the round trip: %s", decoded.Operation)
	}
	if decoded.Source != envelope.Source {
		t.Fatalf("source changed across the round trip: %+v", decoded.Source)
	}
	if string(decoded.Data) != `{"pageUuid":"page-1"}` {
		t.Fatalf("data changed across the round trip: %s", decoded.Data)
	}
}

func TestDecodeEnvelopeRejectsUnknownOperation(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"operation":"NOT_A_VERB","source":{"uuid":"nb-1"}}`))
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestDecodeEnvelopeRequiresSource(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"operation":"PING"}`))
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestEncodeEnvelopeValidatesOperation(t *testing.T) {
	_, err := EncodeEnvelope(Envelope{Operation: "BOGUS", Source: Source{UUID: "nb-1"}})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}
