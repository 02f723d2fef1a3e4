package protocol

import (
	"encoding/json"

	"github.com/notebridge/notebridge/internal/apperr"
)

const (
	opDecodeEnvelope = "protocol.decode_envelope"
	opEncodeEnvelope = "protocol.encode_envelope"

	reasonMalformedEnvelope = "malformed_envelope"
	reasonMissingSource     = "missing_source"
	reasonEncodeFailed      = "encode_failed"
)

// Source identifies the notebook that produced an envelope.
type Source struct {
	UUID      string `json:"uuid"`
	AppKind   string `json:"appKind"`
	Workspace string `json:"workspace"`
}

// Envelope is the reassembled protocol payload carried between notebooks.
// Data holds the operation-specific fields; Metadata is the subset persisted
// for audit alongside the relay's message row.
type Envelope struct {
	Operation Operation         `json:"operation"`
	Source    Source            `json:"source"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EncodeEnvelope serializes an envelope for chunked transport.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	if _, err := ParseOperation(string(envelope.Operation)); err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidPayload, opEncodeEnvelope, reasonEncodeFailed, err)
	}
	return data, nil
}

// DecodeEnvelope parses a reassembled payload, rejecting unknown operations
// and envelopes without a source identity.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, apperr.New(apperr.KindInvalidPayload, opDecodeEnvelope, reasonMalformedEnvelope, err)
	}
	if _, err := ParseOperation(string(envelope.Operation)); err != nil {
		return Envelope{}, err
	}
	if envelope.Source.UUID == "" {
		return Envelope{}, apperr.New(apperr.KindInvalidPayload, opDecodeEnvelope, reasonMissingSource, nil)
	}
	return envelope, nil
}
