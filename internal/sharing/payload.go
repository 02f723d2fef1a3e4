package sharing

import (
	"encoding/json"

	"github.com/notebridge/notebridge/internal/apperr"
	"github.com/notebridge/notebridge/internal/protocol"
)

const (
	opDecodePayload = "sharing.decode_payload"

	reasonMalformedPayload = "malformed_payload"
)

// InvitePayload is the data carried by a SHARE_PAGE operation.
type InvitePayload struct {
	PageUUID       string `json:"pageUuid"`
	NotebookPageID string `json:"notebookPageId"`
	CID            string `json:"cid"`
	Version        int64  `json:"version"`
}

// ResponsePayload is the data carried by a SHARE_PAGE_RESPONSE operation.
type ResponsePayload struct {
	PageUUID string `json:"pageUuid"`
	Accepted bool   `json:"accepted"`
}

// UpdatePayload is the data carried by a SHARE_PAGE_UPDATE operation.
type UpdatePayload struct {
	PageUUID string `json:"pageUuid"`
	CID      string `json:"cid"`
	Version  int64  `json:"version"`
}

// UnlinkPayload is the data carried by a SHARE_PAGE_UNLINK operation.
type UnlinkPayload struct {
	PageUUID string `json:"pageUuid"`
}

// DecodePayload parses an envelope's operation-specific data into out.
func DecodePayload(envelope protocol.Envelope, out any) error {
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return apperr.New(apperr.KindInvalidPayload, opDecodePayload, reasonMalformedPayload, err)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, opDecodePayload, reasonMalformedPayload, err)
	}
	return data, nil
}
