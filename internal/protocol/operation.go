package protocol

import "github.com/notebridge/notebridge/internal/apperr"

const (
	opParseOperation = "protocol.parse_operation"

	reasonUnknownOperation = "unknown_operation"
)

// Operation is the closed, versioned enum of protocol verbs. Producers and
// consumers must agree on the set; unknown names are rejected, never ignored.
type Operation string

const (
	// OperationSharePage invites a notebook to a page, carrying the
	// inviter's snapshot. It awaits an explicit accept or reject.
	OperationSharePage Operation = "SHARE_PAGE"
	// OperationSharePageResponse reports the invitee's accept/reject decision.
	OperationSharePageResponse Operation = "SHARE_PAGE_RESPONSE"
	// OperationSharePageUpdate announces a newer accepted snapshot so peers
	// can pull and merge.
	OperationSharePageUpdate Operation = "SHARE_PAGE_UPDATE"
	// OperationSharePageUnlink announces that a notebook left a page.
	OperationSharePageUnlink Operation = "SHARE_PAGE_UNLINK"
	// OperationPing is a liveness probe.
	OperationPing Operation = "PING"
	// OperationError reports a protocol-level failure to the peer.
	OperationError Operation = "ERROR"
)

var operations = map[Operation]struct{}{
	OperationSharePage:         {},
	OperationSharePageResponse: {},
	OperationSharePageUpdate:   {},
	OperationSharePageUnlink:   {},
	OperationPing:              {},
	OperationError:             {},
}

// ParseOperation validates an operation name from the wire.
func ParseOperation(raw string) (Operation, error) {
	operation := Operation(raw)
	if _, ok := operations[operation]; !ok {
		return "", apperr.New(apperr.KindInvalidPayload, opParseOperation, reasonUnknownOperation, nil)
	}
	return operation, nil
}

// String returns the wire name of the operation.
func (operation Operation) String() string {
	return string(operation)
}

// RequiresAction reports whether the operation expects an explicit response
// from the receiving notebook. Such messages stay unmarked even when
// delivered, so reconnect reconciliation surfaces them again.
func (operation Operation) RequiresAction() bool {
	return operation == OperationSharePage
}
