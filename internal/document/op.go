package document

import (
	"errors"
	"fmt"
)

// OpKind enumerates the CRDT operation kinds.
type OpKind string

const (
	// OpKindInsert places one atom at a position.
	OpKindInsert OpKind = "insert"
	// OpKindDelete tombstones the atom at a position.
	OpKindDelete OpKind = "delete"
	// OpKindAnnotate upserts an annotation record (last writer wins).
	OpKindAnnotate OpKind = "annotate"
	// OpKindUnannotate tombstones an annotation record.
	OpKindUnannotate OpKind = "unannotate"
)

// ErrInvalidOp indicates a malformed CRDT operation.
var ErrInvalidOp = errors.New("document: invalid op")

// Op is a single CRDT operation. Ops are commutative and idempotent:
// integrating the same set in any order, any number of times, yields the
// same state on every replica.
type Op struct {
	ID         string            `json:"id"`
	Kind       OpKind            `json:"kind"`
	Pos        Position          `json:"pos,omitempty"`
	Value      string            `json:"value,omitempty"`
	Annotation *AnnotationRecord `json:"annotation,omitempty"`
	Clock      uint64            `json:"clock"`
	Actor      string            `json:"actor"`
}

// AnnotationRecord is the replicated form of an annotation: anchored to
// position identifiers instead of offsets so it slides with concurrent text
// edits, and versioned by (clock, actor) for last-writer-wins resolution.
type AnnotationRecord struct {
	ID         string         `json:"id"`
	Type       AnnotationType `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartPos   Position       `json:"startPos"`
	EndPos     Position       `json:"endPos"`
	Clock      uint64         `json:"clock"`
	Actor      string         `json:"actor"`
	Removed    bool           `json:"removed,omitempty"`
}

func (record AnnotationRecord) newerThan(other AnnotationRecord) bool {
	if record.Clock != other.Clock {
		return record.Clock > other.Clock
	}
	return record.Actor > other.Actor
}

func (op Op) validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpKindInsert:
		if len(op.Pos) == 0 || op.Value == "" {
			return fmt.Errorf("%w: insert requires position and value", ErrInvalidOp)
		}
	case OpKindDelete:
		if len(op.Pos) == 0 {
			return fmt.Errorf("%w: delete requires position", ErrInvalidOp)
		}
	case OpKindAnnotate, OpKindUnannotate:
		if op.Annotation == nil || op.Annotation.ID == "" {
			return fmt.Errorf("%w: annotation op requires a record", ErrInvalidOp)
		}
		if op.Kind == OpKindAnnotate {
			if _, ok := annotationTypes[op.Annotation.Type]; !ok {
				return fmt.Errorf("%w: unknown annotation type %q", ErrInvalidOp, op.Annotation.Type)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}

func opID(actor string, clock uint64) string {
	return actor + "#" + uitoa(clock)
}
