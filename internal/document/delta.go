package document

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TextEdit is a contiguous flat-content edit: Removed runes are deleted at
// Offset, then Inserted is placed there. Offsets count runes.
type TextEdit struct {
	Offset   int
	Removed  int
	Inserted string
}

// DiffContent reduces two flat contents to a single contiguous edit by
// trimming the common rune prefix and suffix.
func DiffContent(oldContent, newContent string) (TextEdit, bool) {
	oldRunes := []rune(oldContent)
	newRunes := []rune(newContent)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	edit := TextEdit{
		Offset:   prefix,
		Removed:  len(oldRunes) - prefix - suffix,
		Inserted: string(newRunes[prefix : len(newRunes)-suffix]),
	}
	if edit.Removed == 0 && edit.Inserted == "" {
		return TextEdit{}, false
	}
	return edit, true
}

// SlideAnnotations shifts flat annotation offsets across a text edit. Edits
// strictly before an annotation move it by the length delta; edits at or
// after its end leave it untouched; annotations emptied by a deletion are
// dropped.
func SlideAnnotations(annotations []Annotation, edit TextEdit) []Annotation {
	insertedLength := len([]rune(edit.Inserted))
	slid := make([]Annotation, 0, len(annotations))
	for _, annotation := range annotations {
		start := slideOffset(annotation.Start, edit, insertedLength, true)
		end := slideOffset(annotation.End, edit, insertedLength, false)
		if start >= end {
			continue
		}
		annotation.Start = start
		annotation.End = end
		slid = append(slid, annotation)
	}
	return slid
}

func slideOffset(offset int, edit TextEdit, insertedLength int, isStart bool) int {
	deleteEnd := edit.Offset + edit.Removed
	switch {
	case offset >= deleteEnd:
		offset -= edit.Removed
	case offset > edit.Offset:
		offset = edit.Offset
	}
	if offset > edit.Offset || (isStart && offset == edit.Offset) {
		offset += insertedLength
	}
	return offset
}

// ApplyDelta computes the CRDT op set turning the replica's current flat
// shape (old) into a notebook editor's new flat shape, integrating the ops
// locally as it goes. old must be the replica's current Unwrap projection;
// the returned ops are what peers integrate to converge.
func (s *State) ApplyDelta(old, newDoc Document) ([]Op, error) {
	if err := newDoc.Validate(); err != nil {
		return nil, err
	}

	var ops []Op
	edit, changed := DiffContent(old.Content, newDoc.Content)
	if changed {
		textOps, err := s.textOps(edit)
		if err != nil {
			return nil, err
		}
		if err := s.Integrate(textOps); err != nil {
			return nil, err
		}
		ops = append(ops, textOps...)
	}

	annotationOps, err := s.annotationOps(newDoc.Annotations)
	if err != nil {
		return nil, err
	}
	if err := s.Integrate(annotationOps); err != nil {
		return nil, err
	}
	ops = append(ops, annotationOps...)
	return ops, nil
}

func (s *State) textOps(edit TextEdit) ([]Op, error) {
	visible := s.visibleAtoms()
	if edit.Offset+edit.Removed > len(visible) {
		return nil, fmt.Errorf("%w: edit exceeds content bounds", ErrInvalidDocument)
	}

	ops := make([]Op, 0, edit.Removed+len(edit.Inserted))
	for i := 0; i < edit.Removed; i++ {
		pos := s.atoms[visible[edit.Offset+i]].Pos
		clock := s.nextClock()
		ops = append(ops, Op{
			ID:    opID(s.actor, clock),
			Kind:  OpKindDelete,
			Pos:   pos,
			Clock: clock,
			Actor: s.actor,
		})
	}

	var left Position
	if edit.Offset > 0 {
		left = s.atoms[visible[edit.Offset-1]].Pos
	}
	var right Position
	if next := edit.Offset + edit.Removed; next < len(visible) {
		right = s.atoms[visible[next]].Pos
	}
	for _, r := range edit.Inserted {
		clock := s.nextClock()
		pos := positionBetween(left, right, s.actor, clock)
		ops = append(ops, Op{
			ID:    opID(s.actor, clock),
			Kind:  OpKindInsert,
			Pos:   pos,
			Value: string(r),
			Clock: clock,
			Actor: s.actor,
		})
		left = pos
	}
	return ops, nil
}

// annotationOps diffs the desired flat annotation list against the live
// records' current projection. Records whose projection survives are left
// alone (their anchors already slid); the rest become upserts and removals.
func (s *State) annotationOps(desired []Annotation) ([]Op, error) {
	visible := s.visibleAtoms()
	offsetByKey := make(map[string]int, len(visible))
	for offset, index := range visible {
		offsetByKey[s.atoms[index].Pos.Key()] = offset
	}

	liveByKey := make(map[string][]string)
	for id, record := range s.annotations {
		if record.Removed {
			continue
		}
		start, end, ok := s.projectAnchors(record, offsetByKey, len(visible))
		if !ok {
			continue
		}
		key, err := annotationKey(Annotation{Start: start, End: end, Type: record.Type, Attributes: record.Attributes})
		if err != nil {
			return nil, err
		}
		liveByKey[key] = append(liveByKey[key], id)
	}

	var ops []Op
	for _, annotation := range desired {
		key, err := annotationKey(annotation)
		if err != nil {
			return nil, err
		}
		if ids := liveByKey[key]; len(ids) > 0 {
			liveByKey[key] = ids[1:]
			continue
		}
		if annotation.End > len(visible) {
			return nil, fmt.Errorf("%w: annotation end %d exceeds content length %d", ErrInvalidDocument, annotation.End, len(visible))
		}
		clock := s.nextClock()
		ops = append(ops, Op{
			ID:   opID(s.actor, clock),
			Kind: OpKindAnnotate,
			Annotation: &AnnotationRecord{
				ID:         uuid.NewString(),
				Type:       annotation.Type,
				Attributes: annotation.Attributes,
				StartPos:   s.atoms[visible[annotation.Start]].Pos,
				EndPos:     s.atoms[visible[annotation.End-1]].Pos,
				Clock:      clock,
				Actor:      s.actor,
			},
			Clock: clock,
			Actor: s.actor,
		})
	}

	for _, ids := range liveByKey {
		for _, id := range ids {
			record := s.annotations[id]
			clock := s.nextClock()
			record.Clock = clock
			record.Actor = s.actor
			record.Removed = true
			ops = append(ops, Op{
				ID:         opID(s.actor, clock),
				Kind:       OpKindUnannotate,
				Annotation: &record,
				Clock:      clock,
				Actor:      s.actor,
			})
		}
	}
	return ops, nil
}

func annotationKey(annotation Annotation) (string, error) {
	attributes, err := json.Marshal(annotation.Attributes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAnnotation, err)
	}
	return fmt.Sprintf("%d|%d|%s|%s", annotation.Start, annotation.End, annotation.Type, attributes), nil
}
