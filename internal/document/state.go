package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// atom is one replicated character. Deleted atoms stay as tombstones so a
// delete arriving before its insert still suppresses the character.
type atom struct {
	Pos     Position `json:"pos"`
	Value   string   `json:"value"`
	Deleted bool     `json:"deleted,omitempty"`
}

// State is the merged CRDT state of one page replica: a tombstoned sequence
// of atoms plus anchored annotation records, with the set of integrated op
// ids retained for idempotency and version derivation.
type State struct {
	actor       string
	clock       uint64
	atoms       []atom
	atomIndex   map[string]int
	annotations map[string]AnnotationRecord
	history     map[string]struct{}
}

// NewState returns an empty replica state owned by the given actor.
func NewState(actor string) *State {
	return &State{
		actor:       actor,
		atomIndex:   make(map[string]int),
		annotations: make(map[string]AnnotationRecord),
		history:     make(map[string]struct{}),
	}
}

// Actor returns the owning replica identifier.
func (s *State) Actor() string {
	return s.actor
}

// Version derives the replica version from the CRDT history length. It is
// monotonic on every replica and equal across replicas with the same ops.
func (s *State) Version() int64 {
	return int64(len(s.history))
}

func (s *State) nextClock() uint64 {
	s.clock++
	return s.clock
}

func (s *State) observeClock(remote uint64) {
	if remote > s.clock {
		s.clock = remote
	}
}

// Integrate merges remote ops into the state. Already-seen ops are skipped,
// so integration is idempotent; op effects commute, so arrival order does
// not matter.
func (s *State) Integrate(ops []Op) error {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
		if _, seen := s.history[op.ID]; seen {
			continue
		}
		s.observeClock(op.Clock)
		switch op.Kind {
		case OpKindInsert:
			s.applyInsert(op.Pos, op.Value)
		case OpKindDelete:
			s.applyDelete(op.Pos)
		case OpKindAnnotate, OpKindUnannotate:
			s.applyAnnotation(*op.Annotation)
		}
		s.history[op.ID] = struct{}{}
	}
	return nil
}

func (s *State) applyInsert(pos Position, value string) {
	key := pos.Key()
	if _, exists := s.atomIndex[key]; exists {
		// A tombstone for this position already landed; keep it suppressed.
		return
	}
	index := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].Pos.Compare(pos) >= 0
	})
	s.atoms = append(s.atoms, atom{})
	copy(s.atoms[index+1:], s.atoms[index:])
	s.atoms[index] = atom{Pos: pos, Value: value}
	s.reindexFrom(index)
}

func (s *State) applyDelete(pos Position) {
	key := pos.Key()
	if index, exists := s.atomIndex[key]; exists {
		s.atoms[index].Deleted = true
		return
	}
	// Delete arrived before its insert: leave a tombstone placeholder.
	index := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].Pos.Compare(pos) >= 0
	})
	s.atoms = append(s.atoms, atom{})
	copy(s.atoms[index+1:], s.atoms[index:])
	s.atoms[index] = atom{Pos: pos, Deleted: true}
	s.reindexFrom(index)
}

func (s *State) applyAnnotation(record AnnotationRecord) {
	existing, exists := s.annotations[record.ID]
	if exists && !record.newerThan(existing) {
		return
	}
	s.annotations[record.ID] = record
}

func (s *State) reindexFrom(start int) {
	for i := start; i < len(s.atoms); i++ {
		s.atomIndex[s.atoms[i].Pos.Key()] = i
	}
}

// visibleAtoms returns indexes of non-deleted atoms in sequence order.
func (s *State) visibleAtoms() []int {
	visible := make([]int, 0, len(s.atoms))
	for i, a := range s.atoms {
		if !a.Deleted {
			visible = append(visible, i)
		}
	}
	return visible
}

// Unwrap projects the merged state back to the flat public shape.
func (s *State) Unwrap() Document {
	visible := s.visibleAtoms()
	runes := make([]rune, 0, len(visible))
	for _, index := range visible {
		runes = append(runes, []rune(s.atoms[index].Value)...)
	}

	// Map each visible atom position to its flat offset so anchored
	// annotation records project to offsets that slid with the text.
	offsetByKey := make(map[string]int, len(visible))
	for offset, index := range visible {
		offsetByKey[s.atoms[index].Pos.Key()] = offset
	}

	annotations := make([]Annotation, 0, len(s.annotations))
	for _, record := range s.annotations {
		if record.Removed {
			continue
		}
		start, end, ok := s.projectAnchors(record, offsetByKey, len(visible))
		if !ok {
			continue
		}
		annotations = append(annotations, Annotation{
			Start:      start,
			End:        end,
			Type:       record.Type,
			Attributes: record.Attributes,
		})
	}
	sortAnnotations(annotations)

	return Document{Content: string(runes), Annotations: annotations}
}

// projectAnchors resolves an annotation's anchor positions to flat offsets.
// Deleted anchor atoms shrink the range to the nearest surviving atoms; a
// fully deleted range drops the annotation.
func (s *State) projectAnchors(record AnnotationRecord, offsetByKey map[string]int, visibleCount int) (int, int, bool) {
	start, ok := offsetByKey[record.StartPos.Key()]
	if !ok {
		start = s.nearestVisibleAtOrAfter(record.StartPos, offsetByKey)
	}
	end, ok := offsetByKey[record.EndPos.Key()]
	if !ok {
		end = s.nearestVisibleAtOrBefore(record.EndPos, offsetByKey)
	}
	if start < 0 || end < 0 || start > end || end >= visibleCount {
		return 0, 0, false
	}
	return start, end + 1, true
}

func (s *State) nearestVisibleAtOrAfter(pos Position, offsetByKey map[string]int) int {
	index := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].Pos.Compare(pos) >= 0
	})
	for ; index < len(s.atoms); index++ {
		if offset, ok := offsetByKey[s.atoms[index].Pos.Key()]; ok {
			return offset
		}
	}
	return -1
}

func (s *State) nearestVisibleAtOrBefore(pos Position, offsetByKey map[string]int) int {
	index := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].Pos.Compare(pos) > 0
	})
	for index--; index >= 0; index-- {
		if offset, ok := offsetByKey[s.atoms[index].Pos.Key()]; ok {
			return offset
		}
	}
	return -1
}

func sortAnnotations(annotations []Annotation) {
	sort.Slice(annotations, func(i, j int) bool {
		a, b := annotations[i], annotations[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.Type < b.Type
	})
}

// stateSnapshot is the serialized form of a replica state.
type stateSnapshot struct {
	Actor       string             `json:"actor"`
	Clock       uint64             `json:"clock"`
	Atoms       []atom             `json:"atoms"`
	Annotations []AnnotationRecord `json:"annotations"`
	History     []string           `json:"history"`
}

// Encode serializes the full replica state. Identical states produce
// identical bytes, which content addressing relies on.
func (s *State) Encode() ([]byte, error) {
	history := make([]string, 0, len(s.history))
	for id := range s.history {
		history = append(history, id)
	}
	sort.Strings(history)

	annotationIDs := make([]string, 0, len(s.annotations))
	for id := range s.annotations {
		annotationIDs = append(annotationIDs, id)
	}
	sort.Strings(annotationIDs)
	annotations := make([]AnnotationRecord, 0, len(annotationIDs))
	for _, id := range annotationIDs {
		annotations = append(annotations, s.annotations[id])
	}

	return json.Marshal(stateSnapshot{
		Actor:       s.actor,
		Clock:       s.clock,
		Atoms:       s.atoms,
		Annotations: annotations,
		History:     history,
	})
}

// DecodeState restores a replica state from encoded bytes, rebinding it to
// the given actor so the decoding notebook generates its own positions.
func DecodeState(data []byte, actor string) (*State, error) {
	var snapshot stateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	state := NewState(actor)
	state.clock = snapshot.Clock
	state.atoms = snapshot.Atoms
	for i := range state.atoms {
		state.atomIndex[state.atoms[i].Pos.Key()] = i
	}
	for _, record := range snapshot.Annotations {
		state.annotations[record.ID] = record
	}
	for _, id := range snapshot.History {
		state.history[id] = struct{}{}
	}
	return state, nil
}
