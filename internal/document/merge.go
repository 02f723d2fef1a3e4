package document

// Merge folds a remote replica's full state into this one. Atom and
// annotation effects are applied through the same commutative rules as op
// integration, so merging in either direction, in any order, converges.
func (s *State) Merge(remote *State) {
	if remote == nil {
		return
	}
	for _, remoteAtom := range remote.atoms {
		key := remoteAtom.Pos.Key()
		if index, exists := s.atomIndex[key]; exists {
			if remoteAtom.Deleted {
				s.atoms[index].Deleted = true
			}
			continue
		}
		if remoteAtom.Deleted {
			s.applyDelete(remoteAtom.Pos)
		} else {
			s.applyInsert(remoteAtom.Pos, remoteAtom.Value)
		}
	}
	for _, record := range remote.annotations {
		s.applyAnnotation(record)
	}
	for id := range remote.history {
		s.history[id] = struct{}{}
	}
	s.observeClock(remote.clock)
}
