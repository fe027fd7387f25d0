package scheduler

// axiom identifies which of spec.md §4.3's concurrency axioms permits a
// candidate transition to run alongside a given busy worker.
type axiom int

const (
	axiomNone axiom = iota // conflict: candidate must wait (A4)
	axiomA1                // fully disjoint
	axiomA2                // read-only sharing
	axiomA3                // write-skew, requires canonical-order merge
)

// classify decides which axiom governs candidate T running concurrently
// with busy worker W, given each side's read-span and write-span.
// Checked in order, first match wins, mirroring spec.md §4.3's "applied
// in order, first match wins".
func classify(s *Scheduler, tr, tw, wr, ww keyspan) axiom {
	tUnion := s.union(tr, tw)
	wUnion := s.union(wr, ww)

	// A1: (Tr ∪ Tw) ∩ (Wr ∪ Ww) = ∅
	if !tUnion.intersects(wUnion) {
		return axiomA1
	}

	// A2: neither side's writes land on anything the other touched.
	if !tw.intersects(wUnion) && !ww.intersects(tr) {
		return axiomA2
	}

	// A3 (optional): writes collide, but never on a key either side read.
	if s.cfg.EnableAxiomA3 && !tw.all && !ww.all {
		collision := intersectKeys(tw.keys, ww.keys)
		if len(collision) > 0 {
			touchedReads := s.union(tr, wr)
			if !touchedReads.intersects(s.newKeyspan(collision)) {
				return axiomA3
			}
		}
	}

	return axiomNone
}
