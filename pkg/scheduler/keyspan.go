package scheduler

import (
	"github.com/blockberries/statengine/pkg/bloom"
	"github.com/blockberries/statengine/pkg/types"
)

// keyspan is a read-set or write-set annotated with an optional Bloom
// filter pre-check, plus an "all" flag used to represent a discovery-mode
// transition's provisional write-set of "all keys" (spec.md §4.3
// "Unknown key-sets") without materializing an actual infinite set.
type keyspan struct {
	all   bool
	keys  types.KeySet
	bloom *bloom.Filter
}

func (s *Scheduler) newKeyspan(keys types.KeySet) keyspan {
	var bf *bloom.Filter
	if s.cfg.BloomBits > 0 {
		bf = bloom.FromKeySet(keys.Keys(), s.cfg.BloomBits, s.cfg.BloomHashes)
	}
	return keyspan{keys: keys, bloom: bf}
}

func allSpan() keyspan {
	return keyspan{all: true, keys: types.NewKeySet()}
}

// intersects reports whether two key-spans share at least one key. An
// "all" span is treated as intersecting any span, including another
// "all" span, per the discovery-mode serialization rule.
func (k keyspan) intersects(o keyspan) bool {
	if k.all || o.all {
		return true
	}
	if k.bloom != nil && o.bloom != nil && bloom.Disjoint(k.bloom, o.bloom) {
		return false
	}
	return k.keys.Intersects(o.keys)
}

// hasKey reports whether key is a member of the span, treating an "all"
// span as containing every key.
func (k keyspan) hasKey(key []byte) bool {
	if k.all {
		return true
	}
	return k.keys.Has(key)
}

func (s *Scheduler) union(a, b keyspan) keyspan {
	if a.all || b.all {
		return allSpan()
	}
	merged := a.keys.Union(b.keys)
	return s.newKeyspan(merged)
}

// intersectKeys returns the keys present in both a and b. Used only by
// the A3 check, which is never reached for an "all" span (discovery-mode
// transitions fail A1/A2 and go straight to A4).
func intersectKeys(a, b types.KeySet) types.KeySet {
	out := types.NewKeySet()
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for _, k := range small.Keys() {
		if big.Has(k) {
			out.Add(k)
		}
	}
	return out
}
