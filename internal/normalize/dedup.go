package normalize

import (
	"sort"
	"strings"
)

// FactSet is the deduplicated set of normalized facts for one document.
// Order is canonical (cluster, keyword, value, timestamp), so serialized
// fact sets are byte-comparable across runs.
type FactSet struct {
	Facts []Fact `json:"facts"`
}

// Dedupe enforces the per-cluster uniqueness policy over normalized facts
// in source order and returns the fact set plus the dropped-duplicate count.
//
// Objective/integral clusters keep at most one fact per (cluster, keyword);
// when duplicates disagree, the first-encountered fact wins. Semantic
// clusters drop only exact (cluster, keyword, value, timestamp) duplicates,
// keeping every distinct combination.
func Dedupe(facts []Fact) (FactSet, int) {
	dropped := 0
	seenKey := make(map[string]struct{}, len(facts))
	seenExact := make(map[string]struct{}, len(facts))
	kept := make([]Fact, 0, len(facts))

	for _, f := range facts {
		if f.Cluster.UniquePerKeyword() {
			key := string(f.Cluster) + "\x00" + f.Keyword
			if _, dup := seenKey[key]; dup {
				dropped++
				continue
			}
			seenKey[key] = struct{}{}
		} else {
			key := f.Line()
			if _, dup := seenExact[key]; dup {
				dropped++
				continue
			}
			seenExact[key] = struct{}{}
		}
		kept = append(kept, f)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		if a.Keyword != b.Keyword {
			return a.Keyword < b.Keyword
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Timestamp < b.Timestamp
	})
	return FactSet{Facts: kept}, dropped
}

// Serialize renders the fact set in wire form, one line per fact, newline
// terminated. Two fact sets are equal iff their serializations are
// byte-identical.
func (s FactSet) Serialize() string {
	if len(s.Facts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range s.Facts {
		b.WriteString(f.Line())
		b.WriteByte('\n')
	}
	return b.String()
}

// Diff reports facts present in s but not in other, by exact line identity.
func (s FactSet) Diff(other FactSet) []string {
	have := make(map[string]struct{}, len(other.Facts))
	for _, f := range other.Facts {
		have[f.Line()] = struct{}{}
	}
	var missing []string
	for _, f := range s.Facts {
		if _, ok := have[f.Line()]; !ok {
			missing = append(missing, f.Line())
		}
	}
	return missing
}
