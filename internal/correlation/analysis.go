package correlation

import (
	"math"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

// analyse applies one step. Steps only ever remove groups or members.
func (e *Engine) analyse(a Analysis, groups []*group, store event.Reader) []*group {
	switch a.Method {
	case AnalysisThreshold:
		return threshold(a, groups, store)
	case AnalysisOutlier:
		return outlier(a, groups)
	case AnalysisFirstCollectionOnly:
		return firstCollectionOnly(a, groups, store)
	case AnalysisMatchAllToFirst:
		return matchAllToFirst(a, groups, store)
	}
	return groups
}

// threshold keeps groups whose count of field values lies within [minimum, maximum].
func threshold(a Analysis, groups []*group, store event.Reader) []*group {
	lo, hi := 0, math.MaxInt
	if a.Minimum != nil {
		lo = *a.Minimum
	}
	if a.Maximum != nil {
		hi = *a.Maximum
	}
	return keep(groups, func(g *group) bool {
		n := 0
		uniq := make(map[string]bool)
		for _, en := range g.entries {
			for _, v := range fieldValues(en.ev, a.Field, store) {
				if a.CountUniqueOnly {
					uniq[v] = true
				} else {
					n++
				}
			}
		}
		if a.CountUniqueOnly {
			n = len(uniq)
		}
		return n >= lo && n <= hi
	})
}

// outlier keeps the small groups. If groups are on average larger than noisy_percent
// of the working set the data is too uniform to have outliers and nothing survives;
// otherwise groups holding more than maximum_percent of it are removed.
func outlier(a Analysis, groups []*group) []*group {
	maxPct, noisyPct := defaultOutlierMaximumPercent, defaultOutlierNoisyPercent
	if a.MaximumPercent != nil {
		maxPct = *a.MaximumPercent
	}
	if a.NoisyPercent != nil {
		noisyPct = *a.NoisyPercent
	}
	total := 0
	for _, g := range groups {
		total += len(g.entries)
	}
	if total == 0 {
		return nil
	}
	if 100.0/float64(len(groups)) > float64(noisyPct) {
		return nil
	}
	return keep(groups, func(g *group) bool {
		return float64(len(g.entries))*100/float64(total) <= float64(maxPct)
	})
}

// firstCollectionOnly keeps only first-collection members, minus any whose field
// value also appears among the members of a later collection (in any group).
func firstCollectionOnly(a Analysis, groups []*group, store event.Reader) []*group {
	exclude := make(map[string]bool)
	for _, g := range groups {
		for _, en := range g.entries {
			if en.collection == 0 {
				continue
			}
			for _, v := range fieldValues(en.ev, a.Field, store) {
				exclude[v] = true
			}
		}
	}
	for _, g := range groups {
		kept := g.entries[:0:0]
		for _, en := range g.entries {
			if en.collection != 0 {
				continue
			}
			excluded := false
			for _, v := range fieldValues(en.ev, a.Field, store) {
				if exclude[v] {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, en)
			}
		}
		g.entries = kept
	}
	return keep(groups, func(g *group) bool { return len(g.entries) > 0 })
}

// matchAllToFirst keeps a group only when it has members from the first collection
// and from at least one later one, and every later member's field value corresponds
// to one of the first collection's values in that group.
func matchAllToFirst(a Analysis, groups []*group, store event.Reader) []*group {
	return keep(groups, func(g *group) bool {
		var firsts []string
		others := 0
		for _, en := range g.entries {
			if en.collection == 0 {
				firsts = append(firsts, fieldValues(en.ev, a.Field, store)...)
			}
		}
		if len(firsts) == 0 {
			return false
		}
		for _, en := range g.entries {
			if en.collection == 0 {
				continue
			}
			others++
			if !anyCorrespond(a.MatchMethod, firsts, fieldValues(en.ev, a.Field, store)) {
				return false
			}
		}
		return others > 0
	})
}

func anyCorrespond(method string, firsts, values []string) bool {
	for _, v := range values {
		for _, f := range firsts {
			if correspond(method, f, v) {
				return true
			}
		}
	}
	return false
}

func keep(groups []*group, pred func(*group) bool) []*group {
	out := groups[:0:0]
	for _, g := range groups {
		if pred(g) {
			out = append(out, g)
		}
	}
	return out
}
