package correlation

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/metrics"
)

// resultNamespace seeds the name-based result IDs.
var resultNamespace = uuid.MustParse("6f1c2d0e-8a43-5b7e-9d21-3c4f5a6b7c8d")

// Engine evaluates rule catalogs. It holds no per-scan state and is safe for
// concurrent use.
type Engine struct {
	regexes *regexCache
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine whose compiled-regex cache holds cacheSize patterns.
func NewEngine(cacheSize int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{regexes: newRegexCache(cacheSize), logger: logger, now: time.Now}
}

// entry is an event collected by one of a rule's collections.
type entry struct {
	ev         *event.Event
	collection int
}

// group is a candidate result.
type group struct {
	key     string
	entries []entry
}

// Evaluate runs every rule of cat over the events in store. False positives are
// invisible to rules. The store is only read.
func (e *Engine) Evaluate(scanID string, store event.Reader, cat *Catalog) Results {
	if cat == nil {
		return nil
	}
	start := e.now()
	events := store.All(event.Filter{})
	var out Results
	for _, r := range cat.Rules() {
		rs := e.EvaluateRule(scanID, r, events, store)
		if len(rs) > 0 {
			metrics.CorrelationResults.WithLabelValues(r.ID).Add(float64(len(rs)))
		}
		out = append(out, rs...)
	}
	elapsed := e.now().Sub(start)
	metrics.CorrelationDuration.Observe(float64(elapsed.Milliseconds()))
	e.logger.Info("correlation finished", "scan_id", scanID, "rules", cat.Len(), "events", len(events),
		"results", len(out), "duration", elapsed)
	return out
}

// EvaluateRule runs one rule over events, using store to resolve child relations.
func (e *Engine) EvaluateRule(scanID string, r *Rule, events []*event.Event, store event.Reader) []Result {
	var working []entry
	for i, col := range r.Collections {
		for _, ev := range e.collect(col, events, store) {
			working = append(working, entry{ev: ev, collection: i})
		}
	}
	if len(working) == 0 {
		return nil
	}

	groups := e.aggregate(r, working, store)
	for _, a := range r.Analysis {
		groups = e.analyse(a, groups, store)
		if len(groups) == 0 {
			return nil
		}
	}

	created := e.now().UTC()
	out := make([]Result, 0, len(groups))
	for _, g := range groups {
		hashes := uniqueHashes(g.entries)
		out = append(out, Result{
			ID:                 resultID(r, hashes),
			ScanID:             scanID,
			RuleID:             r.ID,
			RuleVersion:        r.Version,
			RuleName:           r.Meta.Name,
			Headline:           e.render(r, g, store),
			Risk:               r.Meta.Risk,
			MatchedEventHashes: hashes,
			CreatedAt:          created,
		})
	}
	return out
}

// collect applies every clause in turn, each narrowing the set left by the previous
// one. Within a clause the positive patterns select and the negative ones then
// remove from what was selected.
func (e *Engine) collect(col Collection, events []*event.Event, store event.Reader) []*event.Event {
	set := events
	for _, c := range col.Clauses {
		pos, neg := c.Positive(), c.Negative()
		next := make([]*event.Event, 0, len(set))
		for _, ev := range set {
			values := fieldValues(ev, c.Field, store)
			if len(pos) > 0 && !e.matchAny(c.Method, values, pos) {
				continue
			}
			if len(neg) > 0 && e.matchAny(c.Method, values, neg) {
				continue
			}
			next = append(next, ev)
		}
		set = next
		if len(set) == 0 {
			break
		}
	}
	return set
}

// aggregate groups entries by the aggregation field, in order of first appearance.
// An entry with several values joins several groups; one with none joins no group.
// Without aggregation each event is its own group.
func (e *Engine) aggregate(r *Rule, working []entry, store event.Reader) []*group {
	index := make(map[string]*group)
	var order []*group
	join := func(key string, en entry) {
		g, ok := index[key]
		if !ok {
			g = &group{key: key}
			index[key] = g
			order = append(order, g)
		}
		g.entries = append(g.entries, en)
	}
	for _, en := range working {
		if r.Aggregation == nil {
			join(en.ev.Hash, en)
			continue
		}
		seen := make(map[string]bool)
		for _, v := range fieldValues(en.ev, r.Aggregation.Field, store) {
			if seen[v] {
				continue
			}
			seen[v] = true
			join(v, en)
		}
	}
	return order
}

// render substitutes {field} placeholders. The aggregation field resolves to the
// group key; any other field to the first value found among the group's events.
func (e *Engine) render(r *Rule, g *group, store event.Reader) string {
	return placeholderRe.ReplaceAllStringFunc(r.Headline, func(m string) string {
		field := m[1 : len(m)-1]
		if r.Aggregation != nil && field == r.Aggregation.Field {
			return g.key
		}
		for _, en := range g.entries {
			if vs := fieldValues(en.ev, field, store); len(vs) > 0 {
				return vs[0]
			}
		}
		return ""
	})
}

func uniqueHashes(entries []entry) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		if !seen[en.ev.Hash] {
			seen[en.ev.Hash] = true
			out = append(out, en.ev.Hash)
		}
	}
	sort.Strings(out)
	return out
}

func resultID(r *Rule, hashes []string) string {
	name := r.ID + "\x00" + strconv.Itoa(r.Version) + "\x00" + strings.Join(hashes, ",")
	return uuid.NewSHA1(resultNamespace, []byte(name)).String()
}
