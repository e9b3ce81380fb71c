package correlation

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleError lists every structural problem found in one rule.
type RuleError struct {
	Key      string
	RuleID   string
	Problems []string
}

func (e *RuleError) Error() string {
	name := e.Key
	if e.RuleID != "" && e.RuleID != e.Key {
		name = fmt.Sprintf("%s (id %q)", e.Key, e.RuleID)
	}
	return fmt.Sprintf("rule %s validation errors:\n  - %s", name, strings.Join(e.Problems, "\n  - "))
}

var (
	baseFields     = map[string]bool{"type": true, "module": true, "data": true}
	fieldPrefixes  = []string{"source.", "child.", "entity."}
	validRisks     = map[string]bool{RiskInfo: true, RiskLow: true, RiskMedium: true, RiskHigh: true}
	placeholderRe  = regexp.MustCompile(`\{([a-z_.]+)\}`)
	twoCollections = map[string]bool{AnalysisFirstCollectionOnly: true, AnalysisMatchAllToFirst: true}
)

// validField reports whether f names an event field, optionally through a relation
// prefix (source., child., entity.).
func validField(f string) bool {
	for _, p := range fieldPrefixes {
		if strings.HasPrefix(f, p) {
			return baseFields[strings.TrimPrefix(f, p)]
		}
	}
	return baseFields[f]
}

// Validate checks r and returns a *RuleError naming every problem, or nil.
func (r *Rule) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch {
	case r.ID == "":
		add("id is required")
	case r.Key != "" && r.ID != r.Key:
		add("id %q does not match catalog key %q", r.ID, r.Key)
	}
	if r.Version < 1 {
		add("version must be a positive integer")
	}
	if r.Meta.Name == "" {
		add("meta.name is required")
	}
	if !validRisks[r.Meta.Risk] {
		add("meta.risk %q must be one of INFO, LOW, MEDIUM, HIGH", r.Meta.Risk)
	}

	if len(r.Collections) == 0 {
		add("collections must contain at least one clause")
	}
	for i, col := range r.Collections {
		if len(col.Clauses) == 0 {
			add("collections[%d]: collect must contain at least one clause", i)
		}
		for j, c := range col.Clauses {
			validateClause(fmt.Sprintf("collections[%d].clause[%d]", i, j), c, add)
		}
	}

	if r.Aggregation != nil && !validField(r.Aggregation.Field) {
		add("aggregation.field %q is not a valid field", r.Aggregation.Field)
	}

	for i, a := range r.Analysis {
		validateAnalysis(fmt.Sprintf("analysis[%d]", i), a, len(r.Collections), add)
	}

	if r.Headline == "" {
		add("headline is required")
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(r.Headline, -1) {
		if !validField(m[1]) {
			add("headline placeholder {%s} is not a valid field", m[1])
		}
	}

	if len(errs) > 0 {
		return &RuleError{Key: r.Key, RuleID: r.ID, Problems: errs}
	}
	return nil
}

func validateClause(loc string, c Clause, add func(string, ...any)) {
	for _, p := range c.problems {
		add("%s: %s", loc, p)
	}
	switch c.Method {
	case MethodExact, MethodRegex:
	case "":
		add("%s: method is required", loc)
	default:
		add("%s: unknown method %q", loc, c.Method)
	}
	if !validField(c.Field) {
		add("%s: field %q is not a valid field", loc, c.Field)
	}
	if len(c.Value) == 0 {
		add("%s: value is required", loc)
	}
	for _, v := range c.Value {
		pattern := strings.TrimPrefix(v, negationPrefix)
		if pattern == "" {
			add("%s: empty pattern", loc)
			continue
		}
		if c.Method == MethodRegex {
			if _, err := regexp.Compile(pattern); err != nil {
				add("%s: invalid regex %q: %v", loc, pattern, err)
			}
		}
	}
}

func validateAnalysis(loc string, a Analysis, collections int, add func(string, ...any)) {
	needsField := true
	switch a.Method {
	case AnalysisThreshold:
		if a.Minimum == nil && a.Maximum == nil {
			add("%s: threshold needs minimum or maximum", loc)
		}
		if a.Minimum != nil && a.Maximum != nil && *a.Minimum > *a.Maximum {
			add("%s: minimum %d exceeds maximum %d", loc, *a.Minimum, *a.Maximum)
		}
		if a.Minimum != nil && *a.Minimum < 0 {
			add("%s: minimum must not be negative", loc)
		}
	case AnalysisOutlier:
		needsField = false
		if p := a.MaximumPercent; p != nil && (*p < 1 || *p > 100) {
			add("%s: maximum_percent must be within 1-100", loc)
		}
		if p := a.NoisyPercent; p != nil && (*p < 1 || *p > 100) {
			add("%s: noisy_percent must be within 1-100", loc)
		}
	case AnalysisFirstCollectionOnly:
	case AnalysisMatchAllToFirst:
		switch a.MatchMethod {
		case MatchExact, MatchContains, MatchSubnet:
		default:
			add("%s: match_method %q must be one of exact, contains, subnet", loc, a.MatchMethod)
		}
	case "":
		add("%s: method is required", loc)
		return
	default:
		add("%s: unknown method %q", loc, a.Method)
		return
	}
	if needsField && !validField(a.Field) {
		add("%s: field %q is not a valid field", loc, a.Field)
	}
	if twoCollections[a.Method] && collections < 2 {
		add("%s: %s needs at least two collections", loc, a.Method)
	}
}
