package correlation

import (
	"strings"
	"time"
)

// Result is one correlation finding: a surviving group of a rule.
type Result struct {
	ID                 string    `json:"id"`
	ScanID             string    `json:"scan_id"`
	RuleID             string    `json:"rule_id"`
	RuleVersion        int       `json:"rule_version"`
	RuleName           string    `json:"rule_name"`
	Headline           string    `json:"headline"`
	Risk               string    `json:"risk"`
	MatchedEventHashes []string  `json:"matched_event_hashes"`
	CreatedAt          time.Time `json:"created_at"`
}

// Results is a scan's findings with query helpers.
type Results []Result

// ByRule returns the results produced by rule id.
func (rs Results) ByRule(id string) Results {
	return rs.filter(func(r Result) bool { return r.RuleID == id })
}

// ByRisk returns the results at the given risk level (case-insensitive).
func (rs Results) ByRisk(risk string) Results {
	return rs.filter(func(r Result) bool { return strings.EqualFold(r.Risk, risk) })
}

// ByEvent returns the results an event contributed to.
func (rs Results) ByEvent(hash string) Results {
	return rs.filter(func(r Result) bool {
		for _, h := range r.MatchedEventHashes {
			if h == hash {
				return true
			}
		}
		return false
	})
}

func (rs Results) filter(keep func(Result) bool) Results {
	out := Results{}
	for _, r := range rs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
