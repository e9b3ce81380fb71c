// Package correlation evaluates declarative rules against the events of a finished
// scan: collect matching events, group them, eliminate groups through analysis steps
// and render one result per surviving group.
package correlation

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Risk levels a rule may declare.
const (
	RiskInfo   = "INFO"
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Clause methods.
const (
	MethodExact = "exact"
	MethodRegex = "regex"
)

// Analysis step methods.
const (
	AnalysisThreshold           = "threshold"
	AnalysisOutlier             = "outlier"
	AnalysisFirstCollectionOnly = "first_collection_only"
	AnalysisMatchAllToFirst     = "match_all_to_first_collection"
)

// match_all_to_first_collection comparison methods.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
	MatchSubnet   = "subnet"
)

const (
	negationPrefix = "not "

	defaultOutlierMaximumPercent = 10
	defaultOutlierNoisyPercent   = 10
)

// Rule is one correlation rule file.
type Rule struct {
	// Key is the catalog key: the file name without extension. Not part of the file.
	Key string `yaml:"-" json:"key"`

	ID          string       `yaml:"id" json:"id"`
	Version     int          `yaml:"version" json:"version"`
	Meta        Meta         `yaml:"meta" json:"meta"`
	Collections Collections  `yaml:"collections" json:"collections"`
	Aggregation *Aggregation `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
	Analysis    []Analysis   `yaml:"analysis,omitempty" json:"analysis,omitempty"`
	Headline    string       `yaml:"headline" json:"headline"`
}

// Meta is the human-facing description of a rule.
type Meta struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Risk        string `yaml:"risk" json:"risk"`
}

// Aggregation groups the working set by a field.
type Aggregation struct {
	Field string `yaml:"field" json:"field"`
}

// Analysis is one elimination step. Which fields apply depends on Method.
type Analysis struct {
	Method          string `yaml:"method" json:"method"`
	Field           string `yaml:"field,omitempty" json:"field,omitempty"`
	Minimum         *int   `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum         *int   `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	CountUniqueOnly bool   `yaml:"count_unique_only,omitempty" json:"count_unique_only,omitempty"`
	MaximumPercent  *int   `yaml:"maximum_percent,omitempty" json:"maximum_percent,omitempty"`
	NoisyPercent    *int   `yaml:"noisy_percent,omitempty" json:"noisy_percent,omitempty"`
	MatchMethod     string `yaml:"match_method,omitempty" json:"match_method,omitempty"`
}

// Collection is a set of clauses that must all hold for an event to be collected.
type Collection struct {
	Clauses []Clause `json:"clauses"`
}

// Collections accepts two layouts: a flat list of clauses (one collection) or a list
// of `collect:` entries (one collection each).
type Collections []Collection

// Clause matches one field of an event against a list of patterns. Patterns prefixed
// with "not " exclude instead of include.
type Clause struct {
	Method string   `json:"method"`
	Field  string   `json:"field"`
	Value  []string `json:"value"`

	problems []string
}

// Positive returns the including patterns.
func (c Clause) Positive() []string {
	var out []string
	for _, v := range c.Value {
		if !strings.HasPrefix(v, negationPrefix) {
			out = append(out, v)
		}
	}
	return out
}

// Negative returns the excluding patterns with their "not " prefix removed.
func (c Clause) Negative() []string {
	var out []string
	for _, v := range c.Value {
		if strings.HasPrefix(v, negationPrefix) {
			out = append(out, strings.TrimPrefix(v, negationPrefix))
		}
	}
	return out
}

// UnmarshalYAML records structural problems instead of failing, so validation can
// report all of them at once.
func (c *Clause) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		c.problems = append(c.problems, fmt.Sprintf("line %d: clause must be a mapping", n.Line))
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		switch k.Value {
		case "method":
			c.Method = c.scalar(k.Value, v)
		case "field":
			c.Field = c.scalar(k.Value, v)
		case "value":
			switch v.Kind {
			case yaml.ScalarNode:
				c.Value = []string{v.Value}
			case yaml.SequenceNode:
				for _, item := range v.Content {
					c.Value = append(c.Value, c.scalar(k.Value, item))
				}
			default:
				c.problems = append(c.problems, fmt.Sprintf("line %d: value must be a string or a list of strings", v.Line))
			}
		default:
			c.problems = append(c.problems, fmt.Sprintf("line %d: unknown clause key %q", k.Line, k.Value))
		}
	}
	return nil
}

func (c *Clause) scalar(key string, v *yaml.Node) string {
	if v.Kind != yaml.ScalarNode {
		c.problems = append(c.problems, fmt.Sprintf("line %d: %s must be a string", v.Line, key))
		return ""
	}
	return v.Value
}

// UnmarshalYAML implements the two accepted layouts.
func (cs *Collections) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: collections must be a list", n.Line)
	}
	var flat Collection
	var nested Collections
	for _, item := range n.Content {
		if collect := mappingValue(item, "collect"); collect != nil {
			if len(item.Content) != 2 {
				return fmt.Errorf("line %d: a collect entry takes no other keys", item.Line)
			}
			var col Collection
			if err := collect.Decode(&col.Clauses); err != nil {
				return fmt.Errorf("line %d: %w", collect.Line, err)
			}
			nested = append(nested, col)
			continue
		}
		var c Clause
		if err := item.Decode(&c); err != nil {
			return err
		}
		flat.Clauses = append(flat.Clauses, c)
	}
	switch {
	case len(flat.Clauses) > 0 && len(nested) > 0:
		return fmt.Errorf("line %d: collections mixes plain clauses with collect entries", n.Line)
	case len(nested) > 0:
		*cs = nested
	case len(flat.Clauses) > 0:
		*cs = Collections{flat}
	}
	return nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// ParseRule decodes one rule file and validates it against key. Any problem, YAML or
// structural, comes back as a *RuleError.
func ParseRule(key string, data []byte) (*Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var r Rule
	if err := dec.Decode(&r); err != nil {
		return nil, &RuleError{Key: key, RuleID: peekID(data), Problems: []string{err.Error()}}
	}
	r.Key = key
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// peekID recovers the id of a rule that failed to decode, for diagnostics.
func peekID(data []byte) string {
	var probe struct {
		ID string `yaml:"id"`
	}
	_ = yaml.Unmarshal(data, &probe)
	return probe.ID
}
