package correlation

import (
	"net/netip"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

// regexCache holds compiled clause patterns across evaluations.
type regexCache struct {
	lru *lru.Cache[string, *regexp.Regexp]
}

func newRegexCache(size int) *regexCache {
	if size <= 0 {
		size = 512
	}
	c, _ := lru.New[string, *regexp.Regexp](size)
	return &regexCache{lru: c}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.lru.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.lru.Add(pattern, re)
	return re, nil
}

// fieldValues resolves a field name against ev. Relation prefixes follow the
// provenance graph: source. is the parent, child. every direct child in store,
// entity. the nearest entity-typed ancestor. A missing relation yields no values.
func fieldValues(ev *event.Event, field string, store event.Reader) []string {
	switch {
	case strings.HasPrefix(field, "source."):
		if ev.Source == nil {
			return nil
		}
		return []string{baseValue(ev.Source, strings.TrimPrefix(field, "source."))}
	case strings.HasPrefix(field, "child."):
		base := strings.TrimPrefix(field, "child.")
		var out []string
		for _, c := range store.Children(ev.Hash) {
			if c.FalsePositive() {
				continue
			}
			out = append(out, baseValue(c, base))
		}
		return out
	case strings.HasPrefix(field, "entity."):
		ent := ev.NearestEntity()
		if ent == nil {
			return nil
		}
		return []string{baseValue(ent, strings.TrimPrefix(field, "entity."))}
	}
	return []string{baseValue(ev, field)}
}

func baseValue(ev *event.Event, field string) string {
	switch field {
	case "type":
		return ev.Type
	case "module":
		return ev.Module
	case "data":
		return ev.Data
	}
	return ""
}

// matchAny reports whether any value matches any pattern under method.
func (e *Engine) matchAny(method string, values, patterns []string) bool {
	for _, p := range patterns {
		var re *regexp.Regexp
		if method == MethodRegex {
			var err error
			if re, err = e.regexes.get(p); err != nil {
				continue
			}
		}
		for _, v := range values {
			if re != nil && re.MatchString(v) {
				return true
			}
			if re == nil && v == p {
				return true
			}
		}
	}
	return false
}

// correspond implements the match_all_to_first_collection comparisons. For subnet,
// first may be a CIDR prefix or a single address; other must be an address inside it.
func correspond(method, first, other string) bool {
	switch method {
	case MatchExact:
		return first == other
	case MatchContains:
		return first != "" && strings.Contains(other, first)
	case MatchSubnet:
		addr, err := netip.ParseAddr(other)
		if err != nil {
			return false
		}
		if pfx, err := netip.ParsePrefix(first); err == nil {
			return pfx.Contains(addr)
		}
		if a, err := netip.ParseAddr(first); err == nil {
			return a == addr
		}
	}
	return false
}
