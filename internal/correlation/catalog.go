package correlation

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/osintflow/internal/metrics"
)

// Catalog is an immutable set of validated rules keyed by catalog key, plus the
// errors of the rules that were rejected while building it.
type Catalog struct {
	rules    map[string]*Rule
	keys     []string
	errs     []*RuleError
	loadedAt time.Time
}

// NewCatalog builds a catalog from already parsed rules. Rules failing validation
// are recorded as errors.
func NewCatalog(rules ...*Rule) *Catalog {
	c := &Catalog{rules: make(map[string]*Rule), loadedAt: time.Now()}
	for _, r := range rules {
		if r.Key == "" {
			r.Key = r.ID
		}
		if err := r.Validate(); err != nil {
			c.addError(err, r.Key)
			continue
		}
		c.add(r)
	}
	c.finish()
	return c
}

// LoadFiles parses rule documents keyed by catalog key. One bad rule never keeps the
// others out.
func LoadFiles(files map[string][]byte, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{rules: make(map[string]*Rule), loadedAt: time.Now()}
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		r, err := ParseRule(key, files[key])
		if err != nil {
			logger.Warn("invalid correlation rule skipped", "rule", key, "err", err)
			c.addError(err, key)
			continue
		}
		c.add(r)
	}
	c.finish()
	logger.Info("correlation rules loaded", "rules", c.Len(), "errors", len(c.errs))
	return c
}

// LoadDir loads every .yaml/.yml file under dir. The catalog key is the file name
// without extension; a key seen twice is reported as an error for the later file.
func LoadDir(dir string, logger *slog.Logger) (*Catalog, error) {
	files := make(map[string][]byte)
	var dupes []*RuleError
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleFile(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule %s: %w", path, err)
		}
		key := ruleKey(path)
		if _, ok := files[key]; ok {
			dupes = append(dupes, &RuleError{Key: key, Problems: []string{fmt.Sprintf("duplicate catalog key (second file %s)", path)}})
			return nil
		}
		files[key] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rules from %s: %w", dir, err)
	}
	c := LoadFiles(files, logger)
	for _, d := range dupes {
		c.addError(d, d.Key)
	}
	c.finish()
	return c, nil
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func ruleKey(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (c *Catalog) add(r *Rule) {
	c.rules[r.Key] = r
}

func (c *Catalog) addError(err error, key string) {
	var re *RuleError
	if !errors.As(err, &re) {
		re = &RuleError{Key: key, Problems: []string{err.Error()}}
	}
	c.errs = append(c.errs, re)
	metrics.RuleLoadErrors.Inc()
}

func (c *Catalog) finish() {
	c.keys = c.keys[:0]
	for k := range c.rules {
		c.keys = append(c.keys, k)
	}
	sort.Strings(c.keys)
	metrics.RulesLoaded.Set(float64(len(c.keys)))
}

// Rules returns the loaded rules ordered by key.
func (c *Catalog) Rules() []*Rule {
	out := make([]*Rule, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, c.rules[k])
	}
	return out
}

// Get returns the rule stored under key.
func (c *Catalog) Get(key string) (*Rule, bool) {
	r, ok := c.rules[key]
	return r, ok
}

// Len returns the number of loaded rules.
func (c *Catalog) Len() int { return len(c.keys) }

// Errors returns the rejected rules' diagnostics.
func (c *Catalog) Errors() []*RuleError { return c.errs }

// LoadedAt is when the catalog was built.
func (c *Catalog) LoadedAt() time.Time { return c.loadedAt }
