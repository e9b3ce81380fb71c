package correlation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scanFixture builds an event graph with strictly increasing timestamps.
type scanFixture struct {
	t     *testing.T
	store *event.MemoryStore
	root  *event.Event
	clock time.Time
}

func newFixture(t *testing.T, target string) *scanFixture {
	t.Helper()
	f := &scanFixture{t: t, store: event.NewMemoryStore(), clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.root = event.NewRoot(target)
	require.NoError(t, f.store.Put(context.Background(), f.root))
	return f
}

func (f *scanFixture) add(typ, data, module string, src *event.Event) *event.Event {
	f.t.Helper()
	f.clock = f.clock.Add(time.Millisecond)
	ev, err := event.New(typ, data, module, src, event.WithTime(f.clock))
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.Put(context.Background(), ev))
	return ev
}

func parse(t *testing.T, key, doc string) *Rule {
	t.Helper()
	r, err := ParseRule(key, []byte(doc))
	require.NoError(t, err)
	return r
}

func evaluate(t *testing.T, f *scanFixture, rules ...*Rule) Results {
	t.Helper()
	cat := NewCatalog(rules...)
	require.Empty(t, cat.Errors())
	return NewEngine(16, quietLogger()).Evaluate("scan-1", f.store, cat)
}

const bannerRule = `
id: outdated_banner
version: 1
meta:
  name: Software version revealed
  description: A service banner discloses a version number.
  risk: LOW
collections:
  - method: exact
    field: type
    value: TCP_PORT_OPEN_BANNER
  - method: regex
    field: data
    value: '.*[0-9]\.[0-9].*'
aggregation:
  field: data
headline: "Software version revealed: {data}"
`

func TestParseRule_FlatForm(t *testing.T) {
	r := parse(t, "outdated_banner", bannerRule)
	require.Len(t, r.Collections, 1)
	assert.Len(t, r.Collections[0].Clauses, 2)
	assert.Equal(t, []string{`.*[0-9]\.[0-9].*`}, r.Collections[0].Clauses[1].Value)
	assert.Equal(t, "data", r.Aggregation.Field)
}

func TestParseRule_CollectForm(t *testing.T) {
	r := parse(t, "two", `
id: two
version: 2
meta: {name: Two, risk: INFO}
collections:
  - collect:
      - {method: exact, field: type, value: [INTERNET_NAME, DOMAIN_NAME]}
  - collect:
      - {method: exact, field: type, value: IP_ADDRESS}
      - {method: regex, field: data, value: ["not ^10\\.", "not ^192\\.168\\."]}
analysis:
  - {method: first_collection_only, field: data}
headline: "{data}"
`)
	require.Len(t, r.Collections, 2)
	assert.Equal(t, []string{"INTERNET_NAME", "DOMAIN_NAME"}, r.Collections[0].Clauses[0].Value)
	clause := r.Collections[1].Clauses[1]
	assert.Empty(t, clause.Positive())
	assert.Equal(t, []string{`^10\.`, `^192\.168\.`}, clause.Negative())
}

func TestParseRule_ReportsEveryProblem(t *testing.T) {
	_, err := ParseRule("expected_key", []byte(`
id: other_key
version: 0
meta: {name: "", risk: SEVERE}
collections:
  - {method: glob, field: colour, value: x, extra: 1}
  - {method: regex, field: data, value: "("}
aggregation: {field: nope}
analysis:
  - {method: threshold, field: data}
  - {method: first_collection_only, field: data}
  - {method: bogus}
headline: "{wat}"
`))
	require.Error(t, err)
	var re *RuleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "expected_key", re.Key)
	assert.Equal(t, "other_key", re.RuleID)

	want := []string{
		`does not match catalog key`,
		`version must be a positive integer`,
		`meta.name is required`,
		`meta.risk "SEVERE"`,
		`unknown clause key "extra"`,
		`unknown method "glob"`,
		`field "colour"`,
		`invalid regex "("`,
		`aggregation.field "nope"`,
		`threshold needs minimum or maximum`,
		`first_collection_only needs at least two collections`,
		`unknown method "bogus"`,
		`headline placeholder {wat}`,
	}
	for _, w := range want {
		assert.Contains(t, err.Error(), w)
	}
}

func TestParseRule_SyntaxErrorsNameTheRule(t *testing.T) {
	_, err := ParseRule("broken", []byte("id: broken\nversion: [\n"))
	var re *RuleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "broken", re.Key)

	_, err = ParseRule("typo", []byte("id: typo\nversion: 1\nheadlines: x\n"))
	require.ErrorAs(t, err, &re)
	assert.Contains(t, err.Error(), "headlines")
}

func TestLoadDir_OneInvalidRuleDoesNotBlockTheRest(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("rule_%d", i)
		doc := fmt.Sprintf("id: %s\nversion: 1\nmeta: {name: R%d, risk: LOW}\n"+
			"collections:\n  - {method: exact, field: type, value: INTERNET_NAME}\nheadline: \"{data}\"\n", key, i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(doc), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("id: not_bad\nversion: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# rules"), 0o644))

	cat, err := LoadDir(dir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 9, cat.Len())
	require.Len(t, cat.Errors(), 1)
	assert.Equal(t, "bad", cat.Errors()[0].Key)
	assert.Contains(t, cat.Errors()[0].Error(), `id "not_bad" does not match catalog key "bad"`)

	_, ok := cat.Get("rule_4")
	assert.True(t, ok)
	assert.Equal(t, "rule_0", cat.Rules()[0].Key)
}

func TestLoadDir_ShippedRules(t *testing.T) {
	c, err := LoadDir(filepath.Join("..", "..", "configs", "correlations"), quietLogger())
	require.NoError(t, err)
	assert.Empty(t, c.Errors())
	assert.Equal(t, 3, c.Len())
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "absent"), quietLogger())
	assert.Error(t, err)
}

func TestEvaluate_CollectionClausesAreANDed(t *testing.T) {
	f := newFixture(t, "example.com")
	f.add("A", "x", "m", f.root)
	f.add("B", "y", "m", f.root)

	rule := func(negated string) *Rule {
		return parse(t, "and_rule", fmt.Sprintf(`
id: and_rule
version: 1
meta: {name: AND, risk: INFO}
collections:
  - {method: exact, field: type, value: A}
  - {method: regex, field: data, value: "not %s"}
headline: "{type} {data}"
`, negated))
	}

	assert.Empty(t, evaluate(t, f, rule("x")))

	res := evaluate(t, f, rule("z"))
	require.Len(t, res, 1)
	assert.Equal(t, "A x", res[0].Headline)
}

func TestEvaluate_BannerScenario(t *testing.T) {
	f := newFixture(t, "example.com")
	ip := f.add(event.TypeIPAddress, "192.0.2.10", "dns_resolve", f.root)
	banner := f.add(event.TypeTCPPortOpenBanner, "SSH-2.0-OpenSSH_7.2", "port_scan", ip)
	f.add(event.TypeTCPPortOpenBanner, "Apache httpd", "port_scan", ip)

	res := evaluate(t, f, parse(t, "outdated_banner", bannerRule))
	require.Len(t, res, 1)
	r := res[0]
	assert.Equal(t, "Software version revealed: SSH-2.0-OpenSSH_7.2", r.Headline)
	assert.Equal(t, []string{banner.Hash}, r.MatchedEventHashes)
	assert.Equal(t, "outdated_banner", r.RuleID)
	assert.Equal(t, 1, r.RuleVersion)
	assert.Equal(t, RiskLow, r.Risk)
	assert.Equal(t, "scan-1", r.ScanID)

	again := evaluate(t, f, parse(t, "outdated_banner", bannerRule))
	assert.Equal(t, r.ID, again[0].ID, "result id is deterministic")
}

func TestEvaluate_FalsePositivesAreInvisible(t *testing.T) {
	f := newFixture(t, "example.com")
	ip := f.add(event.TypeIPAddress, "192.0.2.10", "dns_resolve", f.root)
	f.add(event.TypeTCPPortOpenBanner, "nginx/1.18", "port_scan", ip)
	require.NoError(t, f.store.SetFalsePositive(ip.Hash, true))

	assert.Empty(t, evaluate(t, f, parse(t, "outdated_banner", bannerRule)))
}

func TestEvaluate_RelationFields(t *testing.T) {
	f := newFixture(t, "example.com")
	host := f.add(event.TypeInternetName, "www.example.com", "crawl", f.root)
	ip := f.add(event.TypeIPAddress, "192.0.2.1", "dns_resolve", host)
	f.add(event.TypeTCPPortOpen, "192.0.2.1:22", "port_scan", ip)
	f.add(event.TypeTCPPortOpen, "192.0.2.1:80", "port_scan", ip)

	res := evaluate(t, f, parse(t, "ssh_hosts", `
id: ssh_hosts
version: 1
meta: {name: SSH exposed, risk: MEDIUM}
collections:
  - {method: exact, field: type, value: IP_ADDRESS}
  - {method: regex, field: child.data, value: ':22$'}
analysis:
  - {method: threshold, field: child.data, minimum: 2}
headline: "{entity.data} ({data}) exposes SSH"
`))
	require.Len(t, res, 1)
	assert.Equal(t, "www.example.com (192.0.2.1) exposes SSH", res[0].Headline)
}

func TestEvaluate_ThresholdUniqueCounting(t *testing.T) {
	f := newFixture(t, "example.com")
	for _, m := range []string{"a", "b", "a"} {
		f.add(event.TypeEmailAddr, "admin@example.com", m, f.root)
	}
	doc := func(unique bool) *Rule {
		return parse(t, "many_sources", fmt.Sprintf(`
id: many_sources
version: 1
meta: {name: Widely seen, risk: INFO}
collections:
  - {method: exact, field: type, value: EMAILADDR}
aggregation: {field: data}
analysis:
  - {method: threshold, field: module, minimum: 3, count_unique_only: %t}
headline: "{data}"
`, unique))
	}
	assert.Len(t, evaluate(t, f, doc(false)), 1)
	assert.Empty(t, evaluate(t, f, doc(true)))
}

func TestEvaluate_Outlier(t *testing.T) {
	f := newFixture(t, "example.com")
	for i := 0; i < 5; i++ {
		f.add("SSL_CERTIFICATE_ISSUER", "Common CA", "tls", f.root)
	}
	for i := 0; i < 10; i++ {
		f.add("SSL_CERTIFICATE_ISSUER", fmt.Sprintf("Odd CA %d", i), "tls", f.root)
	}
	rule := parse(t, "rare_issuer", `
id: rare_issuer
version: 1
meta: {name: Rare issuer, risk: INFO}
collections:
  - {method: exact, field: type, value: SSL_CERTIFICATE_ISSUER}
aggregation: {field: data}
analysis:
  - {method: outlier, maximum_percent: 10, noisy_percent: 10}
headline: "Unusual issuer {data}"
`)

	res := evaluate(t, f, rule)
	assert.Len(t, res, 10)
	for _, r := range res {
		assert.NotEqual(t, "Unusual issuer Common CA", r.Headline)
	}

	// Too few distinct groups: nothing stands out.
	small := newFixture(t, "example.com")
	small.add("SSL_CERTIFICATE_ISSUER", "A", "tls", small.root)
	small.add("SSL_CERTIFICATE_ISSUER", "B", "tls", small.root)
	assert.Empty(t, evaluate(t, small, rule))
}

func TestEvaluate_FirstCollectionOnly(t *testing.T) {
	f := newFixture(t, "example.com")
	a := f.add(event.TypeInternetName, "a.example.com", "crawl", f.root)
	f.add(event.TypeInternetName, "b.example.com", "crawl", f.root)
	c := f.add(event.TypeInternetName, "c.example.com", "crawl", f.root)
	f.add("INTERNET_NAME_UNRESOLVED", "b.example.com", "dns_resolve", f.root)

	res := evaluate(t, f, parse(t, "resolving_hosts", `
id: resolving_hosts
version: 1
meta: {name: Resolving hosts, risk: INFO}
collections:
  - collect:
      - {method: exact, field: type, value: INTERNET_NAME}
  - collect:
      - {method: exact, field: type, value: INTERNET_NAME_UNRESOLVED}
analysis:
  - {method: first_collection_only, field: data}
headline: "{data} resolves"
`))
	require.Len(t, res, 2)
	assert.Equal(t, "a.example.com resolves", res[0].Headline)
	assert.Equal(t, []string{a.Hash}, res[0].MatchedEventHashes)
	assert.Equal(t, []string{c.Hash}, res[1].MatchedEventHashes)
}

func TestEvaluate_MatchAllToFirstCollection(t *testing.T) {
	f := newFixture(t, "example.com")
	good := f.add(event.TypeDomainName, "good.example", "whois", f.root)
	f.add("NETBLOCK_MEMBER", "10.0.0.0/24", "bgp", good)
	f.add(event.TypeIPAddress, "10.0.0.5", "dns_resolve", good)
	f.add(event.TypeIPAddress, "10.0.0.9", "dns_resolve", good)

	bad := f.add(event.TypeDomainName, "bad.example", "whois", f.root)
	f.add("NETBLOCK_MEMBER", "10.0.0.0/24", "bgp", bad)
	f.add(event.TypeIPAddress, "10.0.0.7", "dns_resolve", bad)
	f.add(event.TypeIPAddress, "192.168.1.1", "dns_resolve", bad)

	lonely := f.add(event.TypeDomainName, "lonely.example", "whois", f.root)
	f.add("NETBLOCK_MEMBER", "172.16.0.0/16", "bgp", lonely)

	res := evaluate(t, f, parse(t, "hosted_inside", `
id: hosted_inside
version: 1
meta: {name: Hosted inside own netblock, risk: INFO}
collections:
  - collect:
      - {method: exact, field: type, value: NETBLOCK_MEMBER}
  - collect:
      - {method: exact, field: type, value: IP_ADDRESS}
aggregation: {field: source.data}
analysis:
  - {method: match_all_to_first_collection, field: data, match_method: subnet}
headline: "{source.data} is hosted in its own netblock"
`))
	require.Len(t, res, 1)
	assert.Equal(t, "good.example is hosted in its own netblock", res[0].Headline)
	assert.Len(t, res[0].MatchedEventHashes, 3)
}

func TestCorrespond(t *testing.T) {
	cases := []struct {
		method, first, other string
		want                 bool
	}{
		{MatchExact, "a", "a", true},
		{MatchExact, "a", "b", false},
		{MatchContains, "example.com", "www.example.com", true},
		{MatchContains, "example.org", "www.example.com", false},
		{MatchSubnet, "10.0.0.0/8", "10.20.30.40", true},
		{MatchSubnet, "10.0.0.0/8", "11.0.0.1", false},
		{MatchSubnet, "192.0.2.1", "192.0.2.1", true},
		{MatchSubnet, "10.0.0.0/8", "not-an-ip", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, correspond(tc.method, tc.first, tc.other), "%s %s %s", tc.method, tc.first, tc.other)
	}
}

func TestResultsQueries(t *testing.T) {
	rs := Results{
		{RuleID: "r1", Risk: RiskHigh, MatchedEventHashes: []string{"h1", "h2"}},
		{RuleID: "r2", Risk: RiskLow, MatchedEventHashes: []string{"h2"}},
		{RuleID: "r1", Risk: RiskLow, MatchedEventHashes: []string{"h3"}},
	}
	assert.Len(t, rs.ByRule("r1"), 2)
	assert.Len(t, rs.ByRisk("low"), 2)
	assert.Len(t, rs.ByEvent("h2"), 2)
	assert.Empty(t, rs.ByEvent("nope"))
	assert.NotNil(t, rs.ByRule("nope"))
}

func TestWatcher_ReloadAndWatch(t *testing.T) {
	dir := t.TempDir()
	write := func(key string) {
		doc := fmt.Sprintf("id: %s\nversion: 1\nmeta: {name: %s, risk: LOW}\n"+
			"collections:\n  - {method: exact, field: type, value: X}\nheadline: \"{data}\"\n", key, key)
		require.NoError(t, os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(doc), 0o644))
	}
	write("first")

	w, err := NewWatcher(dir, 20*time.Millisecond, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, w.Current().Len())

	changes := make(chan *Catalog, 8)
	w.OnChange(func(c *Catalog) {
		select {
		case changes <- c:
		default:
		}
	})

	write("second")
	cat, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Len())
	assert.Equal(t, 2, (<-changes).Len())

	stop, err := w.Watch()
	require.NoError(t, err)
	defer stop()

	write("third")
	require.Eventually(t, func() bool { return w.Current().Len() == 3 }, 3*time.Second, 20*time.Millisecond)
}
