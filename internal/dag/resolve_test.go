package dag_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/gyaneshwarpardhi/osintflow/internal/dag"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

type stubModule struct{ d module.Descriptor }

func (s stubModule) Descriptor() module.Descriptor { return s.d }
func (s stubModule) HandleEvent(context.Context, *event.Event) ([]*event.Event, error) {
	return nil, nil
}

func desc(name string, priority int, watched, produced []string) module.Descriptor {
	return module.Descriptor{Name: name, Priority: priority, Watched: watched, Produced: produced}
}

func buildRegistry(t *testing.T, descs ...module.Descriptor) *module.Registry {
	t.Helper()
	reg := module.NewRegistry(nil)
	for _, d := range descs {
		d := d
		if err := reg.Register(d, func(module.Env) (module.Module, error) { return stubModule{d: d}, nil }); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return reg
}

func ts(types ...string) []string { return types }

// assertTopological checks every module appears after all modules feeding it.
func assertTopological(t *testing.T, descs []module.Descriptor, order []string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	g := dag.Build(descs)
	for _, n := range order {
		for _, pred := range g.Predecessors(n) {
			if pos[pred] > pos[n] {
				t.Errorf("%s (pos %d) runs before its producer %s (pos %d)", n, pos[n], pred, pos[pred])
			}
		}
	}
}

func TestResolve_EndToEndMinimalSet(t *testing.T) {
	reg := buildRegistry(t,
		desc("M1", 0, ts("ROOT"), ts("DOMAIN")),
		desc("M2", 0, ts("DOMAIN"), ts("IP")),
		desc("M3", 0, ts("IP"), nil),
	)

	res := dag.Resolve(reg, dag.Request{Desired: ts("IP")}, nil)

	if want := []string{"M1", "M2"}; !reflect.DeepEqual(res.Names, want) {
		t.Fatalf("order = %v, want %v", res.Names, want)
	}
	if res.Loaded != 2 || res.Pruned != 1 || res.Cyclic != 0 {
		t.Errorf("counts loaded=%d pruned=%d cyclic=%d", res.Loaded, res.Pruned, res.Cyclic)
	}
	if res.Method != dag.MethodTopological {
		t.Errorf("method = %s", res.Method)
	}
}

func TestResolve_AcyclicOrdering(t *testing.T) {
	descs := []module.Descriptor{
		desc("zeta", 0, ts("ROOT"), ts("A")),
		desc("alpha", 5, ts("A"), ts("B", "C")),
		desc("beta", 1, ts("B"), ts("D")),
		desc("gamma", 1, ts("C", "D"), ts("E")),
		desc("delta", 0, ts("E", "A"), nil),
		desc("lone", 9, ts("X"), nil),
	}
	res := dag.Resolve(buildRegistry(t, descs...), dag.Request{}, nil)

	if res.Loaded != len(descs) {
		t.Fatalf("loaded %d of %d", res.Loaded, len(descs))
	}
	assertTopological(t, descs, res.Names)
	want := []string{"zeta", "alpha", "beta", "gamma", "delta", "lone"}
	if !reflect.DeepEqual(res.Names, want) {
		t.Errorf("order = %v, want %v", res.Names, want)
	}
}

func TestResolve_TieBreak(t *testing.T) {
	cases := []struct {
		name  string
		descs []module.Descriptor
		want  []string
	}{
		{
			name:  "priority first",
			descs: []module.Descriptor{desc("a", 2, ts("X"), nil), desc("b", 1, ts("X"), nil)},
			want:  []string{"b", "a"},
		},
		{
			name:  "name breaks equal priority",
			descs: []module.Descriptor{desc("b", 1, ts("X"), nil), desc("a", 1, ts("X"), nil)},
			want:  []string{"a", "b"},
		},
		{
			name: "dependency beats priority",
			descs: []module.Descriptor{
				desc("producer", 9, ts("X"), ts("Y")),
				desc("consumer", 0, ts("Y"), nil),
			},
			want: []string{"producer", "consumer"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := dag.Resolve(buildRegistry(t, tc.descs...), dag.Request{}, nil)
			if !reflect.DeepEqual(res.Names, tc.want) {
				t.Errorf("order = %v, want %v", res.Names, tc.want)
			}
		})
	}
}

func TestResolve_CycleSurvives(t *testing.T) {
	reg := buildRegistry(t,
		desc("ping", 2, ts("B"), ts("A")),
		desc("pong", 1, ts("A"), ts("B")),
		desc("seed", 0, ts("ROOT"), ts("C")),
	)
	res := dag.Resolve(reg, dag.Request{}, nil)

	if res.Method != dag.MethodPriorityFallback {
		t.Fatalf("method = %s, want priority-fallback", res.Method)
	}
	if want := []string{"seed", "pong", "ping"}; !reflect.DeepEqual(res.Names, want) {
		t.Errorf("order = %v, want %v", res.Names, want)
	}
	if res.Cyclic != 2 || !reflect.DeepEqual(res.CycleMembers, []string{"pong", "ping"}) {
		t.Errorf("cyclic=%d members=%v", res.Cyclic, res.CycleMembers)
	}
}

func TestResolve_SelfLoopIsNotACycle(t *testing.T) {
	reg := buildRegistry(t, desc("dns", 0, ts("INTERNET_NAME"), ts("INTERNET_NAME", "IP_ADDRESS")))
	res := dag.Resolve(reg, dag.Request{}, nil)
	if res.Method != dag.MethodTopological || res.Loaded != 1 {
		t.Errorf("method=%s loaded=%d", res.Method, res.Loaded)
	}
}

func TestResolve_InstantiationFailureIsIsolated(t *testing.T) {
	reg := buildRegistry(t, desc("good", 0, ts("A"), ts("B")))
	if err := reg.Register(desc("broken", 0, ts("B"), nil), func(module.Env) (module.Module, error) {
		return nil, errors.New("missing api key")
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(desc("panicky", 0, ts("B"), nil), func(module.Env) (module.Module, error) {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	res := dag.Resolve(reg, dag.Request{Modules: ts("good", "broken", "panicky", "ghost")}, nil)

	if !reflect.DeepEqual(res.Names, []string{"good"}) {
		t.Errorf("order = %v", res.Names)
	}
	if len(res.Failed) != 3 {
		t.Fatalf("failed = %v", res.FailureMessages())
	}
	var pe *module.PanicError
	if !errors.As(res.Failed["panicky"], &pe) {
		t.Errorf("panicky error = %v, want PanicError", res.Failed["panicky"])
	}
}

func TestMinimalSet(t *testing.T) {
	reg := buildRegistry(t,
		desc("seed", 0, ts("ROOT"), ts("DOMAIN")),
		desc("dns", 0, ts("DOMAIN"), ts("IP")),
		desc("whois", 0, ts("DOMAIN"), ts("REGISTRAR")),
		desc("ports", 0, ts("IP"), ts("PORT")),
		module.Descriptor{Name: "banner", Watched: ts("PORT", "REGISTRAR"), Optional: ts("REGISTRAR"), Produced: ts("BANNER")},
		desc("sink", 0, ts(module.Wildcard), nil),
	)

	cases := []struct {
		desired []string
		want    []string
	}{
		{ts("IP"), []string{"dns", "seed"}},
		{ts("BANNER"), []string{"banner", "dns", "ports", "seed"}},
		{ts("REGISTRAR", "PORT"), []string{"dns", "ports", "seed", "whois"}},
		{ts("NOTHING"), []string{}},
	}
	for _, tc := range cases {
		got := []string{}
		for _, d := range dag.MinimalSet(reg, tc.desired) {
			got = append(got, d.Name)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("MinimalSet(%v) = %v, want %v", tc.desired, got, tc.want)
		}
	}
}

func TestGraph(t *testing.T) {
	g := dag.Build([]module.Descriptor{
		desc("a", 0, ts("X"), ts("Y")),
		desc("b", 0, ts("Y"), ts("Y")),
		desc("c", 0, ts(module.Wildcard), nil),
	})
	if g.NodeCount() != 3 {
		t.Errorf("nodes = %d", g.NodeCount())
	}
	if got := g.Successors("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("successors(a) = %v", got)
	}
	if got := g.Predecessors("c"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("predecessors(c) = %v", got)
	}
	if g.EdgeCount() != 3 {
		t.Errorf("edges = %d", g.EdgeCount())
	}
}
