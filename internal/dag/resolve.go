package dag

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

// Request selects the modules of a scan. With Modules set exactly those are used;
// with Desired set the minimal producing set is computed; otherwise the whole
// registry is loaded.
type Request struct {
	Modules  []string
	Desired  []string
	Services module.Services
}

// Loaded is one instantiated module in execution order. Factory and Env are kept so
// the engine can build a fresh instance on restart.
type Loaded struct {
	Descriptor module.Descriptor
	Module     module.Module
	Factory    module.Factory
	Env        module.Env
}

// LoadResult is the outcome of resolving a scan's module set.
type LoadResult struct {
	Order        []Loaded         `json:"-"`
	Names        []string         `json:"order"`
	Loaded       int              `json:"loaded"`
	Pruned       int              `json:"pruned"`
	Cyclic       int              `json:"cyclic"`
	CycleMembers []string         `json:"cycle_members,omitempty"`
	Failed       map[string]error `json:"-"`
	Method       OrderMethod      `json:"method"`
}

// FailureMessages renders Failed for logs and JSON.
func (r *LoadResult) FailureMessages() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for k, v := range r.Failed {
		out[k] = v.Error()
	}
	return out
}

// Resolve selects, instantiates and orders the modules for one scan. Instantiation
// failures are recorded and never abort resolution of the remaining modules; cycles
// degrade the ordering method but are never fatal.
func Resolve(reg *module.Registry, req Request, logger *slog.Logger) *LoadResult {
	if logger == nil {
		logger = slog.Default()
	}
	res := &LoadResult{Failed: make(map[string]error), Method: MethodTopological}

	var selected []module.Descriptor
	switch {
	case len(req.Modules) > 0:
		seen := make(map[string]bool)
		for _, name := range req.Modules {
			if seen[name] {
				continue
			}
			seen[name] = true
			e, ok := reg.Get(name)
			if !ok {
				res.Failed[name] = fmt.Errorf("module %s is not registered", name)
				continue
			}
			selected = append(selected, e.Descriptor)
		}
		sort.Slice(selected, func(i, j int) bool { return selected[i].Name < selected[j].Name })
	case len(req.Desired) > 0:
		selected = MinimalSet(reg, req.Desired)
	default:
		selected = reg.All()
	}
	res.Pruned = reg.Len() - len(selected)
	if res.Pruned < 0 {
		res.Pruned = 0
	}

	instances := make(map[string]Loaded, len(selected))
	ok := make([]module.Descriptor, 0, len(selected))
	for _, d := range selected {
		e, _ := reg.Get(d.Name)
		env := module.Env{Services: req.Services, Options: e.Options, Logger: logger.With("module", d.Name)}
		m, err := Instantiate(d.Name, e.Factory, env)
		if err != nil {
			res.Failed[d.Name] = err
			logger.Warn("module failed to instantiate", "module", d.Name, "err", err)
			continue
		}
		instances[d.Name] = Loaded{Descriptor: d, Module: m, Factory: e.Factory, Env: env}
		ok = append(ok, d)
	}

	order, cyclic := Order(Build(ok))
	if len(cyclic) > 0 {
		res.Method = MethodPriorityFallback
		res.Cyclic = len(cyclic)
		res.CycleMembers = cyclic
		logger.Warn("cyclic module dependencies, falling back to priority order", "modules", cyclic)
	}
	for _, name := range order {
		res.Order = append(res.Order, instances[name])
		res.Names = append(res.Names, name)
	}
	res.Loaded = len(res.Order)
	return res
}

// Instantiate runs a factory, converting a panic into a module.PanicError.
func Instantiate(name string, f module.Factory, env module.Env) (m module.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, &module.PanicError{Module: name, Value: r}
		}
	}()
	m, err = f(env)
	if err == nil && m == nil {
		err = fmt.Errorf("module %s: factory returned nil", name)
	}
	return m, err
}
