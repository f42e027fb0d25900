package hostfunc

import (
	"context"
	"sort"
	"sync"

	"github.com/caffeineduck/scriptgate/unit"
)

// Func is a host function callable from a running unit. args is the decoded
// JSON object sent by the unit; the result is encoded back as JSON.
type Func func(ctx context.Context, args map[string]any) (any, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type envKey struct{}

// WithEnvironment attaches the request environment host functions act on.
func WithEnvironment(ctx context.Context, env unit.Environment) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvironmentFrom returns the environment attached by [WithEnvironment].
func EnvironmentFrom(ctx context.Context) (unit.Environment, bool) {
	env, ok := ctx.Value(envKey{}).(unit.Environment)
	return env, ok && env != nil
}
