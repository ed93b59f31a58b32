// Package source fetches raw candidates from external providers. Adapters
// never write to the store; they hand raw items to the normalizer.
package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/radar-cli/internal/model"
)

// Adapter fetches raw candidates for a scope. Fetch is safe to retry: the
// same scope yields the same external keys. Item-level parse failures are
// skipped and counted in the result; Fetch only fails when nothing usable
// could be fetched.
type Adapter interface {
	Name() string
	Kind() model.Kind
	Fetch(ctx context.Context, scope model.Scope) (*Result, error)
}

// Result is the output of one Fetch.
type Result struct {
	Candidates []model.RawCandidate
	// Failures counts requests that failed after retries and items that
	// could not be parsed.
	Failures int
	Requests int
}

// Registry maps adapter names to implementations.
type Registry struct {
	adapters map[string]Adapter
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry holding adapters, in order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter, replacing any adapter with the same name.
func (r *Registry) Register(a Adapter) {
	name := a.Name()
	if _, ok := r.adapters[name]; !ok {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Errorf("source: unknown adapter %q", name)
	}
	return a, nil
}

// Select returns the named adapters, or all of them in registration order
// when names is empty.
func (r *Registry) Select(names []string) ([]Adapter, error) {
	if len(names) == 0 {
		out := make([]Adapter, 0, len(r.order))
		for _, name := range r.order {
			out = append(out, r.adapters[name])
		}
		return out, nil
	}
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		a, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Names returns the registered adapter names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
