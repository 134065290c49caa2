package oauth2

import (
	"fmt"

	ac "github.com/panyam/authcore"
)

// Registry holds the configured providers by name
type Registry struct {
	providers map[ac.Provider]Provider
}

// NewRegistry registers the given providers. Nil interface values are skipped.
func NewRegistry(list ...Provider) *Registry {
	m := make(map[ac.Provider]Provider)
	for _, p := range list {
		if p != nil {
			m[p.Name()] = p
		}
	}
	return &Registry{providers: m}
}

// Get returns the provider by name or an error if not registered.
func (r *Registry) Get(name ac.Provider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown oauth provider: %s", name)
	}
	return p, nil
}

// Names lists the registered providers
func (r *Registry) Names() []ac.Provider {
	out := make([]ac.Provider, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
