// Package domainplugin holds the registry of domain plugins: the
// subtype-scoped bundles of parser configuration and review checklist that
// parameterize the review graph for a given contract family (NDA, MSA,
// lease, and so on).
package domainplugin

import (
	"sync"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
)

// Registry holds registered domain plugins keyed by id. Plugins are
// immutable once registered: re-registering the same id replaces the whole
// bundle atomically so in-flight reviews keep a consistent view via their
// own copy of GraphState.Checklist taken at task-start time.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]domain.DomainPlugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]domain.DomainPlugin)}
}

// Register adds or replaces a plugin. Registration is idempotent: calling it
// twice with an identical plugin is a no-op in effect, and calling it with a
// changed plugin simply supersedes the prior version for future task starts.
func (r *Registry) Register(p domain.DomainPlugin) error {
	if p.ID == "" {
		return apperr.New(apperr.KindInvalidInput, "domain plugin id is required")
	}
	if len(p.Checklist) == 0 {
		return apperr.New(apperr.KindInvalidInput, "domain plugin checklist must not be empty: "+p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.ID] = p
	return nil
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (domain.DomainPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return domain.DomainPlugin{}, apperr.New(apperr.KindNotFound, "unknown domain plugin: "+id)
	}
	return p, nil
}

// ByTaskSubtype resolves the plugin responsible for a given subtype. Subtypes
// are matched against every registered plugin's Subtypes list; the first
// match wins, so deployments must keep subtype names globally unique across
// plugins.
func (r *Registry) ByTaskSubtype(subtype string) (domain.DomainPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		for _, s := range p.Subtypes {
			if s == subtype {
				return p, nil
			}
		}
	}
	return domain.DomainPlugin{}, apperr.New(apperr.KindNotFound, "no domain plugin handles subtype: "+subtype)
}

// List returns every registered plugin in no particular order.
func (r *Registry) List() []domain.DomainPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DomainPlugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// Clear removes every registered plugin. Used only by tests to isolate
// registry state between cases; never called from production code paths.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]domain.DomainPlugin)
}
