package component

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("auspex.component")

// Spec describes one component to build.
type Spec struct {
	Kind     Kind
	Provider string
	Name     string
	Agent    string
	Config   Config
}

// Factory builds a component. The registry is passed so components can look up their peers.
type Factory func(rt *Registry, spec Spec) (Component, error)

// AgentProvider is the factory key used for components mirrored from a remote agent.
const AgentProvider = "agent"

// UnknownProviderError is returned when no factory exists for a provider.
type UnknownProviderError struct {
	Kind      Kind
	Provider  string
	Available []string
}

func (e *UnknownProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unknown %s provider: '%s'.", e.Kind, e.Provider)
	fmt.Fprintf(&b, "\n  (Check your environment variables - this comes from: WUD_%s_%s_*)",
		strings.ToUpper(string(e.Kind)), strings.ToUpper(e.Provider))
	if len(e.Available) > 0 {
		fmt.Fprintf(&b, "\n  Available %s providers: %s", e.Kind, strings.Join(e.Available, ", "))
	}
	return b.String()
}

func (e *UnknownProviderError) Is(target error) bool {
	return target == errors.NotFound
}

// Registry owns every live component. It replaces process-wide state:
// one instance is created at startup and handed to every subsystem.
type Registry struct {
	mu         sync.RWMutex
	factories  map[Kind]map[string]Factory
	components map[Kind]map[string]Component
}

func New() *Registry {
	return &Registry{
		factories:  make(map[Kind]map[string]Factory),
		components: make(map[Kind]map[string]Component),
	}
}

// RegisterFactory makes a provider available for a kind.
func (r *Registry) RegisterFactory(kind Kind, provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories[kind] == nil {
		r.factories[kind] = make(map[string]Factory)
	}
	r.factories[kind][strings.ToLower(provider)] = f
}

// Providers lists the providers registered for a kind, excluding the agent proxy factory.
func (r *Registry) Providers(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories[kind]))
	for p := range r.factories[kind] {
		if p == AgentProvider {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RegisterComponent builds, initializes and stores a component.
// Components on behalf of an agent are built by the agent proxy factory for that kind.
// A component already registered under the same id is deregistered first.
func (r *Registry) RegisterComponent(ctx context.Context, kind Kind, provider, name string, cfg Config, agent string) (Component, error) {
	spec := Spec{
		Kind:     kind,
		Provider: strings.ToLower(provider),
		Name:     strings.ToLower(name),
		Agent:    agent,
		Config:   cfg,
	}
	key := spec.Provider
	if agent != "" {
		key = AgentProvider
	}

	r.mu.RLock()
	factory, ok := r.factories[kind][key]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownProviderError{Kind: kind, Provider: spec.Provider, Available: r.Providers(kind)}
	}

	c, err := factory(r, spec)
	if err != nil {
		return nil, errors.Annotatef(err, "registering %s %s.%s", kind, spec.Provider, spec.Name)
	}
	if in, ok := c.(Initializer); ok {
		if err := in.Init(ctx); err != nil {
			return nil, errors.Annotatef(err, "initializing %s %s", kind, c.ID())
		}
	}

	if prev, ok := r.Get(kind, c.ID()); ok {
		if err := r.deregister(ctx, kind, prev); err != nil {
			logger.Warningf("replacing %s %s: %v", kind, c.ID(), err)
		}
	}

	r.mu.Lock()
	if r.components[kind] == nil {
		r.components[kind] = make(map[string]Component)
	}
	r.components[kind][c.ID()] = c
	r.mu.Unlock()

	logger.Infof("registered %s %s", kind, c.ID())
	return c, nil
}

// Get returns a component by kind and id.
func (r *Registry) Get(kind Kind, id string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[kind][id]
	return c, ok
}

// List returns every component of a kind sorted by id.
func (r *Registry) List(kind Kind) []Component {
	r.mu.RLock()
	out := make([]Component, 0, len(r.components[kind]))
	for _, c := range r.components[kind] {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Deregister removes one component, releasing its resources.
func (r *Registry) Deregister(ctx context.Context, kind Kind, id string) error {
	c, ok := r.Get(kind, id)
	if !ok {
		return errors.NotFoundf("%s %s", kind, id)
	}
	return r.deregister(ctx, kind, c)
}

func (r *Registry) deregister(ctx context.Context, kind Kind, c Component) error {
	r.mu.Lock()
	delete(r.components[kind], c.ID())
	r.mu.Unlock()
	if d, ok := c.(Deregisterer); ok {
		if err := d.Deregister(ctx); err != nil {
			return errors.Annotatef(err, "deregistering component %s", c.ID())
		}
	}
	return nil
}

// DeregisterAgentComponents drops every watcher and trigger mirrored from an agent.
func (r *Registry) DeregisterAgentComponents(ctx context.Context, agent string) error {
	var errs []string
	for _, kind := range []Kind{KindWatcher, KindTrigger} {
		for _, c := range r.List(kind) {
			if c.Agent() != agent {
				continue
			}
			if err := r.deregister(ctx, kind, c); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("deregistering agent %s components: %s", agent, strings.Join(errs, "; "))
	}
	return nil
}

// DeregisterAll tears everything down in dependency order.
func (r *Registry) DeregisterAll(ctx context.Context) {
	for _, kind := range []Kind{KindWatcher, KindTrigger, KindRegistry, KindAuthentication, KindAgent} {
		for _, c := range r.List(kind) {
			if err := r.deregister(ctx, kind, c); err != nil {
				logger.Warningf("%v", err)
			}
		}
	}
}

// Lookup returns the component as T when it exists and implements T.
func Lookup[T any](r *Registry, kind Kind, id string) (T, bool) {
	var zero T
	c, ok := r.Get(kind, id)
	if !ok {
		return zero, false
	}
	t, ok := c.(T)
	return t, ok
}

// All returns every component of a kind implementing T.
func All[T any](r *Registry, kind Kind) []T {
	var out []T
	for _, c := range r.List(kind) {
		if t, ok := c.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
