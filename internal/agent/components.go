package agent

import (
	"context"

	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/trigger"
)

// Watcher stands for a watcher running on an agent.
type Watcher struct {
	component.Base
	rt *component.Registry
}

func (w *Watcher) client() (*Client, error) {
	c, ok := Lookup(w.rt, w.Agent())
	if !ok {
		return nil, errors.NotFoundf("agent %s", w.Agent())
	}
	return c, nil
}

func (w *Watcher) Watch(ctx context.Context) ([]model.ContainerReport, error) {
	c, err := w.client()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.Watch(ctx, w.Type(), w.Name())
}

func (w *Watcher) WatchContainer(ctx context.Context, ct model.Container) (model.ContainerReport, error) {
	c, err := w.client()
	if err != nil {
		return model.ContainerReport{}, errors.Trace(err)
	}
	return c.WatchContainer(ctx, w.Type(), w.Name(), ct)
}

// Trigger stands for a trigger running on an agent. It never runs in auto
// mode on the controller; the agent does.
type Trigger struct {
	component.Base
	rt       *component.Registry
	settings trigger.Config
}

func (t *Trigger) Settings() trigger.Config { return t.settings }

func (t *Trigger) client() (*Client, error) {
	c, ok := Lookup(t.rt, t.Agent())
	if !ok {
		return nil, errors.NotFoundf("agent %s", t.Agent())
	}
	return c, nil
}

func (t *Trigger) Trigger(ctx context.Context, ct model.Container) error {
	c, err := t.client()
	if err != nil {
		return errors.Trace(err)
	}
	return c.RunRemoteTrigger(ctx, ct, t.Type(), t.Name())
}

func (t *Trigger) TriggerBatch(ctx context.Context, cs []model.Container) error {
	c, err := t.client()
	if err != nil {
		return errors.Trace(err)
	}
	return c.RunRemoteTriggerBatch(ctx, cs, t.Type(), t.Name())
}

var _ trigger.Trigger = (*Trigger)(nil)

func newWatcher(rt *component.Registry, spec component.Spec) (component.Component, error) {
	if spec.Agent == "" {
		return nil, errors.BadRequestf("watcher proxy %s.%s without agent", spec.Provider, spec.Name)
	}
	return &Watcher{
		Base: component.NewBase(component.KindWatcher, spec.Provider, spec.Name, spec.Agent, spec.Config),
		rt:   rt,
	}, nil
}

func newTrigger(rt *component.Registry, spec component.Spec) (component.Component, error) {
	if spec.Agent == "" {
		return nil, errors.BadRequestf("trigger proxy %s.%s without agent", spec.Provider, spec.Name)
	}
	// the agent validated the configuration; masked values only
	// fail template parsing in pathological cases
	settings, err := trigger.ParseConfig(spec.Config)
	if err != nil {
		logger.Warningf("agent %s: trigger %s.%s: %v, using defaults", spec.Agent, spec.Provider, spec.Name, err)
		settings, _ = trigger.ParseConfig(nil)
	}
	return &Trigger{
		Base:     component.NewBase(component.KindTrigger, spec.Provider, spec.Name, spec.Agent, spec.Config),
		rt:       rt,
		settings: settings,
	}, nil
}

// Register adds the agent client factory and the factories of the
// components mirrored from agents.
func Register(rt *component.Registry, deps Deps) {
	deps.setDefaults()
	rt.RegisterFactory(component.KindAgent, Provider, func(rt *component.Registry, spec component.Spec) (component.Component, error) {
		c, err := newClient(rt, spec, deps)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	rt.RegisterFactory(component.KindWatcher, component.AgentProvider, newWatcher)
	rt.RegisterFactory(component.KindTrigger, component.AgentProvider, newTrigger)
}

// Runners adapts the registered clients for the trigger dispatcher.
func Runners(rt *component.Registry) trigger.RemoteLookup {
	return func(agent string) (trigger.RemoteRunner, bool) {
		c, ok := Lookup(rt, agent)
		if !ok {
			return nil, false
		}
		return c, true
	}
}
