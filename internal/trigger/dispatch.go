package trigger

import (
	"context"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/metrics"
	"github.com/jpvargasdev/Auspex/internal/model"
)

// AgentTypes are the trigger types an agent runs on its own host.
var AgentTypes = set.NewStrings("docker", "dockercompose")

// RemoteRunner runs triggers on an agent.
type RemoteRunner interface {
	RunRemoteTrigger(ctx context.Context, c model.Container, typ, name string) error
	RunRemoteTriggerBatch(ctx context.Context, cs []model.Container, typ, name string) error
}

// RemoteLookup returns the runner of a connected agent.
type RemoteLookup func(agent string) (RemoteRunner, bool)

// Dispatcher routes trigger runs to local triggers or to agents.
type Dispatcher struct {
	rt      *component.Registry
	metrics *metrics.Collector
	remote  RemoteLookup
}

func NewDispatcher(rt *component.Registry, m *metrics.Collector, remote RemoteLookup) *Dispatcher {
	if remote == nil {
		remote = func(string) (RemoteRunner, bool) { return nil, false }
	}
	return &Dispatcher{rt: rt, metrics: m, remote: remote}
}

// Target addresses a trigger. Agent is set for triggers living on an agent.
type Target struct {
	Agent string
	Type  string
	Name  string
}

// ParseTarget parses "type.name" or "agent.type.name".
func ParseTarget(id string) (Target, error) {
	parts := strings.Split(strings.ToLower(id), ".")
	switch len(parts) {
	case 2:
		return Target{Type: parts[0], Name: parts[1]}, nil
	case 3:
		return Target{Agent: parts[0], Type: parts[1], Name: parts[2]}, nil
	}
	return Target{}, errors.BadRequestf("invalid trigger id %q", id)
}

func (t Target) localID() string { return t.Type + "." + t.Name }

func (t Target) String() string {
	if t.Agent != "" {
		return t.Agent + "." + t.localID()
	}
	return t.localID()
}

// Run runs one trigger for one container. A container mirrored from an
// agent only accepts triggers addressed to that agent; those run on the
// agent.
func (d *Dispatcher) Run(ctx context.Context, target Target, c model.Container) error {
	if err := checkAddress(target, c); err != nil {
		return errors.Trace(err)
	}
	if target.Agent != "" {
		r, ok := d.remote(target.Agent)
		if !ok {
			return errors.NotFoundf("agent %s", target.Agent)
		}
		err := r.RunRemoteTrigger(ctx, c, target.Type, target.Name)
		if err != nil {
			return errors.Annotatef(err, "running remote trigger %s", target)
		}
		logger.Infof("remote trigger %s ran for container %s", target, c.RemoteID())
		return nil
	}
	return d.RunLocal(ctx, target.Type, target.Name, c)
}

// RunBatch runs one trigger once for several containers.
func (d *Dispatcher) RunBatch(ctx context.Context, target Target, cs []model.Container) error {
	for _, c := range cs {
		if err := checkAddress(target, c); err != nil {
			return errors.Trace(err)
		}
	}
	if target.Agent != "" {
		r, ok := d.remote(target.Agent)
		if !ok {
			return errors.NotFoundf("agent %s", target.Agent)
		}
		return errors.Annotatef(r.RunRemoteTriggerBatch(ctx, cs, target.Type, target.Name), "running remote trigger %s", target)
	}
	return d.RunLocalBatch(ctx, target.Type, target.Name, cs)
}

func checkAddress(target Target, c model.Container) error {
	switch {
	case c.Agent == "" && target.Agent != "":
		return errors.BadRequestf("container %s is local, trigger %s runs on agent %s", c.Name, target.localID(), target.Agent)
	case c.Agent != "" && target.Agent == "":
		return errors.BadRequestf("container %s runs on agent %s, address the trigger as %s.%s", c.Name, c.Agent, c.Agent, target.localID())
	case c.Agent != target.Agent:
		return errors.BadRequestf("container %s runs on agent %s, not %s", c.Name, c.Agent, target.Agent)
	}
	return nil
}

// RunLocal runs a trigger of this host and never proxies. Any agent
// attribution on the container is dropped.
func (d *Dispatcher) RunLocal(ctx context.Context, typ, name string, c model.Container) error {
	t, err := d.local(typ, name)
	if err != nil {
		return errors.Trace(err)
	}
	c.Agent = ""
	err = t.Trigger(ctx, c)
	d.metrics.TriggerRun(t.Type(), t.Name(), err)
	return errors.Annotatef(err, "running trigger %s", t.ID())
}

func (d *Dispatcher) RunLocalBatch(ctx context.Context, typ, name string, cs []model.Container) error {
	t, err := d.local(typ, name)
	if err != nil {
		return errors.Trace(err)
	}
	local := make([]model.Container, len(cs))
	for i, c := range cs {
		c.Agent = ""
		local[i] = c
	}
	err = t.TriggerBatch(ctx, local)
	d.metrics.TriggerRun(t.Type(), t.Name(), err)
	return errors.Annotatef(err, "running trigger %s", t.ID())
}

func (d *Dispatcher) local(typ, name string) (Trigger, error) {
	id := strings.ToLower(typ + "." + name)
	t, ok := component.Lookup[Trigger](d.rt, component.KindTrigger, id)
	if !ok {
		return nil, errors.NotFoundf("trigger %s", id)
	}
	return t, nil
}

// Subscribe runs the auto triggers of this host on watch reports.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	bus.OnContainerReport(d.HandleReport)
	bus.OnContainerReports(d.HandleReports)
}

func (d *Dispatcher) autoTriggers(mode string) []Trigger {
	var out []Trigger
	for _, t := range component.All[Trigger](d.rt, component.KindTrigger) {
		s := t.Settings()
		// triggers of an agent run auto mode on the agent itself
		if t.Agent() != "" || !s.Auto || s.Mode != mode {
			continue
		}
		out = append(out, t)
	}
	return out
}

func eligible(r model.ContainerReport, s Config) bool {
	return (r.Changed || !s.Once) && r.Container.UpdateAvailable
}

// HandleReport runs every simple-mode auto trigger that applies to the report.
func (d *Dispatcher) HandleReport(ctx context.Context, r model.ContainerReport) {
	for _, t := range d.autoTriggers(ModeSimple) {
		if !eligible(r, t.Settings()) {
			continue
		}
		name := model.FullName(r.Container)
		effective, ok := Apply(t, r.Container)
		if !ok {
			logger.Debugf("%s: trigger %s conditions not met, ignoring", name, t.ID())
			continue
		}
		if !IsThresholdReached(r.Container, effective.Threshold) {
			logger.Debugf("%s: trigger %s threshold %s not reached, ignoring", name, t.ID(), effective.Threshold)
			continue
		}
		logger.Debugf("%s: running trigger %s", name, t.ID())
		err := t.Trigger(ctx, r.Container)
		if err != nil {
			logger.Warningf("%s: trigger %s failed: %v", name, t.ID(), err)
		}
		d.metrics.TriggerRun(t.Type(), t.Name(), err)
	}
}

// HandleReports runs every batch-mode auto trigger once with the containers it applies to.
func (d *Dispatcher) HandleReports(ctx context.Context, rs []model.ContainerReport) {
	for _, t := range d.autoTriggers(ModeBatch) {
		var batch []model.Container
		for _, r := range rs {
			if !eligible(r, t.Settings()) {
				continue
			}
			effective, ok := Apply(t, r.Container)
			if ok && IsThresholdReached(r.Container, effective.Threshold) {
				batch = append(batch, r.Container)
			}
		}
		if len(batch) == 0 {
			continue
		}
		logger.Debugf("running trigger %s for %d containers", t.ID(), len(batch))
		err := t.TriggerBatch(ctx, batch)
		if err != nil {
			logger.Warningf("trigger %s failed: %v", t.ID(), err)
		}
		d.metrics.TriggerRun(t.Type(), t.Name(), err)
	}
}
