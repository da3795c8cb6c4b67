// Package watcher discovers containers from a container runtime and runs
// version resolution on them.
package watcher

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/docker"
	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/metrics"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/store"
)

var logger = loggo.GetLogger("auspex.watcher")

// Watcher is implemented by local watchers and by agent proxies.
type Watcher interface {
	component.Component
	// Watch scans every container and returns one report per container.
	Watch(ctx context.Context) ([]model.ContainerReport, error)
	// WatchContainer re-resolves a single known container.
	WatchContainer(ctx context.Context, c model.Container) (model.ContainerReport, error)
}

// Deps are the shared services every watcher is wired to.
type Deps struct {
	Store   *store.Store
	Bus     *events.Bus
	Metrics *metrics.Collector
	Clock   clock.Clock
	// NewClient builds the engine client; tests replace it with a fake.
	NewClient func(docker.Options) (docker.Reader, error)
}

func (d *Deps) setDefaults() {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.NewClient == nil {
		d.NewClient = func(o docker.Options) (docker.Reader, error) {
			return docker.NewClient(o)
		}
	}
}

// Register adds the docker watcher factory to the runtime.
func Register(rt *component.Registry, deps Deps) {
	deps.setDefaults()
	rt.RegisterFactory(component.KindWatcher, "docker", func(rt *component.Registry, spec component.Spec) (component.Component, error) {
		w, err := newDocker(rt, spec, deps)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
}
