package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	dockerevents "github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/docker"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/registry"
)

// fakeEngine implements docker.API and records the calls it receives.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	inspect container.InspectResponse
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) ListContainers(context.Context, bool) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	f.record("inspect " + id)
	return f.inspect, nil
}

func (f *fakeEngine) InspectImage(context.Context, string) (image.InspectResponse, error) {
	return image.InspectResponse{}, nil
}

func (f *fakeEngine) ParentImage(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeEngine) Events(context.Context) (<-chan dockerevents.Message, <-chan error) {
	return nil, nil
}

func (f *fakeEngine) PullImage(_ context.Context, ref, auth string) error {
	f.record("pull " + ref)
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string) error {
	f.record("stop " + id)
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.record("remove " + id)
	return nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, name string, cfg *container.Config, _ *container.HostConfig, net *network.NetworkingConfig) (string, error) {
	nets := make([]string, 0)
	if net != nil {
		for n := range net.EndpointsConfig {
			nets = append(nets, n)
		}
	}
	f.record("create " + name + " " + cfg.Image + " " + strings.Join(nets, ","))
	return "new-" + name, nil
}

func (f *fakeEngine) ConnectNetwork(_ context.Context, networkID, containerID string, _ *network.EndpointSettings) error {
	f.record("connect " + networkID + " " + containerID)
	return nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.record("start " + id)
	return nil
}

func (f *fakeEngine) RemoveImage(_ context.Context, id string) error {
	f.record("rmi " + id)
	return nil
}

var _ docker.API = (*fakeEngine)(nil)

// fakeWatcher exposes an engine the way the docker watcher does.
type fakeWatcher struct {
	component.Base
	engine *fakeEngine
	local  bool
}

func (w *fakeWatcher) API() docker.Reader { return w.engine }
func (w *fakeWatcher) IsLocal() bool      { return w.local }

func newRuntime(t *testing.T, engine *fakeEngine, local bool) *component.Registry {
	t.Helper()
	rt := component.New()
	registry.Register(rt)
	if err := registry.RegisterDefaults(context.Background(), rt); err != nil {
		t.Fatalf("default registries: %v", err)
	}
	rt.RegisterFactory(component.KindWatcher, "docker", func(_ *component.Registry, spec component.Spec) (component.Component, error) {
		return &fakeWatcher{
			Base:   component.NewBase(component.KindWatcher, spec.Provider, spec.Name, "", spec.Config),
			engine: engine,
			local:  local,
		}, nil
	})
	if _, err := rt.RegisterComponent(context.Background(), component.KindWatcher, "docker", "local", nil, ""); err != nil {
		t.Fatalf("register watcher: %v", err)
	}
	Register(rt, false)
	return rt
}

func runningInspect(id, name string, networks ...string) container.InspectResponse {
	info := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         id,
			Name:       "/" + name,
			State:      &container.State{Running: true},
			HostConfig: &container.HostConfig{},
		},
		Config:          &container.Config{Image: "nginx:1.10", Hostname: id[:12]},
		NetworkSettings: &container.NetworkSettings{Networks: map[string]*network.EndpointSettings{}},
	}
	for _, n := range networks {
		info.NetworkSettings.Networks[n] = &network.EndpointSettings{Aliases: []string{name}}
	}
	if len(networks) > 0 {
		info.HostConfig.NetworkMode = container.NetworkMode(networks[0])
	}
	return info
}

func nginx(id, name, from, to string) model.Container {
	c := model.Container{
		ID:      id,
		Name:    name,
		Watcher: "local",
		Image: model.Image{
			ID:       "sha256:old",
			Registry: model.Registry{Name: "hub.public", URL: "https://registry-1.docker.io/v2"},
			Name:     "library/nginx",
			Tag:      model.Tag{Value: from, Semver: true},
		},
		Result: &model.Result{Tag: to},
	}
	c.Refresh()
	return c
}

func TestDocker_Recreate(t *testing.T) {
	engine := &fakeEngine{inspect: runningInspect("0123456789abcdef", "web", "front", "back")}
	rt := newRuntime(t, engine, true)
	c, err := rt.RegisterComponent(context.Background(), component.KindTrigger, "docker", "update", component.Config{"prune": "true"}, "")
	if err != nil {
		t.Fatalf("register trigger: %v", err)
	}

	if err := c.(Trigger).Trigger(context.Background(), nginx("0123456789abcdef", "web", "1.10", "1.11")); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	want := []string{
		"pull nginx:1.11",
		"inspect 0123456789abcdef",
		"stop 0123456789abcdef",
		"remove 0123456789abcdef",
		"create web nginx:1.11 front",
		"connect back new-web",
		"start new-web",
		"rmi sha256:old",
	}
	if got := engine.recorded(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestDocker_DryRunOnlyPulls(t *testing.T) {
	engine := &fakeEngine{inspect: runningInspect("0123456789abcdef", "web")}
	rt := newRuntime(t, engine, true)
	c, err := rt.RegisterComponent(context.Background(), component.KindTrigger, "docker", "update", component.Config{"dryrun": "true"}, "")
	if err != nil {
		t.Fatalf("register trigger: %v", err)
	}
	if err := c.(Trigger).Trigger(context.Background(), nginx("0123456789abcdef", "web", "1.10", "1.11")); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := engine.recorded(); len(got) != 1 || got[0] != "pull nginx:1.11" {
		t.Fatalf("calls = %v", got)
	}
}

func TestDocker_UnknownWatcher(t *testing.T) {
	rt := newRuntime(t, &fakeEngine{}, true)
	c, err := rt.RegisterComponent(context.Background(), component.KindTrigger, "docker", "update", nil, "")
	if err != nil {
		t.Fatalf("register trigger: %v", err)
	}
	ct := nginx("x", "web", "1.10", "1.11")
	ct.Watcher = "elsewhere"
	if err := c.(Trigger).Trigger(context.Background(), ct); err == nil {
		t.Fatalf("expected error for unknown watcher")
	}
}

func TestNewImageFullName_Digest(t *testing.T) {
	rt := newRuntime(t, &fakeEngine{}, true)
	p, _ := registry.ByName(rt, "hub.public")
	c := nginx("x", "web", "latest", "latest")
	c.Image.Digest = model.Digest{Watch: true, Value: "sha256:aaa"}
	c.Result.Digest = "sha256:bbb"
	c.Refresh()

	got, err := NewImageFullName(p, c)
	if err != nil {
		t.Fatalf("full name: %v", err)
	}
	if got != "nginx@sha256:bbb" {
		t.Fatalf("got %s", got)
	}
}
