package trigger

import (
	"context"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/docker"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/registry"
)

// engineHolder is implemented by watchers backed by a Docker engine.
type engineHolder interface {
	API() docker.Reader
	IsLocal() bool
}

type dockerOptions struct {
	prune  bool
	dryrun bool
}

func parseDockerOptions(cfg component.Config) dockerOptions {
	return dockerOptions{
		prune:  cfg.Bool("prune", false),
		dryrun: cfg.Bool("dryrun", false),
	}
}

// Docker replaces a container by a copy running the updated image.
type Docker struct {
	Base
	rt   *component.Registry
	opts dockerOptions
}

func newDocker(rt *component.Registry, spec component.Spec) (*Docker, error) {
	base, err := newBase(spec, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Docker{Base: base, rt: rt, opts: parseDockerOptions(spec.Config)}, nil
}

func (t *Docker) Trigger(ctx context.Context, c model.Container) error {
	return t.update(ctx, c, t.opts)
}

func (t *Docker) TriggerBatch(ctx context.Context, cs []model.Container) error {
	failed := 0
	for _, c := range cs {
		if err := t.Trigger(ctx, c); err != nil {
			logger.Errorf("%s: update failed: %v", model.FullName(c), err)
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d containers failed to update", failed, len(cs))
	}
	return nil
}

// engine returns the Docker engine of the watcher that discovered c.
func engine(rt *component.Registry, c model.Container) (docker.API, engineHolder, error) {
	w, ok := rt.Get(component.KindWatcher, "docker."+c.Watcher)
	if !ok {
		return nil, nil, errors.NotFoundf("watcher docker.%s", c.Watcher)
	}
	h, ok := w.(engineHolder)
	if !ok {
		return nil, nil, errors.NotSupportedf("watcher %s without docker engine", w.ID())
	}
	api, ok := h.API().(docker.API)
	if !ok {
		return nil, nil, errors.NotSupportedf("read-only docker engine of watcher %s", w.ID())
	}
	return api, h, nil
}

// NewImageFullName is the image reference a container is updated to.
func NewImageFullName(p registry.Provider, c model.Container) (string, error) {
	if c.Result == nil {
		return "", errors.NotValidf("container %s without result", c.Name)
	}
	ref := c.Result.Tag
	if c.UpdateKind.Kind == model.KindDigest && c.Result.Digest != "" {
		ref = c.Result.Digest
	}
	return p.GetImageFullName(c.Image, ref), nil
}

func (t *Docker) update(ctx context.Context, c model.Container, opts dockerOptions) error {
	name := model.FullName(c)
	api, _, err := engine(t.rt, c)
	if err != nil {
		return errors.Trace(err)
	}
	p, ok := registry.ByName(t.rt, c.Image.Registry.Name)
	if !ok {
		return errors.NotFoundf("registry %s", c.Image.Registry.Name)
	}
	newImage, err := NewImageFullName(p, c)
	if err != nil {
		return errors.Trace(err)
	}
	auth, err := p.Authenticator(ctx)
	if err != nil {
		return errors.Annotate(err, "registry credentials")
	}
	regAuth, err := docker.RegistryAuth(auth, registry.HostOf(c.Image.Registry.URL))
	if err != nil {
		return errors.Trace(err)
	}

	logger.Infof("%s: pulling %s", name, newImage)
	if err := api.PullImage(ctx, newImage, regAuth); err != nil {
		return errors.Trace(err)
	}
	if opts.dryrun {
		logger.Infof("%s: dry-run, not replacing the container", name)
		return nil
	}

	if err := recreate(ctx, api, c.RemoteID(), newImage); err != nil {
		return errors.Annotatef(err, "recreating %s", name)
	}
	logger.Infof("%s: now running %s", name, newImage)

	if opts.prune && c.UpdateKind.Kind == model.KindTag && c.Image.ID != "" {
		if err := api.RemoveImage(ctx, c.Image.ID); err != nil {
			logger.Warningf("%s: removing previous image %s: %v", name, c.Image.ID, err)
		}
	}
	return nil
}

// recreate stops and removes container id, then creates and starts a copy
// of it on image.
func recreate(ctx context.Context, api docker.Updater, id, image string) error {
	info, err := api.InspectContainer(ctx, id)
	if err != nil {
		return errors.Annotate(err, "inspecting container")
	}
	if info.ContainerJSONBase == nil || info.Config == nil {
		return errors.NotValidf("inspect response for %s", id)
	}
	running := info.State != nil && info.State.Running
	name := strings.TrimPrefix(info.Name, "/")

	cfg := *info.Config
	cfg.Image = image
	// a hostname generated from the old id would stick to the copy
	if len(info.ID) >= 12 && cfg.Hostname == info.ID[:12] {
		cfg.Hostname = ""
	}
	first, rest := endpoints(info)

	if running {
		if err := api.StopContainer(ctx, info.ID); err != nil {
			return errors.Annotate(err, "stopping container")
		}
	}
	if err := api.RemoveContainer(ctx, info.ID); err != nil {
		return errors.Annotate(err, "removing container")
	}
	newID, err := api.CreateContainer(ctx, name, &cfg, info.HostConfig, first)
	if err != nil {
		return errors.Annotate(err, "creating container")
	}
	for netName, ep := range rest {
		if err := api.ConnectNetwork(ctx, netName, newID, ep); err != nil {
			return errors.Annotatef(err, "connecting network %s", netName)
		}
	}
	if running {
		if err := api.StartContainer(ctx, newID); err != nil {
			return errors.Annotate(err, "starting container")
		}
	}
	return nil
}

// endpoints splits the container networks into the one used at creation
// and the ones connected afterwards.
func endpoints(info container.InspectResponse) (*network.NetworkingConfig, map[string]*network.EndpointSettings) {
	if info.NetworkSettings == nil || len(info.NetworkSettings.Networks) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for n := range info.NetworkSettings.Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	primary := names[0]
	if info.HostConfig != nil {
		if mode := string(info.HostConfig.NetworkMode); info.NetworkSettings.Networks[mode] != nil {
			primary = mode
		}
	}

	rest := make(map[string]*network.EndpointSettings)
	for _, n := range names {
		if n != primary {
			rest[n] = copyEndpoint(info.NetworkSettings.Networks[n])
		}
	}
	first := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{primary: copyEndpoint(info.NetworkSettings.Networks[primary])},
	}
	return first, rest
}

func copyEndpoint(ep *network.EndpointSettings) *network.EndpointSettings {
	if ep == nil {
		return &network.EndpointSettings{}
	}
	return &network.EndpointSettings{
		IPAMConfig: ep.IPAMConfig,
		Links:      ep.Links,
		Aliases:    ep.Aliases,
		DriverOpts: ep.DriverOpts,
	}
}
