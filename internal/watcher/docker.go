package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/events"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/robfig/cron/v3"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/docker"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/policy"
	"github.com/jpvargasdev/Auspex/internal/resolver"
	"github.com/jpvargasdev/Auspex/internal/store"
)

// Container labels.
const (
	LabelWatch          = "wud.watch"
	LabelWatchDigest    = "wud.watch.digest"
	LabelTagInclude     = "wud.tag.include"
	LabelTagExclude     = "wud.tag.exclude"
	LabelTagTransform   = "wud.tag.transform"
	LabelLinkTemplate   = "wud.link.template"
	LabelDisplayName    = "wud.display.name"
	LabelDisplayIcon    = "wud.display.icon"
	LabelTriggerInclude = "wud.trigger.include"
	LabelTriggerExclude = "wud.trigger.exclude"
)

const (
	defaultSocket = "/var/run/docker.sock"
	defaultCron   = "0 * * * *"
	eventsRetry   = 5 * time.Second
)

type dockerConfig struct {
	docker.Options
	// every is the schedule as configured, for logs.
	every          string
	schedule       cron.Schedule
	watchByDefault bool
	watchAll       bool
	watchEvents    bool
}

func parseDockerConfig(cfg component.Config) (dockerConfig, error) {
	c := dockerConfig{
		Options: docker.Options{
			Socket:   cfg.Get("socket", ""),
			Host:     cfg.Get("host", ""),
			Port:     cfg.Int("port", 2375),
			CAFile:   cfg.Get("cafile", ""),
			CertFile: cfg.Get("certfile", ""),
			KeyFile:  cfg.Get("keyfile", ""),
		},
		watchByDefault: cfg.Bool("watchbydefault", true),
		watchAll:       cfg.Bool("watchall", false),
		watchEvents:    cfg.Bool("watchevents", true),
	}
	if raw := strings.TrimSpace(cfg.Get("interval", cfg.Get("cron", ""))); raw != "" {
		sched, err := parseSchedule(raw)
		if err != nil {
			return c, errors.Trace(err)
		}
		c.every, c.schedule = raw, sched
	}
	c.setDefaults()
	return c, c.validate()
}

// parseSchedule accepts a standard five field cron expression or a
// descriptor such as @hourly, then falls back to a Go duration such as 30m.
func parseSchedule(raw string) (cron.Schedule, error) {
	sched, cronErr := cron.ParseStandard(raw)
	if cronErr == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, errors.BadRequestf("watch schedule %q is neither a cron expression (%v) nor a duration", raw, cronErr)
	}
	if d < time.Second {
		return nil, errors.BadRequestf("watch interval must be at least 1s, got %s", d)
	}
	return cron.Every(d), nil
}

func (c *dockerConfig) setDefaults() {
	if c.Host == "" && c.Socket == "" {
		c.Socket = defaultSocket
	}
	if c.schedule == nil {
		c.every = defaultCron
		c.schedule, _ = cron.ParseStandard(defaultCron)
	}
}

func (c *dockerConfig) validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.BadRequestf("certfile and keyfile must be set together")
	}
	return nil
}

// Docker watches the containers of one Docker engine.
type Docker struct {
	component.Base
	cfg  dockerConfig
	deps Deps
	rt   *component.Registry
	api  docker.Reader

	// one scan at a time
	mu     sync.Mutex
	cancel context.CancelFunc
	done   sync.WaitGroup
}

func newDocker(rt *component.Registry, spec component.Spec, deps Deps) (*Docker, error) {
	cfg, err := parseDockerConfig(spec.Config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	api, err := deps.NewClient(cfg.Options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Docker{
		Base: component.NewBase(component.KindWatcher, spec.Provider, spec.Name, spec.Agent, spec.Config),
		cfg:  cfg,
		deps: deps,
		rt:   rt,
		api:  api,
	}, nil
}

// API exposes the engine client to triggers acting on this watcher's containers.
func (w *Docker) API() docker.Reader { return w.api }

// IsLocal reports whether the engine runs on this host, so bind-mounted
// files such as compose files are reachable.
func (w *Docker) IsLocal() bool { return w.cfg.Host == "" }

// Init starts the periodic scan and, when enabled, the engine event listener.
func (w *Docker) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	logger.Infof("watcher %s: scanning on schedule %q", w.ID(), w.cfg.every)

	w.done.Add(1)
	go func() {
		defer w.done.Done()
		w.schedule(ctx)
	}()
	if w.cfg.watchEvents {
		w.done.Add(1)
		go func() {
			defer w.done.Done()
			w.listen(ctx)
		}()
	}
	return nil
}

func (w *Docker) Deregister(context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.done.Wait()
	if c, ok := w.api.(interface{ Close() error }); ok {
		return errors.Trace(c.Close())
	}
	return nil
}

func (w *Docker) schedule(ctx context.Context) {
	for {
		if _, err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("watcher %s: scan failed: %v", w.ID(), err)
		}
		now := w.deps.Clock.Now()
		select {
		case <-ctx.Done():
			return
		case <-w.deps.Clock.After(w.cfg.schedule.Next(now).Sub(now)):
		}
	}
}

// Watch scans the engine, resolves every watched container, prunes the
// containers that disappeared and publishes the reports.
func (w *Docker) Watch(ctx context.Context) ([]model.ContainerReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	containers, err := w.containers(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	keep := set.NewStrings()
	reports := make([]model.ContainerReport, 0, len(containers))
	updates := 0
	for _, c := range containers {
		keep.Add(c.ID)
		r := w.process(ctx, c)
		if r.Container.UpdateAvailable {
			updates++
		}
		reports = append(reports, r)
	}
	for _, id := range w.deps.Store.Prune(w.Name(), "", keep) {
		logger.Infof("watcher %s: container %s is gone", w.ID(), id)
	}

	w.deps.Metrics.WatcherCounts(w.Type(), w.Name(), len(containers), updates)
	w.deps.Bus.EmitContainerReports(ctx, reports)
	logger.Debugf("watcher %s: %d containers, %d updates", w.ID(), len(containers), updates)
	return reports, nil
}

func (w *Docker) WatchContainer(ctx context.Context, c model.Container) (model.ContainerReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.process(ctx, c), nil
}

func (w *Docker) process(ctx context.Context, c model.Container) model.ContainerReport {
	c = resolver.Process(ctx, w.rt, c, w)
	report := w.deps.Store.Upsert(c)
	w.deps.Bus.EmitContainerReport(ctx, report)
	return report
}

// LocalImageDigest reads the parent image recorded in the config of a
// local image, the comparison value for legacy v1 manifests. An image
// without one yields "", leaving the local digest unset.
func (w *Docker) LocalImageDigest(ctx context.Context, imageID string) (string, error) {
	parent, err := w.api.ParentImage(ctx, imageID)
	if err != nil {
		return "", errors.Annotatef(err, "inspecting image %s", imageID)
	}
	return parent, nil
}

func (w *Docker) containers(ctx context.Context) ([]model.Container, error) {
	list, err := w.api.ListContainers(ctx, w.cfg.watchAll)
	if err != nil {
		return nil, errors.Annotate(err, "listing containers")
	}
	out := make([]model.Container, 0, len(list))
	for _, s := range list {
		if !w.isWatched(s.Labels) {
			continue
		}
		c, err := w.build(ctx, s.ID)
		if err != nil {
			logger.Warningf("watcher %s: skipping container %s: %v", w.ID(), shortID(s.ID), err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (w *Docker) isWatched(labels map[string]string) bool {
	if v, ok := labels[LabelWatch]; ok {
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return w.cfg.watchByDefault
}

// build turns an inspected container into inventory.
func (w *Docker) build(ctx context.Context, id string) (model.Container, error) {
	info, err := w.api.InspectContainer(ctx, id)
	if err != nil {
		return model.Container{}, errors.Annotate(err, "inspecting container")
	}
	if info.ContainerJSONBase == nil || info.Config == nil {
		return model.Container{}, errors.NotValidf("inspect response for %s", shortID(id))
	}
	img, err := w.api.InspectImage(ctx, info.Image)
	if err != nil {
		return model.Container{}, errors.Annotate(err, "inspecting image")
	}

	refStr := info.Config.Image
	if strings.HasPrefix(refStr, "sha256:") {
		if len(img.RepoTags) == 0 {
			return model.Container{}, errors.NotValidf("image %s without tags", shortID(refStr))
		}
		refStr = img.RepoTags[0]
	}
	named, err := reference.ParseNormalizedNamed(refStr)
	if err != nil {
		return model.Container{}, errors.Annotatef(err, "parsing image %q", refStr)
	}
	tag := "latest"
	if t, ok := named.(reference.Tagged); ok {
		tag = t.Tag()
	}
	domain := reference.Domain(named)

	labels := info.Config.Labels
	transform := labels[LabelTagTransform]
	semver := policy.Parse(policy.Transform(transform, tag)) != nil

	repoDigest := ""
	if len(img.RepoDigests) > 0 {
		if _, d, ok := strings.Cut(img.RepoDigests[0], "@"); ok {
			repoDigest = d
		}
	}

	name := strings.TrimPrefix(info.Name, "/")
	status := ""
	if info.State != nil {
		status = string(info.State.Status)
	}

	return model.Container{
		ID:             info.ID,
		Name:           name,
		DisplayName:    labelOr(labels, LabelDisplayName, name),
		DisplayIcon:    labelOr(labels, LabelDisplayIcon, "mdi:docker"),
		Status:         status,
		Watcher:        w.Name(),
		IncludeTags:    labels[LabelTagInclude],
		ExcludeTags:    labels[LabelTagExclude],
		TransformTags:  transform,
		LinkTemplate:   labels[LabelLinkTemplate],
		TriggerInclude: labels[LabelTriggerInclude],
		TriggerExclude: labels[LabelTriggerExclude],
		Labels:         labels,
		Image: model.Image{
			ID:           img.ID,
			Registry:     model.Registry{URL: domain},
			Name:         reference.Path(named),
			Tag:          model.Tag{Value: tag, Semver: semver},
			Digest:       model.Digest{Watch: resolver.IsDigestToWatch(labels[LabelWatchDigest], domain, semver), Repo: repoDigest},
			Architecture: img.Architecture,
			OS:           img.Os,
			Variant:      img.Variant,
			Created:      img.Created,
		},
	}, nil
}

// listen reacts to engine events until ctx is done, reconnecting on failure.
func (w *Docker) listen(ctx context.Context) {
	for {
		msgs, errs := w.api.Events(ctx)
	loop:
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && ctx.Err() == nil {
					logger.Warningf("watcher %s: docker events stream: %v", w.ID(), err)
				}
				break loop
			case msg := <-msgs:
				w.onEvent(ctx, msg)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-w.deps.Clock.After(eventsRetry):
		}
	}
}

func (w *Docker) onEvent(ctx context.Context, msg events.Message) {
	id := msg.Actor.ID
	logger.Tracef("watcher %s: docker event %s on %s", w.ID(), msg.Action, shortID(id))
	switch msg.Action {
	case events.ActionCreate, events.ActionDestroy:
		if _, err := w.Watch(ctx); err != nil {
			logger.Errorf("watcher %s: scan after %s failed: %v", w.ID(), msg.Action, err)
		}
	default:
		stored, ok := w.deps.Store.Get(id)
		if !ok {
			return
		}
		info, err := w.api.InspectContainer(ctx, id)
		if err != nil || info.ContainerJSONBase == nil || info.State == nil {
			return
		}
		status := string(info.State.Status)
		name := strings.TrimPrefix(info.Name, "/")
		if stored.Status == status && stored.Name == name {
			return
		}
		stored.Status = status
		stored.Name = name
		if _, err := w.deps.Store.Update(stored); err != nil {
			logger.Warningf("watcher %s: updating container %s: %v", w.ID(), shortID(id), err)
		}
	}
}

// Containers returns the stored containers discovered by this watcher.
func (w *Docker) Containers() []model.Container {
	return w.deps.Store.List(store.Partition(w.Name(), ""))
}

func labelOr(labels map[string]string, key, def string) string {
	if v := strings.TrimSpace(labels[key]); v != "" {
		return v
	}
	return def
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
