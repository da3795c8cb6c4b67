package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/registry"
)

// Compose labels.
const (
	LabelComposeFile   = "wud.compose.file"
	LabelComposeDryrun = "wud.compose.dryrun"
	LabelComposePrune  = "wud.compose.prune"
	LabelComposeBackup = "wud.compose.backup"
	LabelComposeAuto   = "wud.compose.auto"
)

// composeLocks serializes every read-modify-write of one compose file.
// Keys are absolute paths.
var composeLocks = kmutex.New()

type composeOptions struct {
	dockerOptions
	file      string
	backup    bool
	fileLabel string
}

// Compose rewrites the image of a service in a docker compose file, then
// recreates the containers of that service.
type Compose struct {
	Base
	docker *Docker
	opts   composeOptions
	// recreate is the container update run after the file is rewritten.
	recreate func(ctx context.Context, c model.Container, opts dockerOptions) error
}

func newCompose(rt *component.Registry, spec component.Spec) (*Compose, error) {
	d, err := newDocker(rt, spec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts := composeOptions{
		dockerOptions: d.opts,
		file:          spec.Config.Get("file", ""),
		backup:        spec.Config.Bool("backup", false),
		fileLabel:     spec.Config.Get("composefilelabel", LabelComposeFile),
	}
	base := d.Base
	if opts.file != "" {
		abs, err := filepath.Abs(opts.file)
		if err != nil {
			return nil, errors.Trace(err)
		}
		opts.file = abs
		if _, err := os.Stat(abs); err != nil {
			return nil, errors.NotFoundf("compose file %s", abs)
		}
		// one configured file means one rewrite per watch cycle
		base.settings.Mode = ModeBatch
	}
	return &Compose{Base: base, docker: d, opts: opts, recreate: d.update}, nil
}

// fileFor returns the absolute compose file of c, from its label or the
// configured default.
func (t *Compose) fileFor(c model.Container) string {
	if v := strings.TrimSpace(c.Labels[t.opts.fileLabel]); v != "" {
		if abs, err := filepath.Abs(v); err == nil {
			return abs
		}
		return v
	}
	return t.opts.file
}

func (t *Compose) optionsFor(c model.Container) composeOptions {
	opts := t.opts
	opts.dryrun = boolLabel(c.Labels, LabelComposeDryrun, opts.dryrun)
	opts.prune = boolLabel(c.Labels, LabelComposePrune, opts.prune)
	opts.backup = boolLabel(c.Labels, LabelComposeBackup, opts.backup)
	return opts
}

func boolLabel(labels map[string]string, key string, def bool) bool {
	v, ok := labels[key]
	if !ok {
		return def
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// AutoApplies runs the trigger for every container carrying the compose
// file label when no default file is configured, without the container
// having to name it. Such a container opts out of automatic runs with
// wud.compose.auto=false unless its include list names the trigger.
func (t *Compose) AutoApplies(c model.Container, listed, named bool) bool {
	if named || t.opts.file != "" {
		return listed
	}
	if strings.TrimSpace(c.Labels[t.opts.fileLabel]) == "" {
		return listed
	}
	return !strings.EqualFold(strings.TrimSpace(c.Labels[LabelComposeAuto]), "false")
}

func (t *Compose) Trigger(ctx context.Context, c model.Container) error {
	if _, ok := c.Labels[t.opts.fileLabel]; !ok {
		return t.TriggerBatch(ctx, []model.Container{c})
	}
	if !t.onLocalHost(c) {
		return nil
	}
	return t.processFile(ctx, t.fileFor(c), []model.Container{c}, t.optionsFor(c))
}

// TriggerBatch groups the containers by compose file. Different files are
// processed concurrently and independently: a file that cannot be read or
// updated only affects its own containers.
func (t *Compose) TriggerBatch(ctx context.Context, cs []model.Container) error {
	groups := make(map[string][]model.Container)
	for _, c := range cs {
		if !t.onLocalHost(c) {
			continue
		}
		file := t.fileFor(c)
		if file == "" {
			logger.Warningf("%s: no compose file (no label %s and no default file)", model.FullName(c), t.opts.fileLabel)
			continue
		}
		groups[file] = append(groups[file], c)
	}

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for file, group := range groups {
		g.Go(func() error {
			if err := t.processFile(ctx, file, group, t.opts); err != nil {
				logger.Errorf("compose file %s: %v", file, err)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := failed.Load(); n > 0 {
		return errors.Errorf("%d of %d compose files failed to update", n, len(groups))
	}
	return nil
}

func (t *Compose) onLocalHost(c model.Container) bool {
	_, h, err := engine(t.docker.rt, c)
	if err != nil {
		logger.Warningf("%s: %v", model.FullName(c), err)
		return false
	}
	if !h.IsLocal() {
		logger.Warningf("cannot update container %s because it does not run on this host", c.Name)
		return false
	}
	return true
}

type composeFile struct {
	Services map[string]struct {
		Image string `yaml:"image"`
	} `yaml:"services"`
}

// processFile rewrites one compose file for its containers and recreates
// them, holding the lock of that file throughout. A file that cannot be
// read or parsed is skipped with a warning.
func (t *Compose) processFile(ctx context.Context, file string, cs []model.Container, opts composeOptions) error {
	composeLocks.Lock(file)
	defer composeLocks.Unlock(file)

	raw, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		logger.Warningf("compose file %s does not exist, skipping %d containers", file, len(cs))
		return nil
	}
	if err != nil {
		logger.Warningf("cannot read compose file %s, skipping %d containers: %v", file, len(cs), err)
		return nil
	}
	var compose composeFile
	if err := yaml.Unmarshal(raw, &compose); err != nil {
		logger.Warningf("cannot parse compose file %s, skipping %d containers: %v", file, len(cs), err)
		return nil
	}
	logger.Infof("processing compose file %s", file)

	var (
		matched      []model.Container
		replacements []string
	)
	for _, c := range cs {
		current, update, ok := t.replacement(compose, c)
		if !ok {
			continue
		}
		matched = append(matched, c)
		replacements = append(replacements, current, update)
	}
	if len(matched) == 0 {
		logger.Warningf("no containers found in compose file %s", file)
		return nil
	}

	if opts.dryrun {
		logger.Infof("dry-run, not rewriting compose file %s", file)
	} else {
		if opts.backup {
			backup(file, raw)
		}
		content := string(raw)
		for i := 0; i < len(replacements); i += 2 {
			content = strings.ReplaceAll(content, replacements[i], replacements[i+1])
		}
		if err := writeAtomic(file, []byte(content)); err != nil {
			return errors.Annotatef(err, "writing %s", file)
		}
	}

	// the file is already rewritten: every container gets its recreate
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, c := range matched {
		g.Go(func() error {
			if err := t.recreate(ctx, c, opts.dockerOptions); err != nil {
				logger.Errorf("%s: update failed: %v", model.FullName(c), err)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := failed.Load(); n > 0 {
		return errors.Errorf("%d of %d containers of %s failed to update", n, len(matched), file)
	}
	return nil
}

// replacement finds the service running c and returns its image
// declaration with the one to write instead.
func (t *Compose) replacement(compose composeFile, c model.Container) (string, string, bool) {
	p, ok := registry.ByName(t.docker.rt, c.Image.Registry.Name)
	if !ok {
		logger.Warningf("%s: registry %s not found", model.FullName(c), c.Image.Registry.Name)
		return "", "", false
	}
	currentImage := p.GetImageFullName(c.Image, c.Image.Tag.Value)

	keys := make([]string, 0, len(compose.Services))
	for k := range compose.Services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		image := compose.Services[k].Image
		if image == "" || !strings.Contains(image, currentImage) {
			continue
		}
		update, err := NewImageFullName(p, c)
		if err != nil {
			logger.Warningf("%s: %v", model.FullName(c), err)
			return "", "", false
		}
		return image, update, true
	}
	logger.Warningf("could not find service for container %s with image %s", c.Name, currentImage)
	return "", "", false
}

func backup(file string, raw []byte) {
	dst := file + ".back"
	logger.Debugf("backup %s as %s", file, dst)
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		logger.Warningf("backing up %s to %s: %v", file, dst, err)
	}
}

func writeAtomic(file string, data []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(file); err == nil {
		mode = st.Mode().Perm()
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}
