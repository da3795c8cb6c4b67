package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
)

const defaultCommandTimeout = 2 * time.Minute

// Command runs an executable with the updated containers in its environment.
type Command struct {
	Base
	path    string
	args    []string
	timeout time.Duration
}

func newCommand(_ *component.Registry, spec component.Spec) (*Command, error) {
	base, err := newBase(spec, false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	path := spec.Config.Get("command", "")
	if path == "" {
		return nil, errors.BadRequestf("command is required")
	}
	timeout := defaultCommandTimeout
	if v := spec.Config.Get("timeout", ""); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil || timeout <= 0 {
			return nil, errors.BadRequestf("invalid timeout %q", v)
		}
	}
	return &Command{
		Base:    base,
		path:    path,
		args:    strings.Fields(spec.Config.Get("args", "")),
		timeout: timeout,
	}, nil
}

func (t *Command) Trigger(ctx context.Context, c model.Container) error {
	s := t.Settings()
	env := containerEnv(c)
	env = append(env,
		"WUD_TRIGGER_TITLE="+s.RenderSimpleTitle(c),
		"WUD_TRIGGER_BODY="+s.RenderSimpleBody(c),
	)
	return t.run(ctx, env)
}

func (t *Command) TriggerBatch(ctx context.Context, cs []model.Container) error {
	s := t.Settings()
	raw, err := json.Marshal(cs)
	if err != nil {
		return errors.Trace(err)
	}
	return t.run(ctx, []string{
		"WUD_CONTAINERS_JSON=" + string(raw),
		"WUD_TRIGGER_TITLE=" + s.RenderBatchTitle(cs),
		"WUD_TRIGGER_BODY=" + s.RenderBatchBody(cs),
	})
}

func containerEnv(c model.Container) []string {
	raw, _ := json.Marshal(c)
	link := ""
	if c.Result != nil {
		link = c.Result.Link
	}
	return []string{
		"WUD_CONTAINER_ID=" + c.RemoteID(),
		"WUD_CONTAINER_NAME=" + c.Name,
		"WUD_CONTAINER_WATCHER=" + c.Watcher,
		"WUD_CONTAINER_AGENT=" + c.Agent,
		"WUD_CONTAINER_IMAGE=" + c.Image.Name,
		"WUD_CONTAINER_UPDATE_KIND=" + c.UpdateKind.Kind,
		"WUD_CONTAINER_SEMVER_DIFF=" + c.UpdateKind.SemverDiff,
		"WUD_CONTAINER_LOCAL_VALUE=" + c.UpdateKind.LocalValue,
		"WUD_CONTAINER_REMOTE_VALUE=" + c.UpdateKind.RemoteValue,
		"WUD_CONTAINER_LINK=" + link,
		"WUD_CONTAINER_JSON=" + string(raw),
	}
}

func (t *Command) run(ctx context.Context, env []string) error {
	// bounded time
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, t.path, t.args...)
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out

	err := cmd.Run()
	logger.Debugf("command %s: exit=%v output:\n%s", t.ID(), err, out.String())
	if cctx.Err() == context.DeadlineExceeded {
		return errors.Errorf("command %s timed out after %s", t.path, t.timeout)
	}
	return errors.Annotatef(err, "command %s", t.path)
}
