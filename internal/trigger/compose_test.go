package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return p
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(b)
}

const twoServices = `services:
  web:
    image: nginx:1.10
  cache:
    image: redis:7.0.1
`

func newComposeTrigger(t *testing.T, local bool, cfg component.Config) *Compose {
	t.Helper()
	rt := newRuntime(t, &fakeEngine{}, local)
	c, err := rt.RegisterComponent(context.Background(), component.KindTrigger, "dockercompose", "stack", cfg, "")
	if err != nil {
		t.Fatalf("register compose trigger: %v", err)
	}
	return c.(*Compose)
}

func labelled(c model.Container, file string) model.Container {
	c.Labels = map[string]string{LabelComposeFile: file}
	return c
}

func redis(id, from, to string) model.Container {
	c := nginx(id, "cache", from, to)
	c.Image.Name = "library/redis"
	return c
}

func TestCompose_RewritesAndRecreates(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "compose.yml", twoServices)
	tr := newComposeTrigger(t, true, component.Config{"file": file, "backup": "true"})
	if tr.Settings().Mode != ModeBatch {
		t.Fatalf("a configured file forces batch mode, got %s", tr.Settings().Mode)
	}

	var mu sync.Mutex
	var recreated []string
	tr.recreate = func(_ context.Context, c model.Container, _ dockerOptions) error {
		mu.Lock()
		defer mu.Unlock()
		recreated = append(recreated, c.Name)
		return nil
	}

	err := tr.TriggerBatch(context.Background(), []model.Container{
		nginx("a", "web", "1.10", "1.11"),
		redis("b", "7.0.1", "7.2.0"),
	})
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	got := readFile(t, file)
	if !strings.Contains(got, "image: nginx:1.11") || !strings.Contains(got, "image: redis:7.2.0") {
		t.Fatalf("compose not rewritten:\n%s", got)
	}
	if readFile(t, file+".back") != twoServices {
		t.Fatalf("backup does not hold the previous content")
	}
	if len(recreated) != 2 {
		t.Fatalf("recreated = %v", recreated)
	}
}

func TestCompose_DryRunKeepsFile(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "compose.yml", twoServices)
	tr := newComposeTrigger(t, true, component.Config{"dryrun": "true"})
	var opts dockerOptions
	tr.recreate = func(_ context.Context, _ model.Container, o dockerOptions) error {
		opts = o
		return nil
	}

	if err := tr.Trigger(context.Background(), labelled(nginx("a", "web", "1.10", "1.11"), file)); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if readFile(t, file) != twoServices {
		t.Fatalf("dry-run rewrote the file")
	}
	if !opts.dryrun {
		t.Fatalf("dry-run not passed to the container update")
	}
}

func TestCompose_LabelOverrides(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "compose.yml", twoServices)
	tr := newComposeTrigger(t, true, component.Config{"dryrun": "true"})
	tr.recreate = func(context.Context, model.Container, dockerOptions) error { return nil }

	c := labelled(nginx("a", "web", "1.10", "1.11"), file)
	c.Labels[LabelComposeDryrun] = "false"
	if err := tr.Trigger(context.Background(), c); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !strings.Contains(readFile(t, file), "nginx:1.11") {
		t.Fatalf("label did not disable dry-run")
	}
}

func TestCompose_MissingFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	present := writeTemp(t, dir, "present.yml", twoServices)
	tr := newComposeTrigger(t, true, nil)
	tr.recreate = func(context.Context, model.Container, dockerOptions) error { return nil }

	err := tr.TriggerBatch(context.Background(), []model.Container{
		labelled(nginx("a", "web", "1.10", "1.11"), filepath.Join(dir, "missing.yml")),
		labelled(redis("b", "7.0.1", "7.2.0"), present),
	})
	if err != nil {
		t.Fatalf("missing file should not fail the batch: %v", err)
	}
	if !strings.Contains(readFile(t, present), "redis:7.2.0") {
		t.Fatalf("present file not processed")
	}
}

func TestCompose_UnreadableFileDoesNotStopOthers(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yml")
	if err := os.Mkdir(bad, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	broken := writeTemp(t, dir, "broken.yml", "services: [\n")
	good := writeTemp(t, dir, "good.yml", twoServices)
	tr := newComposeTrigger(t, true, nil)

	var mu sync.Mutex
	var recreated []string
	tr.recreate = func(_ context.Context, c model.Container, _ dockerOptions) error {
		mu.Lock()
		defer mu.Unlock()
		recreated = append(recreated, c.ID)
		return nil
	}

	err := tr.TriggerBatch(context.Background(), []model.Container{
		labelled(nginx("a", "web", "1.10", "1.11"), bad),
		labelled(nginx("b", "web", "1.10", "1.11"), broken),
		labelled(redis("c", "7.0.1", "7.2.0"), good),
	})
	if err != nil {
		t.Fatalf("unreadable files should be skipped, got %v", err)
	}
	if len(recreated) != 1 || recreated[0] != "c" {
		t.Fatalf("recreated = %v, want [c]", recreated)
	}
	if !strings.Contains(readFile(t, good), "redis:7.2.0") {
		t.Fatalf("good file not rewritten")
	}
}

func TestCompose_FailedRecreateDoesNotCancelOtherFiles(t *testing.T) {
	dir := t.TempDir()
	fileA := writeTemp(t, dir, "a.yml", twoServices)
	fileB := writeTemp(t, dir, "b.yml", twoServices)
	tr := newComposeTrigger(t, true, nil)

	failedA := make(chan struct{})
	var ctxErr error
	tr.recreate = func(ctx context.Context, c model.Container, _ dockerOptions) error {
		if c.ID == "a" {
			defer close(failedA)
			return errors.New("engine unavailable")
		}
		<-failedA
		time.Sleep(20 * time.Millisecond)
		ctxErr = ctx.Err()
		return nil
	}

	err := tr.TriggerBatch(context.Background(), []model.Container{
		labelled(nginx("a", "web", "1.10", "1.11"), fileA),
		labelled(nginx("b", "web", "1.10", "1.11"), fileB),
	})
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("want the failure of one file reported, got %v", err)
	}
	if ctxErr != nil {
		t.Fatalf("recreate of file b saw a cancelled context: %v", ctxErr)
	}
	if !strings.Contains(readFile(t, fileB), "nginx:1.11") {
		t.Fatalf("file b not rewritten")
	}
}

func TestCompose_AutoAppliesToLabelledContainers(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "compose.yml", twoServices)
	byLabel := newComposeTrigger(t, true, nil)

	withLabels := func(extra map[string]string) model.Container {
		c := labelled(nginx("a", "web", "1.10", "1.11"), file)
		for k, v := range extra {
			c.Labels[k] = v
		}
		return c
	}
	tests := []struct {
		name string
		c    model.Container
		want bool
	}{
		{"labelled", withLabels(nil), true},
		{"labelled, other trigger included", func() model.Container {
			c := withLabels(nil)
			c.TriggerInclude = "command.notify"
			return c
		}(), true},
		{"auto disabled", withLabels(map[string]string{LabelComposeAuto: "FALSE"}), false},
		{"auto disabled but named", func() model.Container {
			c := withLabels(map[string]string{LabelComposeAuto: "false"})
			c.TriggerInclude = "dockercompose.stack:minor"
			return c
		}(), true},
		{"auto enabled", withLabels(map[string]string{LabelComposeAuto: "true"}), true},
		{"excluded", func() model.Container {
			c := withLabels(nil)
			c.TriggerExclude = "dockercompose.stack"
			return c
		}(), false},
		{"unlabelled, other trigger included", func() model.Container {
			c := nginx("a", "web", "1.10", "1.11")
			c.TriggerInclude = "command.notify"
			return c
		}(), false},
		{"unlabelled", nginx("a", "web", "1.10", "1.11"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := Apply(byLabel, tt.c); got != tt.want {
				t.Fatalf("Apply = %t, want %t", got, tt.want)
			}
		})
	}

	// a default file means only the include and exclude lists decide
	byFile := newComposeTrigger(t, true, component.Config{"file": file})
	c := withLabels(nil)
	c.TriggerInclude = "command.notify"
	if _, ok := Apply(byFile, c); ok {
		t.Fatalf("label must not widen a trigger with a default file")
	}
	if _, ok := Apply(byFile, withLabels(map[string]string{LabelComposeAuto: "false"})); !ok {
		t.Fatalf("auto label only matters without a default file")
	}
}

func TestCompose_RemoteEngineIsSkipped(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "compose.yml", twoServices)
	tr := newComposeTrigger(t, false, nil)
	tr.recreate = func(context.Context, model.Container, dockerOptions) error {
		t.Errorf("container on a remote engine was recreated")
		return nil
	}
	if err := tr.Trigger(context.Background(), labelled(nginx("a", "web", "1.10", "1.11"), file)); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if readFile(t, file) != twoServices {
		t.Fatalf("file of a remote engine was rewritten")
	}
}

func TestCompose_SameFileIsSerialized(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "compose.yml", twoServices)
	tr := newComposeTrigger(t, true, nil)
	tr.recreate = func(context.Context, model.Container, dockerOptions) error {
		// widen the window between the write and the next reader
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	for _, c := range []model.Container{
		labelled(nginx("a", "web", "1.10", "1.11"), file),
		labelled(redis("b", "7.0.1", "7.2.0"), file),
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Trigger(context.Background(), c); err != nil {
				t.Errorf("trigger %s: %v", c.Name, err)
			}
		}()
	}
	wg.Wait()

	got := readFile(t, file)
	if !strings.Contains(got, "image: nginx:1.11") || !strings.Contains(got, "image: redis:7.2.0") {
		t.Fatalf("concurrent rewrites lost an update:\n%s", got)
	}
}

func TestCompose_DifferentFilesDoNotBlock(t *testing.T) {
	dir := t.TempDir()
	fileA := writeTemp(t, dir, "a.yml", twoServices)
	fileB := writeTemp(t, dir, "b.yml", twoServices)
	tr := newComposeTrigger(t, true, nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	tr.recreate = func(_ context.Context, c model.Container, _ dockerOptions) error {
		if c.ID == "a" {
			close(entered)
			<-release
		}
		return nil
	}

	doneA := make(chan error, 1)
	go func() {
		doneA <- tr.Trigger(context.Background(), labelled(nginx("a", "web", "1.10", "1.11"), fileA))
	}()
	<-entered

	doneB := make(chan error, 1)
	go func() {
		doneB <- tr.Trigger(context.Background(), labelled(nginx("b", "web", "1.10", "1.11"), fileB))
	}()
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("trigger b: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("file b blocked behind the lock of file a")
	}

	close(release)
	if err := <-doneA; err != nil {
		t.Fatalf("trigger a: %v", err)
	}
}
