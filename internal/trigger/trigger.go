// Package trigger decides which configured actions run for which container
// and implements the actions themselves.
package trigger

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"text/template"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/policy"
)

var logger = loggo.GetLogger("auspex.trigger")

// Thresholds.
const (
	ThresholdAll       = "all"
	ThresholdMajor     = "major"
	ThresholdMinor     = "minor"
	ThresholdPatch     = "patch"
	ThresholdMajorOnly = "major-only"
	ThresholdMinorOnly = "minor-only"
)

// Modes.
const (
	ModeSimple = "simple"
	ModeBatch  = "batch"
)

const (
	defaultSimpleTitle = `New {{.UpdateKind.Kind}} found for container {{.Name}}`
	defaultSimpleBody  = `Container {{.Name}} running with {{.UpdateKind.Kind}} {{.UpdateKind.LocalValue}} can be updated to {{.UpdateKind.Kind}} {{.UpdateKind.RemoteValue}}{{with .Result}}{{if .Link}}` + "\n" + `{{.Link}}{{end}}{{end}}`
	defaultBatchTitle  = `{{len .}} updates available`
)

// Trigger is an action run for containers with an update available.
type Trigger interface {
	component.Component
	Settings() Config
	Trigger(ctx context.Context, c model.Container) error
	TriggerBatch(ctx context.Context, cs []model.Container) error
}

// Config is the configuration shared by every trigger.
type Config struct {
	Auto        bool
	Threshold   string
	Mode        string
	Once        bool
	SimpleTitle string
	SimpleBody  string
	BatchTitle  string
	// Agent binds the trigger to the containers of one agent.
	Agent string

	simpleTitle *template.Template
	simpleBody  *template.Template
	batchTitle  *template.Template
}

// ParseConfig reads the shared trigger keys from a raw configuration.
func ParseConfig(cfg component.Config) (Config, error) {
	c := Config{
		Auto:        cfg.Bool("auto", true),
		Threshold:   strings.ToLower(cfg.Get("threshold", "")),
		Mode:        strings.ToLower(cfg.Get("mode", "")),
		Once:        cfg.Bool("once", true),
		SimpleTitle: cfg.Get("simpletitle", ""),
		SimpleBody:  cfg.Get("simplebody", ""),
		BatchTitle:  cfg.Get("batchtitle", ""),
		Agent:       cfg.Get("agent", ""),
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Threshold == "" {
		c.Threshold = ThresholdAll
	}
	if c.Mode == "" {
		c.Mode = ModeSimple
	}
	if c.SimpleTitle == "" {
		c.SimpleTitle = defaultSimpleTitle
	}
	if c.SimpleBody == "" {
		c.SimpleBody = defaultSimpleBody
	}
	if c.BatchTitle == "" {
		c.BatchTitle = defaultBatchTitle
	}
}

func (c *Config) validate() error {
	switch c.Threshold {
	case ThresholdAll, ThresholdMajor, ThresholdMinor, ThresholdPatch, ThresholdMajorOnly, ThresholdMinorOnly:
	default:
		return errors.BadRequestf("invalid threshold %q", c.Threshold)
	}
	if c.Mode != ModeSimple && c.Mode != ModeBatch {
		return errors.BadRequestf("invalid mode %q (simple or batch)", c.Mode)
	}
	var err error
	if c.simpleTitle, err = template.New("simpletitle").Parse(c.SimpleTitle); err != nil {
		return errors.BadRequestf("invalid simpletitle template: %v", err)
	}
	if c.simpleBody, err = template.New("simplebody").Parse(c.SimpleBody); err != nil {
		return errors.BadRequestf("invalid simplebody template: %v", err)
	}
	if c.batchTitle, err = template.New("batchtitle").Parse(c.BatchTitle); err != nil {
		return errors.BadRequestf("invalid batchtitle template: %v", err)
	}
	return nil
}

func render(t *template.Template, data any) string {
	if t == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		logger.Warningf("rendering %s: %v", t.Name(), err)
	}
	return buf.String()
}

func (c Config) RenderSimpleTitle(ct model.Container) string { return render(c.simpleTitle, ct) }

func (c Config) RenderSimpleBody(ct model.Container) string { return render(c.simpleBody, ct) }

func (c Config) RenderBatchTitle(cs []model.Container) string { return render(c.batchTitle, cs) }

// RenderBatchBody renders one simple body per container as a list.
func (c Config) RenderBatchBody(cs []model.Container) string {
	lines := make([]string, 0, len(cs))
	for _, ct := range cs {
		lines = append(lines, "- "+c.RenderSimpleBody(ct)+"\n")
	}
	return strings.Join(lines, "\n")
}

// Base is embedded by trigger implementations.
type Base struct {
	component.Base
	settings Config
	// strict triggers only act on containers of their own host
	strict bool
}

func newBase(spec component.Spec, strict bool) (Base, error) {
	settings, err := ParseConfig(spec.Config)
	if err != nil {
		return Base{}, errors.Trace(err)
	}
	return Base{
		Base:     component.NewBase(component.KindTrigger, spec.Provider, spec.Name, spec.Agent, spec.Config),
		settings: settings,
		strict:   strict,
	}, nil
}

func (b *Base) Settings() Config { return b.settings }

// StrictAgentMatch reports whether the trigger only applies to containers of its own agent.
func (b *Base) StrictAgentMatch() bool { return b.strict }

type strictMatcher interface {
	StrictAgentMatch() bool
}

// autoMatcher is a trigger with its own say on which containers it runs
// for. listed reports whether the include and exclude lists of the
// container let the trigger through; named whether the include list names
// it. Excluded containers never reach it.
type autoMatcher interface {
	AutoApplies(c model.Container, listed, named bool) bool
}

var refSeparator = regexp.MustCompile(`\s*,\s*`)

type triggerRef struct {
	id        string
	threshold string
}

// parseTriggerRefs parses a comma-separated list of "type.name[:threshold]" entries.
func parseTriggerRefs(s string) []triggerRef {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var refs []triggerRef
	for _, entry := range refSeparator.Split(strings.TrimSpace(s), -1) {
		id, threshold, _ := strings.Cut(entry, ":")
		ref := triggerRef{id: strings.ToLower(strings.TrimSpace(id)), threshold: ThresholdAll}
		switch t := strings.ToLower(strings.TrimSpace(threshold)); t {
		case ThresholdMajor, ThresholdMinor, ThresholdPatch, ThresholdMajorOnly, ThresholdMinorOnly:
			ref.threshold = t
		}
		refs = append(refs, ref)
	}
	return refs
}

// Apply returns the effective configuration of t for container c, or
// false when t does not apply to c. A trigger bound to an agent, or a
// strict trigger, only applies to containers of that same agent. The
// container include list may override the threshold; a trigger may widen
// or narrow the rest through AutoApplies.
func Apply(t Trigger, c model.Container) (Config, bool) {
	settings := t.Settings()
	bound := settings.Agent
	if bound == "" {
		bound = t.Agent()
	}
	strict := false
	if s, ok := t.(strictMatcher); ok {
		strict = s.StrictAgentMatch()
	}
	if (bound != "" || strict) && bound != c.Agent {
		return Config{}, false
	}

	// the local id is what containers name triggers by, on either host
	id := t.Type() + "." + t.Name()

	listed, named := true, false
	if include := parseTriggerRefs(c.TriggerInclude); include != nil {
		listed = false
		for _, ref := range include {
			if ref.id == id {
				settings.Threshold = ref.threshold
				listed, named = true, true
				break
			}
		}
	}
	for _, ref := range parseTriggerRefs(c.TriggerExclude) {
		if ref.id == id {
			return Config{}, false
		}
	}
	if m, ok := t.(autoMatcher); ok {
		listed = m.AutoApplies(c, listed, named)
	}
	if !listed {
		return Config{}, false
	}
	return settings, true
}

// IsThresholdReached reports whether the update of c is severe enough for
// threshold. Only tag updates with a known semver diff are filtered.
func IsThresholdReached(c model.Container, threshold string) bool {
	threshold = strings.ToLower(threshold)
	diff := c.UpdateKind.SemverDiff
	if threshold == ThresholdAll || c.UpdateKind.Kind != model.KindTag || diff == "" || diff == policy.DiffUnknown {
		return true
	}
	switch threshold {
	case ThresholdMajorOnly:
		return diff == policy.DiffMajor
	case ThresholdMinorOnly:
		return diff == policy.DiffMinor
	case ThresholdMinor:
		return diff != policy.DiffMajor
	case ThresholdPatch:
		return diff != policy.DiffMajor && diff != policy.DiffMinor
	}
	return true
}
