// Package component is the runtime context owning every live watcher,
// trigger, registry and agent, keyed by "type.name" (or "agent.type.name").
package component

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

type Kind string

const (
	KindWatcher        Kind = "watcher"
	KindTrigger        Kind = "trigger"
	KindRegistry       Kind = "registry"
	KindAuthentication Kind = "authentication"
	KindAgent          Kind = "agent"
)

// Component is implemented by every registered component.
type Component interface {
	Kind() Kind
	Type() string
	Name() string
	Agent() string
	ID() string
	// Configuration returns the configuration with secrets masked.
	Configuration() Config
}

// Initializer is implemented by components needing setup after construction.
type Initializer interface {
	Init(ctx context.Context) error
}

// Deregisterer is implemented by components holding resources.
type Deregisterer interface {
	Deregister(ctx context.Context) error
}

// Base carries the identity shared by every component; providers embed it.
type Base struct {
	kind   Kind
	typ    string
	name   string
	agent  string
	config Config
}

func NewBase(kind Kind, typ, name, agent string, cfg Config) Base {
	if cfg == nil {
		cfg = Config{}
	}
	return Base{
		kind:   kind,
		typ:    strings.ToLower(typ),
		name:   strings.ToLower(name),
		agent:  agent,
		config: cfg,
	}
}

func (b Base) Kind() Kind    { return b.kind }
func (b Base) Type() string  { return b.typ }
func (b Base) Name() string  { return b.name }
func (b Base) Agent() string { return b.agent }

// LocalID is "type.name", the id the component has on the host that runs it.
func (b Base) LocalID() string { return b.typ + "." + b.name }

func (b Base) ID() string {
	if b.agent != "" {
		return b.agent + "." + b.LocalID()
	}
	return b.LocalID()
}

func (b Base) Configuration() Config { return b.config.Masked() }

// RawConfiguration returns the unmasked configuration.
func (b Base) RawConfiguration() Config { return b.config }

// Config is a flat, lower-cased key/value component configuration.
type Config map[string]string

// Get returns the value for key or def when absent or blank.
func (c Config) Get(key, def string) string {
	if v, ok := c[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Bool parses a boolean value; unparsable values fall back to def.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Int parses an integer value; unparsable values fall back to def.
func (c Config) Int(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

// Keys returns the configuration keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var sensitiveKeys = []string{"password", "secret", "token", "privatekey", "auth", "accesskey", "clientsecret"}

// file references are paths, not secrets
var pathSuffixes = []string{"file", "path"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range pathSuffixes {
		if strings.HasSuffix(k, s) {
			return false
		}
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Masked returns a copy with sensitive values masked.
func (c Config) Masked() Config {
	out := make(Config, len(c))
	for k, v := range c {
		if isSensitive(k) {
			out[k] = Mask(v)
			continue
		}
		out[k] = v
	}
	return out
}

// Mask keeps the first and last character of a value.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 2 {
		return strings.Repeat("*", len(v))
	}
	return v[:1] + strings.Repeat("*", len(v)-2) + v[len(v)-1:]
}
