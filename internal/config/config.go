// Package config reads the WUD_* environment, optionally seeded from a
// .env file, into component specs and process settings.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/component"
)

var logger = loggo.GetLogger("auspex.config")

const (
	prefix           = "WUD_"
	defaultPort      = 3000
	defaultStorePath = "/store/wud.json"
	defaultLogLevel  = "INFO"
)

// Server configures the HTTP listener of either mode.
type Server struct {
	Port       int
	TLSEnabled bool
	TLSKey     string
	TLSCert    string
}

func (s *Server) setDefaults() {
	if s.Port == 0 {
		s.Port = defaultPort
	}
}

func (s Server) validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return errors.NotValidf("WUD_SERVER_PORT %d", s.Port)
	}
	if s.TLSEnabled && (s.TLSKey == "" || s.TLSCert == "") {
		return errors.NotValidf("TLS enabled without WUD_SERVER_TLS_KEY and WUD_SERVER_TLS_CERT")
	}
	return nil
}

// Addr is the listen address.
func (s Server) Addr() string { return ":" + strconv.Itoa(s.Port) }

// CertFiles returns the certificate and key to serve, empty without TLS.
func (s Server) CertFiles() (cert, key string) {
	if !s.TLSEnabled {
		return "", ""
	}
	return s.TLSCert, s.TLSKey
}

// Config is everything the process reads at startup.
type Config struct {
	LogLevel  string
	StorePath string
	Server    Server

	// AgentSecret and AgentSecretFile authenticate controllers in agent mode.
	AgentSecret     string
	AgentSecretFile string

	Watchers   []component.Spec
	Triggers   []component.Spec
	Registries []component.Spec
	Agents     []component.Spec
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Server.setDefaults()
	if len(c.Watchers) == 0 {
		c.Watchers = []component.Spec{{Kind: component.KindWatcher, Provider: "docker", Name: "local", Config: component.Config{}}}
	}
}

func (c Config) validate() error {
	if _, ok := loggo.ParseLevel(c.LogLevel); !ok {
		return errors.NotValidf("WUD_LOG_LEVEL %q", c.LogLevel)
	}
	return errors.Trace(c.Server.validate())
}

// Load reads the process environment. Variables from envFile fill in what
// the environment does not set; a missing envFile is ignored unless
// required is set.
func Load(envFile string, required bool) (*Config, error) {
	var file map[string]string
	if envFile != "" {
		var err error
		file, err = godotenv.Read(envFile)
		switch {
		case err == nil:
			logger.Infof("loaded %d variables from %s", len(file), envFile)
		case os.IsNotExist(err) && !required:
			logger.Debugf("no env file at %s", envFile)
		default:
			return nil, errors.Annotatef(err, "reading env file %s", envFile)
		}
	}
	env := make(map[string]string, len(file))
	for k, v := range file {
		env[k] = v
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return Parse(env)
}

// Parse builds the configuration from WUD_* variables.
func Parse(env map[string]string) (*Config, error) {
	cfg := &Config{
		LogLevel:        strings.ToUpper(env["WUD_LOG_LEVEL"]),
		AgentSecret:     env["WUD_AGENT_SECRET"],
		AgentSecretFile: env["WUD_AGENT_SECRET_FILE"],
		StorePath:       defaultStorePath,
	}
	if p, ok := env["WUD_STORE_PATH"]; ok {
		cfg.StorePath = p
	}
	if v := env["WUD_SERVER_PORT"]; v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.NotValidf("WUD_SERVER_PORT %q", v)
		}
		cfg.Server.Port = port
	}
	if v := env["WUD_SERVER_TLS_ENABLED"]; v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.NotValidf("WUD_SERVER_TLS_ENABLED %q", v)
		}
		cfg.Server.TLSEnabled = enabled
	}
	cfg.Server.TLSKey = env["WUD_SERVER_TLS_KEY"]
	cfg.Server.TLSCert = env["WUD_SERVER_TLS_CERT"]

	tree := newSpecTree()
	for k, v := range env {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		tree.add(strings.Split(strings.TrimPrefix(k, prefix), "_"), v)
	}
	cfg.Watchers = tree.specs(component.KindWatcher)
	cfg.Triggers = tree.specs(component.KindTrigger)
	cfg.Registries = tree.specs(component.KindRegistry)
	cfg.Agents = tree.specs(component.KindAgent)

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// specTree groups component variables by kind, provider and name.
type specTree map[component.Kind]map[string]component.Config

func newSpecTree() specTree { return specTree{} }

func specKey(provider, name string) string { return provider + "." + name }

// add files one variable. The path is the variable name without WUD_,
// split on "_". Everything after the name segments forms the config key.
func (t specTree) add(path []string, value string) {
	if len(path) == 0 {
		return
	}
	var kind component.Kind
	var provider, name string
	var rest []string
	switch path[0] {
	case "WATCHER":
		if len(path) < 3 {
			return
		}
		kind, provider, name, rest = component.KindWatcher, "docker", path[1], path[2:]
	case "AGENT":
		// WUD_AGENT_SECRET(_FILE) belong to agent mode
		if len(path) < 3 || path[1] == "SECRET" {
			return
		}
		kind, provider, name, rest = component.KindAgent, "wud", path[1], path[2:]
	case "TRIGGER", "REGISTRY":
		if len(path) < 4 {
			return
		}
		kind = component.KindTrigger
		if path[0] == "REGISTRY" {
			kind = component.KindRegistry
		}
		provider, name, rest = path[1], path[2], path[3:]
	default:
		return
	}
	if provider == "" || name == "" {
		logger.Warningf("ignoring malformed variable WUD_%s", strings.Join(path, "_"))
		return
	}
	key := strings.ToLower(strings.Join(rest, ""))
	if key == "" {
		return
	}
	if t[kind] == nil {
		t[kind] = map[string]component.Config{}
	}
	id := specKey(strings.ToLower(provider), strings.ToLower(name))
	if t[kind][id] == nil {
		t[kind][id] = component.Config{}
	}
	t[kind][id][key] = value
}

func (t specTree) specs(kind component.Kind) []component.Spec {
	var out []component.Spec
	for id, cfg := range t[kind] {
		provider, name, _ := strings.Cut(id, ".")
		out = append(out, component.Spec{Kind: kind, Provider: provider, Name: name, Config: cfg})
	}
	sort.Slice(out, func(i, j int) bool {
		return specKey(out[i].Provider, out[i].Name) < specKey(out[j].Provider, out[j].Name)
	})
	return out
}
