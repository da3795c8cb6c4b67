package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
)

// Register adds every registry provider factory to the runtime.
func Register(rt *component.Registry) {
	rt.RegisterFactory(component.KindRegistry, "hub", newHub)
	rt.RegisterFactory(component.KindRegistry, "ghcr", newGHCR)
	rt.RegisterFactory(component.KindRegistry, "quay", newQuay)
	rt.RegisterFactory(component.KindRegistry, "gcr", newGCR)
	rt.RegisterFactory(component.KindRegistry, "ecr", newECR)
	rt.RegisterFactory(component.KindRegistry, "lscr", newLSCR)
	rt.RegisterFactory(component.KindRegistry, "custom", newCustom)
	rt.RegisterFactory(component.KindRegistry, "codeberg", newCodeberg)
}

var defaultProviders = []string{"ecr", "gcr", "ghcr", "hub", "quay"}

// RegisterDefaults registers anonymous "<provider>.public" registries for
// the providers that have no configured instance.
func RegisterDefaults(ctx context.Context, rt *component.Registry) error {
	configured := map[string]bool{}
	for _, c := range rt.List(component.KindRegistry) {
		configured[c.Type()] = true
	}
	for _, p := range defaultProviders {
		if configured[p] {
			continue
		}
		if _, err := rt.RegisterComponent(ctx, component.KindRegistry, p, "public", nil, ""); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// credentials is the login/password/auth triple most registries accept.
type credentials struct {
	login    string
	password string
	auth     string
}

func credentialsFrom(cfg component.Config) credentials {
	return credentials{
		login:    cfg.Get("login", ""),
		password: cfg.Get("password", cfg.Get("token", "")),
		auth:     cfg.Get("auth", ""),
	}
}

func (c credentials) validate() error {
	if (c.login == "") != (c.password == "") {
		return errors.BadRequestf("login and password must be set together")
	}
	if c.auth != "" && c.login != "" {
		return errors.BadRequestf("auth cannot be combined with login")
	}
	return nil
}

func (c credentials) authenticator(context.Context) (authn.Authenticator, error) {
	switch {
	case c.login != "":
		return &authn.Basic{Username: c.login, Password: c.password}, nil
	case c.auth != "":
		return authn.FromConfig(authn.AuthConfig{Auth: c.auth}), nil
	default:
		return authn.Anonymous, nil
	}
}

// Hub is the Docker Hub registry.
type Hub struct {
	*Remote
}

func newHub(_ *component.Registry, spec component.Spec) (component.Component, error) {
	creds := credentialsFrom(spec.Config)
	if err := creds.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := newRemote(spec, "index.docker.io", false, func(h string) bool {
		return h == "" || h == "docker.io" || strings.HasSuffix(h, ".docker.io")
	})
	r.auth = creds.authenticator
	return &Hub{Remote: r}, nil
}

func (h *Hub) NormalizeImage(img model.Image) model.Image {
	img = h.Remote.NormalizeImage(img)
	img.Registry.URL = "https://registry-1.docker.io/v2"
	if !strings.Contains(img.Name, "/") {
		img.Name = "library/" + img.Name
	}
	return img
}

func (h *Hub) GetImageFullName(img model.Image, tagOrDigest string) string {
	return joinRef(strings.TrimPrefix(img.Name, "library/"), tagOrDigest)
}

// GHCR is the GitHub container registry.
type GHCR struct {
	*Remote
	app *appToken
}

type ghcrConfig struct {
	username       string
	token          string
	appID          int64
	installationID int64
	privateKeyFile string
}

func (c *ghcrConfig) setDefaults() {
	if c.username == "" {
		c.username = "x-access-token"
	}
}

func (c *ghcrConfig) validate() error {
	app := c.appID != 0 || c.installationID != 0 || c.privateKeyFile != ""
	if app && (c.appID == 0 || c.installationID == 0 || c.privateKeyFile == "") {
		return errors.BadRequestf("appid, installationid and privatekeyfile must be set together")
	}
	if app && c.token != "" {
		return errors.BadRequestf("token cannot be combined with GitHub App credentials")
	}
	return nil
}

func newGHCR(_ *component.Registry, spec component.Spec) (component.Component, error) {
	cfg := ghcrConfig{
		username:       spec.Config.Get("username", ""),
		token:          spec.Config.Get("token", ""),
		appID:          int64(spec.Config.Int("appid", 0)),
		installationID: int64(spec.Config.Int("installationid", 0)),
		privateKeyFile: spec.Config.Get("privatekeyfile", ""),
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	g := &GHCR{Remote: newRemote(spec, "ghcr.io", false, nil)}
	switch {
	case cfg.privateKeyFile != "":
		g.app = &appToken{appID: cfg.appID, installationID: cfg.installationID, keyFile: cfg.privateKeyFile}
		g.auth = g.app.authenticator
	case cfg.token != "":
		g.auth = credentials{login: cfg.username, password: cfg.token}.authenticator
	}
	return g, nil
}

// Quay is quay.io; robot accounts authenticate as "namespace+account".
type Quay struct {
	*Remote
}

func newQuay(_ *component.Registry, spec component.Spec) (component.Component, error) {
	namespace := spec.Config.Get("namespace", "")
	account := spec.Config.Get("account", "")
	token := spec.Config.Get("token", "")
	if (namespace != "" || account != "" || token != "") && (namespace == "" || account == "" || token == "") {
		return nil, errors.BadRequestf("namespace, account and token must be set together")
	}
	q := &Quay{Remote: newRemote(spec, "quay.io", false, nil)}
	if token != "" {
		q.auth = credentials{login: namespace + "+" + account, password: token}.authenticator
	}
	return q, nil
}

// GCR is the Google container and artifact registry.
type GCR struct {
	*Remote
}

func newGCR(_ *component.Registry, spec component.Spec) (component.Component, error) {
	email := spec.Config.Get("clientemail", "")
	key := spec.Config.Get("privatekey", "")
	if (email == "") != (key == "") {
		return nil, errors.BadRequestf("clientemail and privatekey must be set together")
	}
	g := &GCR{Remote: newRemote(spec, "gcr.io", false, func(h string) bool {
		return h == "gcr.io" || strings.HasSuffix(h, ".gcr.io") || strings.HasSuffix(h, "-docker.pkg.dev")
	})}
	if email != "" {
		payload, err := json.Marshal(map[string]string{
			"type":         "service_account",
			"client_email": email,
			"private_key":  key,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		g.auth = credentials{login: "_json_key", password: string(payload)}.authenticator
	}
	return g, nil
}

// the API host follows the image host for regional and artifact registry domains
func (g *GCR) hostFor(img model.Image) string {
	if h := HostOf(img.Registry.URL); h != "" && g.Match(img) {
		return h
	}
	return g.host
}

func (g *GCR) NormalizeImage(img model.Image) model.Image {
	host := g.hostFor(img)
	img.Registry.Name = g.ID()
	img.Registry.URL = "https://" + host + "/v2"
	return img
}

func (g *GCR) GetTags(ctx context.Context, img model.Image) ([]string, error) {
	return g.at(img).GetTags(ctx, img)
}

func (g *GCR) GetImageManifestDigest(ctx context.Context, img model.Image, dgst string) (model.ManifestDigest, error) {
	return g.at(img).GetImageManifestDigest(ctx, img, dgst)
}

func (g *GCR) GetImageFullName(img model.Image, tagOrDigest string) string {
	return joinRef(g.hostFor(img)+"/"+img.Name, tagOrDigest)
}

func (g *GCR) at(img model.Image) *Remote {
	r := *g.Remote
	r.host = g.hostFor(img)
	return &r
}

// ECR serves the public ECR gallery anonymously.
type ECR struct {
	*Remote
}

func newECR(_ *component.Registry, spec component.Spec) (component.Component, error) {
	if spec.Config.Get("accesskeyid", "") != "" {
		logger.Warningf("registry ecr.%s: private ECR credentials are not supported, using anonymous public.ecr.aws access", spec.Name)
	}
	return &ECR{Remote: newRemote(spec, "public.ecr.aws", false, nil)}, nil
}

// LSCR is the LinuxServer registry, backed by ghcr.
type LSCR struct {
	*Remote
}

func newLSCR(_ *component.Registry, spec component.Spec) (component.Component, error) {
	username := spec.Config.Get("username", "")
	token := spec.Config.Get("token", "")
	if (username == "") != (token == "") {
		return nil, errors.BadRequestf("username and token must be set together")
	}
	l := &LSCR{Remote: newRemote(spec, "lscr.io", false, nil)}
	if token != "" {
		l.auth = credentials{login: username, password: token}.authenticator
	}
	return l, nil
}

// Custom is any OCI distribution registry reachable at a configured url.
type Custom struct {
	*Remote
}

func newCustom(_ *component.Registry, spec component.Spec) (component.Component, error) {
	raw := spec.Config.Get("url", "")
	if raw == "" {
		return nil, errors.BadRequestf("url is required")
	}
	return newURLRegistry(spec, raw)
}

func newCodeberg(_ *component.Registry, spec component.Spec) (component.Component, error) {
	return newURLRegistry(spec, spec.Config.Get("url", "https://codeberg.org"))
}

func newURLRegistry(spec component.Spec, raw string) (component.Component, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, errors.BadRequestf("invalid url %q", raw)
	}
	creds := credentialsFrom(spec.Config)
	if err := creds.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := newRemote(spec, strings.ToLower(u.Host), u.Scheme == "http", nil)
	r.auth = creds.authenticator
	return &Custom{Remote: r}, nil
}
