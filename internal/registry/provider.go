// Package registry implements the registry providers used to list tags and
// resolve manifest digests for container images.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/opencontainers/go-digest"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
)

var logger = loggo.GetLogger("auspex.registry")

// Provider is the contract shared by every registry implementation.
type Provider interface {
	component.Component
	// Match reports whether the image is served by this registry.
	Match(img model.Image) bool
	// NormalizeImage rewrites the image registry and name to their canonical form.
	NormalizeImage(img model.Image) model.Image
	GetTags(ctx context.Context, img model.Image) ([]string, error)
	// GetImageManifestDigest resolves the image tag, or digest when set, to a manifest digest.
	GetImageManifestDigest(ctx context.Context, img model.Image, digest string) (model.ManifestDigest, error)
	// GetImageFullName is the pullable reference for a tag or digest.
	GetImageFullName(img model.Image, tagOrDigest string) string
	Authenticator(ctx context.Context) (authn.Authenticator, error)
}

// Remote is the OCI distribution implementation providers embed.
type Remote struct {
	component.Base

	host     string
	insecure bool
	hosts    func(host string) bool
	auth     func(ctx context.Context) (authn.Authenticator, error)

	// Transport overrides the HTTP transport, nil means the default.
	Transport http.RoundTripper
}

func newRemote(spec component.Spec, host string, insecure bool, hosts func(string) bool) *Remote {
	return &Remote{
		Base:     component.NewBase(component.KindRegistry, spec.Provider, spec.Name, spec.Agent, spec.Config),
		host:     host,
		insecure: insecure,
		hosts:    hosts,
	}
}

// Host is the registry API host.
func (r *Remote) Host() string { return r.host }

func (r *Remote) Match(img model.Image) bool {
	h := HostOf(img.Registry.URL)
	if r.hosts != nil {
		return r.hosts(h)
	}
	return h == r.host
}

func (r *Remote) NormalizeImage(img model.Image) model.Image {
	img.Registry.Name = r.ID()
	img.Registry.URL = r.apiURL()
	return img
}

func (r *Remote) apiURL() string {
	scheme := "https"
	if r.insecure {
		scheme = "http"
	}
	return scheme + "://" + r.host + "/v2"
}

func (r *Remote) GetImageFullName(img model.Image, tagOrDigest string) string {
	return joinRef(r.host+"/"+img.Name, tagOrDigest)
}

func (r *Remote) Authenticator(ctx context.Context) (authn.Authenticator, error) {
	if r.auth == nil {
		return authn.Anonymous, nil
	}
	return r.auth(ctx)
}

func (r *Remote) GetTags(ctx context.Context, img model.Image) ([]string, error) {
	repo, err := r.repository(img)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts, err := r.options(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("listing tags of %s", repo)
	tags, err := remote.List(repo, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "listing tags of %s", repo)
	}
	sort.Strings(tags)
	return tags, nil
}

func (r *Remote) GetImageManifestDigest(ctx context.Context, img model.Image, dgst string) (model.ManifestDigest, error) {
	repo, err := r.repository(img)
	if err != nil {
		return model.ManifestDigest{}, errors.Trace(err)
	}
	var ref name.Reference
	if dgst != "" {
		if _, err := digest.Parse(dgst); err != nil {
			return model.ManifestDigest{}, errors.BadRequestf("invalid digest %q", dgst)
		}
		ref = repo.Digest(dgst)
	} else {
		ref = repo.Tag(img.Tag.Value)
	}
	opts, err := r.options(ctx)
	if err != nil {
		return model.ManifestDigest{}, errors.Trace(err)
	}

	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return model.ManifestDigest{}, errors.Annotatef(err, "fetching manifest %s", ref)
	}

	switch {
	case desc.MediaType == types.DockerManifestSchema1 || desc.MediaType == types.DockerManifestSchema1Signed:
		return legacyManifestDigest(desc.Manifest)

	case desc.MediaType.IsIndex():
		idx, err := desc.ImageIndex()
		if err != nil {
			return model.ManifestDigest{}, errors.Annotatef(err, "reading index %s", ref)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return model.ManifestDigest{}, errors.Annotatef(err, "reading index %s", ref)
		}
		child, ok := selectPlatform(manifest.Manifests, img)
		if !ok {
			return model.ManifestDigest{}, errors.NotFoundf("manifest for %s in %s", platformOf(img), ref)
		}
		out := model.ManifestDigest{Digest: child.Digest.String(), Version: 2}
		if ci, err := idx.Image(child.Digest); err == nil {
			out.Created = created(ci)
		}
		return out, nil

	default:
		out := model.ManifestDigest{Digest: desc.Digest.String(), Version: 2}
		if i, err := desc.Image(); err == nil {
			out.Created = created(i)
		}
		return out, nil
	}
}

func (r *Remote) repository(img model.Image) (name.Repository, error) {
	var opts []name.Option
	if r.insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(r.host+"/"+img.Name, opts...)
	if err != nil {
		return name.Repository{}, errors.BadRequestf("invalid image name %q: %v", img.Name, err)
	}
	return repo, nil
}

func (r *Remote) options(ctx context.Context) ([]remote.Option, error) {
	a, err := r.Authenticator(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "authenticating against %s", r.host)
	}
	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuth(a)}
	if r.Transport != nil {
		opts = append(opts, remote.WithTransport(r.Transport))
	}
	return opts, nil
}

func selectPlatform(manifests []v1.Descriptor, img model.Image) (v1.Descriptor, bool) {
	os, arch := img.OS, img.Architecture
	if os == "" {
		os = "linux"
	}
	if arch == "" {
		arch = "amd64"
	}
	var fallback *v1.Descriptor
	for i, m := range manifests {
		if m.Platform == nil || m.Platform.OS != os || m.Platform.Architecture != arch {
			continue
		}
		if img.Variant == "" || m.Platform.Variant == img.Variant {
			return m, true
		}
		if fallback == nil {
			fallback = &manifests[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return v1.Descriptor{}, false
}

func platformOf(img model.Image) string {
	p := img.OS + "/" + img.Architecture
	if img.Variant != "" {
		p += "/" + img.Variant
	}
	return p
}

func created(i v1.Image) string {
	cf, err := i.ConfigFile()
	if err != nil || cf == nil || cf.Created.Time.IsZero() {
		return ""
	}
	return cf.Created.Time.UTC().Format(time.RFC3339)
}

// HostOf strips the scheme and API path from a registry url.
func HostOf(url string) string {
	h := strings.TrimSpace(url)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	if i := strings.Index(h, "/"); i >= 0 {
		h = h[:i]
	}
	return strings.ToLower(h)
}

func joinRef(repo, tagOrDigest string) string {
	if strings.Contains(tagOrDigest, ":") {
		return repo + "@" + tagOrDigest
	}
	return repo + ":" + tagOrDigest
}

// ForImage returns the first registered provider matching the image.
func ForImage(rt *component.Registry, img model.Image) (Provider, bool) {
	for _, p := range component.All[Provider](rt, component.KindRegistry) {
		if p.Match(img) {
			return p, true
		}
	}
	return nil, false
}

// ByName returns the provider registered under the given id.
func ByName(rt *component.Registry, id string) (Provider, bool) {
	return component.Lookup[Provider](rt, component.KindRegistry, id)
}

// legacyManifestDigest reads a schema1 manifest. Its digest is the parent
// image in the v1 compatibility config of the newest layer, the same value
// a local engine reports as Config.Image.
func legacyManifestDigest(raw []byte) (model.ManifestDigest, error) {
	var m struct {
		History []struct {
			V1Compatibility string `json:"v1Compatibility"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.ManifestDigest{}, errors.Annotate(err, "decoding schema1 manifest")
	}
	out := model.ManifestDigest{Version: 1}
	if len(m.History) == 0 {
		return out, nil
	}
	var compat struct {
		Created string `json:"created"`
		Config  *struct {
			Image string `json:"Image"`
		} `json:"config"`
	}
	if err := json.Unmarshal([]byte(m.History[0].V1Compatibility), &compat); err != nil {
		return model.ManifestDigest{}, errors.Annotate(err, "decoding v1 compatibility")
	}
	out.Created = compat.Created
	if compat.Config != nil {
		out.Digest = compat.Config.Image
	}
	return out, nil
}
