package resolver

import (
	"context"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/policy"
	"github.com/jpvargasdev/Auspex/internal/registry"
)

// UnknownRegistry marks an image no registry provider matched.
const UnknownRegistry = "unknown"

// LegacyDigestSource reads the locally cached config digest of an image.
// Only hosts with access to the container runtime can provide one.
type LegacyDigestSource interface {
	LocalImageDigest(ctx context.Context, imageID string) (string, error)
}

// FindNewVersion resolves the update candidate for a container. It may set
// c.Image.Digest.Value to the local comparison digest.
//
// A nil provider means the registry is unsupported: the current tag is
// returned and the condition is only logged.
func FindNewVersion(ctx context.Context, c *model.Container, p registry.Provider, legacy LegacyDigestSource) (model.Result, error) {
	result := model.Result{Tag: c.Image.Tag.Value}
	name := model.FullName(*c)
	if p == nil {
		logger.Errorf("%s: unsupported registry (%s)", name, c.Image.Registry.Name)
		return result, nil
	}

	tags, err := p.GetTags(ctx, c.Image)
	if err != nil {
		return result, errors.Annotatef(err, "getting tags of %s", c.Image.Name)
	}
	candidates, err := TagCandidates(c, tags)
	if err != nil {
		return result, errors.Trace(err)
	}

	if c.Image.Digest.Watch && c.Image.Digest.Repo != "" {
		target := c.Image
		if len(candidates) > 0 {
			target.Tag.Value = candidates[0]
		}
		remote, err := p.GetImageManifestDigest(ctx, target, "")
		if err != nil {
			return result, errors.Annotatef(err, "getting manifest digest of %s:%s", target.Name, target.Tag.Value)
		}
		result.Digest = remote.Digest
		result.Created = remote.Created

		if remote.Version == 2 {
			local, err := p.GetImageManifestDigest(ctx, target, c.Image.Digest.Repo)
			if err != nil {
				return result, errors.Annotatef(err, "getting manifest digest of %s@%s", target.Name, c.Image.Digest.Repo)
			}
			c.Image.Digest.Value = local.Digest
		} else if legacy != nil {
			local, err := legacy.LocalImageDigest(ctx, c.Image.ID)
			if err != nil {
				return result, errors.Annotatef(err, "inspecting local image %s", c.Image.ID)
			}
			c.Image.Digest.Value = local
		} else {
			logger.Warningf("%s: cannot check legacy v1 image digest without Docker API access", name)
		}
	}

	if len(candidates) > 0 {
		result.Tag = candidates[0]
	}
	logger.Debugf("%s: resolved tag %s (current %s, %d candidates)", name, result.Tag, c.Image.Tag.Value, len(candidates))
	return result, nil
}

// IsDigestToWatch decides whether the digest of an image should be watched.
// label is the wud.watch.digest label value, empty when absent.
func IsDigestToWatch(label, domain string, semver bool) bool {
	hub := isHub(domain)
	if label != "" {
		watch, err := strconv.ParseBool(strings.TrimSpace(label))
		if err != nil {
			logger.Warningf("invalid wud.watch.digest value %q", label)
		} else {
			if watch && hub {
				logger.Warningf("watching digests on Docker Hub is subject to rate limiting")
			}
			return watch
		}
	}
	if semver {
		return false
	}
	return !hub
}

func isHub(domain string) bool {
	d := registry.HostOf(domain)
	return d == "" || d == "docker.io" || strings.HasSuffix(d, ".docker.io")
}

// NormalizeContainer points the container image at the provider serving it,
// or marks the registry unknown when none does.
func NormalizeContainer(rt *component.Registry, c model.Container) model.Container {
	if p, ok := registry.ForImage(rt, c.Image); ok {
		c.Image = p.NormalizeImage(c.Image)
		return c
	}
	c.Image.Registry.Name = UnknownRegistry
	if c.Image.Registry.URL == "" {
		c.Image.Registry.URL = UnknownRegistry
	}
	return c
}

// Process runs the full resolution path for one observed container:
// normalization, version resolution, link rendering and derived fields.
// Resolution failures are recorded on the container, never returned.
func Process(ctx context.Context, rt *component.Registry, c model.Container, legacy LegacyDigestSource) model.Container {
	c = NormalizeContainer(rt, c)
	var p registry.Provider
	if found, ok := registry.ByName(rt, c.Image.Registry.Name); ok {
		p = found
	}

	result, err := FindNewVersion(ctx, &c, p, legacy)
	if err != nil {
		logger.Warningf("%s: error when processing (%v)", model.FullName(c), err)
		c.Error = &model.Error{Message: err.Error()}
	} else {
		c.Error = nil
		result.Link = Link(c.LinkTemplate, c.TransformTags, result.Tag)
		c.Result = &result
	}
	c.Refresh()
	return c
}

// Link renders a wud.link.template for a tag. Supported placeholders are
// ${original}, ${transformed}, ${major}, ${minor}, ${patch} and ${prerelease}.
func Link(template, formula, tag string) string {
	if template == "" || tag == "" {
		return ""
	}
	transformed := policy.Transform(formula, tag)
	vars := []string{"${original}", tag, "${raw}", tag, "${transformed}", transformed}
	if v := policy.Parse(transformed); v != nil {
		vars = append(vars,
			"${major}", strconv.FormatUint(v.Major(), 10),
			"${minor}", strconv.FormatUint(v.Minor(), 10),
			"${patch}", strconv.FormatUint(v.Patch(), 10),
			"${prerelease}", v.Prerelease(),
		)
	}
	return strings.NewReplacer(vars...).Replace(template)
}
