// Package model holds the container inventory types shared by watchers,
// triggers, the store and the agent protocol.
package model

import (
	"strings"

	"github.com/jpvargasdev/Auspex/internal/policy"
)

// Update kinds.
const (
	KindTag     = "tag"
	KindDigest  = "digest"
	KindUnknown = "unknown"
)

// Container is the unit of inventory. Its JSON shape is the wire format of the agent API.
type Container struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	DisplayName     string            `json:"displayName,omitempty"`
	DisplayIcon     string            `json:"displayIcon,omitempty"`
	Status          string            `json:"status,omitempty"`
	Watcher         string            `json:"watcher"`
	Agent           string            `json:"agent,omitempty"`
	IncludeTags     string            `json:"includeTags,omitempty"`
	ExcludeTags     string            `json:"excludeTags,omitempty"`
	TransformTags   string            `json:"transformTags,omitempty"`
	LinkTemplate    string            `json:"linkTemplate,omitempty"`
	TriggerInclude  string            `json:"triggerInclude,omitempty"`
	TriggerExclude  string            `json:"triggerExclude,omitempty"`
	Image           Image             `json:"image"`
	Labels          map[string]string `json:"labels,omitempty"`
	Result          *Result           `json:"result,omitempty"`
	Error           *Error            `json:"error,omitempty"`
	UpdateAvailable bool              `json:"updateAvailable"`
	UpdateKind      UpdateKind        `json:"updateKind"`
}

type Image struct {
	ID           string   `json:"id,omitempty"`
	Registry     Registry `json:"registry"`
	Name         string   `json:"name"`
	Tag          Tag      `json:"tag"`
	Digest       Digest   `json:"digest"`
	Architecture string   `json:"architecture,omitempty"`
	OS           string   `json:"os,omitempty"`
	Variant      string   `json:"variant,omitempty"`
	Created      string   `json:"created,omitempty"`
}

// Registry identifies the registry provider serving an image.
// Name is the provider id ("hub.public") once normalized, "unknown" when nothing matched.
type Registry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Tag struct {
	Value  string `json:"value"`
	Semver bool   `json:"semver"`
}

type Digest struct {
	Watch bool   `json:"watch"`
	Value string `json:"value,omitempty"`
	Repo  string `json:"repo,omitempty"`
}

// Result is the outcome of version resolution.
type Result struct {
	Tag     string `json:"tag"`
	Digest  string `json:"digest,omitempty"`
	Created string `json:"created,omitempty"`
	Link    string `json:"link,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

type UpdateKind struct {
	Kind        string `json:"kind"`
	LocalValue  string `json:"localValue,omitempty"`
	RemoteValue string `json:"remoteValue,omitempty"`
	SemverDiff  string `json:"semverDiff,omitempty"`
}

// ManifestDigest is what a registry reports for one image reference.
// Version is 1 for legacy schema1 manifests, 2 otherwise.
type ManifestDigest struct {
	Digest  string
	Created string
	Version int
}

// ContainerReport is emitted after each observation of a container.
type ContainerReport struct {
	Container Container `json:"container"`
	Changed   bool      `json:"changed"`
}

// FullName is the watcher-scoped display key used in logs and compose lookups.
func FullName(c Container) string {
	return c.Watcher + "_" + c.Name
}

// ScopeID namespaces a container id reported by an agent so ids from
// different agents cannot collide.
func ScopeID(agent, id string) string {
	if agent == "" || strings.HasPrefix(id, agent+":") {
		return id
	}
	return agent + ":" + id
}

// RemoteID returns the id the originating agent knows the container by.
func (c Container) RemoteID() string {
	if c.Agent == "" {
		return c.ID
	}
	return strings.TrimPrefix(c.ID, c.Agent+":")
}

// Clone returns a deep copy.
func (c Container) Clone() Container {
	out := c
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	if c.Result != nil {
		r := *c.Result
		out.Result = &r
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return out
}

// Refresh recomputes the derived UpdateAvailable and UpdateKind fields.
func (c *Container) Refresh() {
	c.UpdateAvailable = c.updateAvailable()
	c.UpdateKind = c.updateKind()
}

func (c *Container) updateAvailable() bool {
	if c.Result == nil {
		return false
	}
	local := policy.Transform(c.TransformTags, c.Image.Tag.Value)
	remote := policy.Transform(c.TransformTags, c.Result.Tag)
	available := local != remote
	if c.Image.Digest.Watch && c.Image.Digest.Value != "" && c.Result.Digest != "" {
		available = available || c.Image.Digest.Value != c.Result.Digest
	}
	return available
}

func (c *Container) updateKind() UpdateKind {
	if c.Result == nil || !c.UpdateAvailable {
		return UpdateKind{Kind: KindUnknown}
	}
	if c.Image.Tag.Value != "" && c.Result.Tag != "" && c.Image.Tag.Value != c.Result.Tag {
		kind := UpdateKind{
			Kind:        KindTag,
			LocalValue:  c.Image.Tag.Value,
			RemoteValue: c.Result.Tag,
			SemverDiff:  policy.DiffUnknown,
		}
		if c.Image.Tag.Semver {
			kind.SemverDiff = policy.Diff(
				policy.Transform(c.TransformTags, c.Image.Tag.Value),
				policy.Transform(c.TransformTags, c.Result.Tag),
			)
		}
		return kind
	}
	if c.Image.Digest.Value != "" && c.Image.Digest.Value != c.Result.Digest {
		return UpdateKind{
			Kind:        KindDigest,
			LocalValue:  c.Image.Digest.Value,
			RemoteValue: c.Result.Digest,
		}
	}
	return UpdateKind{Kind: KindUnknown}
}

// ResultChanged reports whether the resolution outcome differs between two observations.
func ResultChanged(before, after *Result) bool {
	switch {
	case before == nil && after == nil:
		return false
	case before == nil || after == nil:
		return true
	}
	return before.Tag != after.Tag || before.Digest != after.Digest
}
