// Package resolver decides, from the tags and digests a registry reports,
// whether a container has an update and which tag it is.
package resolver

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/policy"
)

var logger = loggo.GetLogger("auspex.resolver")

var (
	prefixPattern  = regexp.MustCompile(`^(.*?)(\d+.*)$`)
	numericPattern = regexp.MustCompile(`\d+(\.\d+)*`)
	leadingDigit   = regexp.MustCompile(`^\d`)
)

// TagCandidates filters the registry tags down to the ones that may replace
// the container's current tag, highest first. Non-semver images never get
// candidates.
func TagCandidates(c *model.Container, tags []string) ([]string, error) {
	name := model.FullName(*c)
	filtered := tags

	if c.IncludeTags != "" {
		include, err := regexp.Compile(c.IncludeTags)
		if err != nil {
			return nil, errors.BadRequestf("invalid include tags regex %q: %v", c.IncludeTags, err)
		}
		filtered = keep(filtered, include.MatchString)
	} else {
		filtered = keep(filtered, func(t string) bool { return !strings.HasPrefix(t, "sha") })
	}

	if c.ExcludeTags != "" {
		exclude, err := regexp.Compile(c.ExcludeTags)
		if err != nil {
			return nil, errors.BadRequestf("invalid exclude tags regex %q: %v", c.ExcludeTags, err)
		}
		filtered = keep(filtered, func(t string) bool { return !exclude.MatchString(t) })
	}

	filtered = keep(filtered, func(t string) bool { return !strings.HasSuffix(t, ".sig") })

	if !c.Image.Tag.Semver {
		return nil, nil
	}
	if len(filtered) == 0 {
		logger.Warningf("%s: no tags found after filtering; check your regex filters", name)
	}

	current := c.Image.Tag.Value
	if c.IncludeTags == "" {
		prefix := ""
		if m := prefixPattern.FindStringSubmatch(current); m != nil {
			prefix = m[1]
		}
		if prefix != "" {
			filtered = keep(filtered, func(t string) bool { return strings.HasPrefix(t, prefix) })
		} else {
			filtered = keep(filtered, leadingDigit.MatchString)
		}
		if len(filtered) == 0 {
			if prefix != "" {
				logger.Warningf("%s: no tags found with existing prefix %q; check your regex filters", name, prefix)
			} else {
				logger.Warningf("%s: no tags found starting with a number (no prefix); check your regex filters", name)
			}
		}
	}

	filtered = keep(filtered, func(t string) bool {
		return policy.Parse(policy.Transform(c.TransformTags, t)) != nil
	})

	if ref := numericPattern.FindString(current); ref != "" {
		groups := segments(ref)
		filtered = keep(filtered, func(t string) bool {
			n := numericPattern.FindString(t)
			return n != "" && segments(n) == groups
		})
	}

	currentVersion := policy.Transform(c.TransformTags, current)
	filtered = keep(filtered, func(t string) bool {
		return policy.IsGreater(policy.Transform(c.TransformTags, t), currentVersion)
	})

	policy.SortDescending(filtered, c.TransformTags)
	return filtered, nil
}

func segments(numeric string) int {
	return strings.Count(numeric, ".") + 1
}

// keep returns the tags accepted by f in a new slice.
func keep(tags []string, f func(string) bool) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if f(t) {
			out = append(out, t)
		}
	}
	return out
}
