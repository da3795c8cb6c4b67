package policy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("auspex.policy")

// coercePattern picks the first "x[.y[.z]]" run out of a tag like "alpine-3.18" or "release-1.2.3-rc".
var coercePattern = regexp.MustCompile(`(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// Semver diff levels reported by Diff.
const (
	DiffMajor      = "major"
	DiffMinor      = "minor"
	DiffPatch      = "patch"
	DiffPrerelease = "prerelease"
	DiffUnknown    = "unknown"
)

// Parse returns the semantic version carried by a tag, or nil when the tag has none.
// Strict parsing is tried first ("v1.2.3", "1.10"); otherwise the first numeric run is coerced.
func Parse(tag string) *semver.Version {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil
	}
	if v, err := semver.NewVersion(tag); err == nil {
		return v
	}
	m := coercePattern.FindStringSubmatch(tag)
	if len(m) == 0 {
		return nil
	}
	parts := []string{m[1], "0", "0"}
	if m[2] != "" {
		parts[1] = m[2]
	}
	if m[3] != "" {
		parts[2] = m[3]
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil
	}
	return v
}

// Transform applies a "regex => replacement" formula to a tag.
// Replacement may reference capture groups as $1, $2...
// A missing, malformed or non-matching formula leaves the tag untouched.
func Transform(formula, tag string) string {
	if strings.TrimSpace(formula) == "" {
		return tag
	}
	pattern, replacement, ok := strings.Cut(formula, "=>")
	if !ok {
		logger.Warningf("invalid tag transform %q (expected \"regex => replacement\")", formula)
		return tag
	}
	re, err := regexp.Compile(strings.TrimSpace(pattern))
	if err != nil {
		logger.Warningf("invalid tag transform regex %q: %v", pattern, err)
		return tag
	}
	groups := re.FindStringSubmatch(tag)
	if groups == nil {
		return tag
	}
	out := strings.TrimSpace(replacement)
	// replace higher group numbers first so $1 never eats the prefix of $10
	for i := len(groups) - 1; i >= 0; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), groups[i])
	}
	return out
}

// IsGreater reports whether version a is strictly greater than version b.
// Tags that do not parse are never greater.
func IsGreater(a, b string) bool {
	va, vb := Parse(a), Parse(b)
	if va == nil || vb == nil {
		return false
	}
	return va.GreaterThan(vb)
}

// Diff classifies the change between two versions.
func Diff(from, to string) string {
	vf, vt := Parse(from), Parse(to)
	if vf == nil || vt == nil {
		return DiffUnknown
	}
	switch {
	case vf.Major() != vt.Major():
		return DiffMajor
	case vf.Minor() != vt.Minor():
		return DiffMinor
	case vf.Patch() != vt.Patch():
		return DiffPatch
	case vf.Prerelease() != vt.Prerelease():
		return DiffPrerelease
	}
	return DiffUnknown
}

// SortDescending sorts tags by version, highest first, comparing the transformed value.
func SortDescending(tags []string, formula string) {
	sort.SliceStable(tags, func(i, j int) bool {
		return IsGreater(Transform(formula, tags[i]), Transform(formula, tags[j]))
	})
}
