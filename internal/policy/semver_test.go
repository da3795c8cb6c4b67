package policy

import (
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		tag  string
		want string
	}{
		{"1.2.3", "1.2.3"},
		{"v1.2.3", "1.2.3"},
		{"1.10", "1.10.0"},
		{"alpine-3.18", "3.18.0"},
		{"release-1.2.3-rc", "1.2.3"},
		{"0.1.0-rc.1", "0.1.0-rc.1"},
	}
	for _, tc := range cases {
		v := Parse(tc.tag)
		if v == nil {
			t.Fatalf("Parse(%q) returned nil", tc.tag)
		}
		if v.String() != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.tag, v.String(), tc.want)
		}
	}
}

func TestParse_NonSemver(t *testing.T) {
	for _, tag := range []string{"", "latest", "main", "develop"} {
		if v := Parse(tag); v != nil {
			t.Errorf("Parse(%q) = %s, want nil", tag, v)
		}
	}
}

func TestTransform(t *testing.T) {
	cases := []struct {
		formula, tag, want string
	}{
		{"", "1.2.3", "1.2.3"},
		{`^(\d+\.\d+)-.*$ => $1`, "1.2-alpine", "1.2"},
		{`^(\d+)\.(\d+)\.(\d+)-(\d+)$ => $1.$2.$3+$4`, "1.2.3-5", "1.2.3+5"},
		{`^nomatch$ => x`, "1.2.3", "1.2.3"},
		{`no arrow here`, "1.2.3", "1.2.3"},
		{`([ => $1`, "1.2.3", "1.2.3"},
	}
	for _, tc := range cases {
		if got := Transform(tc.formula, tc.tag); got != tc.want {
			t.Errorf("Transform(%q, %q) = %q, want %q", tc.formula, tc.tag, got, tc.want)
		}
	}
}

func TestIsGreater(t *testing.T) {
	if !IsGreater("2.0.0", "1.9.9") {
		t.Fatalf("2.0.0 should be greater than 1.9.9")
	}
	if IsGreater("1.0.0", "1.0.0") {
		t.Fatalf("equal versions are not greater")
	}
	if !IsGreater("0.1.0", "0.1.0-rc.2") {
		t.Fatalf("stable should beat prerelease")
	}
	if IsGreater("latest", "1.0.0") || IsGreater("1.0.0", "latest") {
		t.Fatalf("non-semver tags are never greater")
	}
}

func TestDiff(t *testing.T) {
	cases := []struct {
		from, to, want string
	}{
		{"1.0.0", "2.0.0", DiffMajor},
		{"1.0.0", "1.1.0", DiffMinor},
		{"1.0.0", "1.0.1", DiffPatch},
		{"1.0.0-rc.1", "1.0.0-rc.2", DiffPrerelease},
		{"1.0.0", "1.0.0", DiffUnknown},
		{"latest", "1.0.0", DiffUnknown},
	}
	for _, tc := range cases {
		if got := Diff(tc.from, tc.to); got != tc.want {
			t.Errorf("Diff(%q, %q) = %q, want %q", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSortDescending(t *testing.T) {
	tags := []string{"1.1.0", "v1.2.3", "0.0.4", "1.10.0"}
	SortDescending(tags, "")
	want := []string{"1.10.0", "v1.2.3", "1.1.0", "0.0.4"}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("want %v, got %v", want, tags)
		}
	}
}
