package model

import "testing"

func semverContainer(current, remote string) Container {
	return Container{
		ID:      "c1",
		Name:    "web",
		Watcher: "local",
		Image: Image{
			Name: "library/nginx",
			Tag:  Tag{Value: current, Semver: true},
		},
		Result: &Result{Tag: remote},
	}
}

func TestRefresh_TagUpdate(t *testing.T) {
	cases := []struct {
		current, remote, diff string
	}{
		{"1.0.0", "2.0.0", "major"},
		{"1.0.0", "1.1.0", "minor"},
		{"1.0.0", "1.0.1", "patch"},
		{"1.10", "1.11", "minor"},
	}
	for _, tc := range cases {
		c := semverContainer(tc.current, tc.remote)
		c.Refresh()
		if !c.UpdateAvailable {
			t.Fatalf("%s -> %s: expected update available", tc.current, tc.remote)
		}
		if c.UpdateKind.Kind != KindTag || c.UpdateKind.SemverDiff != tc.diff {
			t.Errorf("%s -> %s: got kind=%s diff=%s, want tag/%s",
				tc.current, tc.remote, c.UpdateKind.Kind, c.UpdateKind.SemverDiff, tc.diff)
		}
	}
}

func TestRefresh_NoUpdate(t *testing.T) {
	c := semverContainer("1.0.0", "1.0.0")
	c.Refresh()
	if c.UpdateAvailable {
		t.Fatalf("same tag must not be an update")
	}
	if c.UpdateKind.Kind != KindUnknown {
		t.Fatalf("want unknown kind, got %s", c.UpdateKind.Kind)
	}

	c.Result = nil
	c.Refresh()
	if c.UpdateAvailable {
		t.Fatalf("no result must not be an update")
	}
}

func TestRefresh_DigestUpdate(t *testing.T) {
	c := Container{
		Image: Image{
			Tag:    Tag{Value: "latest"},
			Digest: Digest{Watch: true, Value: "sha256:aaa", Repo: "sha256:repo"},
		},
		Result: &Result{Tag: "latest", Digest: "sha256:bbb"},
	}
	c.Refresh()
	if !c.UpdateAvailable {
		t.Fatalf("digest change must be an update")
	}
	if c.UpdateKind.Kind != KindDigest || c.UpdateKind.LocalValue != "sha256:aaa" || c.UpdateKind.RemoteValue != "sha256:bbb" {
		t.Fatalf("unexpected update kind %+v", c.UpdateKind)
	}
}

func TestRefresh_TransformedTagsEqual(t *testing.T) {
	c := semverContainer("1.2-alpine", "1.2")
	c.TransformTags = `^(\d+\.\d+).*$ => $1`
	c.Refresh()
	if c.UpdateAvailable {
		t.Fatalf("tags equal after transform must not be an update")
	}
}

func TestRemoteID(t *testing.T) {
	c := Container{ID: "edge:abc123", Agent: "edge"}
	if got := c.RemoteID(); got != "abc123" {
		t.Fatalf("RemoteID = %q", got)
	}
	local := Container{ID: "abc123"}
	if got := local.RemoteID(); got != "abc123" {
		t.Fatalf("RemoteID (local) = %q", got)
	}
}

func TestClone_IsDeep(t *testing.T) {
	c := semverContainer("1.0.0", "2.0.0")
	c.Labels = map[string]string{"a": "1"}
	cp := c.Clone()
	cp.Labels["a"] = "2"
	cp.Result.Tag = "3.0.0"
	if c.Labels["a"] != "1" || c.Result.Tag != "2.0.0" {
		t.Fatalf("clone shares state with original")
	}
}

func TestResultChanged(t *testing.T) {
	if ResultChanged(nil, nil) {
		t.Fatalf("nil/nil is not a change")
	}
	if !ResultChanged(nil, &Result{Tag: "1"}) {
		t.Fatalf("first result is a change")
	}
	if ResultChanged(&Result{Tag: "1", Link: "a"}, &Result{Tag: "1", Link: "b"}) {
		t.Fatalf("link alone is not a change")
	}
	if !ResultChanged(&Result{Tag: "1", Digest: "x"}, &Result{Tag: "1", Digest: "y"}) {
		t.Fatalf("digest change is a change")
	}
}
