package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
)

func TestNormalizeRepo(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://github.com/owner/repo", want: "owner/repo"},
		{in: "git@github.com:owner/repo.git", want: "owner/repo"},
		{in: " owner/repo ", want: "owner/repo"},
		{in: "no-slash-here", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "/repo", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeRepo(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("normalizeRepo(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("normalizeRepo(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestParseGitHubConfig(t *testing.T) {
	cfg, err := parseGitHubConfig(component.Config{"repo": "o/r", "file": "/deploy/compose.yml", "token": "t"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.file != "deploy/compose.yml" || cfg.branch != "main" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	for _, bad := range []component.Config{
		{"repo": "o/r", "token": "t"},
		{"repo": "o/r", "file": "f"},
		{"repo": "o/r", "file": "f", "appid": "x", "installationid": "1", "privatekeyfile": "k"},
		{"repo": "o/r", "file": "f", "token": "t", "pullrequestbase": "main"},
		{"repo": "nope", "file": "f", "token": "t"},
	} {
		if _, err := parseGitHubConfig(bad); !errors.Is(err, errors.BadRequest) {
			t.Errorf("parseGitHubConfig(%v) err = %v, want bad request", bad, err)
		}
	}
}

// fakeGitHub serves the contents and pulls endpoints of one repository.
type fakeGitHub struct {
	mu      sync.Mutex
	content string
	put     struct {
		Message string `json:"message"`
		Content []byte `json:"content"`
		SHA     string `json:"sha"`
		Branch  string `json:"branch"`
	}
	puts  int
	pulls []map[string]any
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/contents/compose.yml", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if got := r.URL.Query().Get("ref"); got != "auspex" {
				t.Errorf("ref = %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"type":     "file",
				"encoding": "base64",
				"path":     "compose.yml",
				"sha":      "abc123",
				"content":  base64.StdEncoding.EncodeToString([]byte(f.content)),
			})
		case http.MethodPut:
			if err := json.NewDecoder(r.Body).Decode(&f.put); err != nil {
				t.Errorf("decode put: %v", err)
			}
			f.puts++
			_ = json.NewEncoder(w).Encode(map[string]any{"commit": map[string]any{"sha": "def456"}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.pulls = append(f.pulls, body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 1, "html_url": "https://github.com/o/r/pull/1"})
	})
	return mux
}

func newGitHubTrigger(t *testing.T, url string, extra component.Config) *GitHub {
	t.Helper()
	rt := newRuntime(t, &fakeEngine{}, true)
	cfg := component.Config{
		"repo":   "https://github.com/o/r",
		"file":   "compose.yml",
		"branch": "auspex",
		"token":  "secret",
		"apiurl": url,
		"auto":   "false",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	c, err := rt.RegisterComponent(context.Background(), component.KindTrigger, "github", "gitops", cfg, "")
	if err != nil {
		t.Fatalf("register github trigger: %v", err)
	}
	return c.(*GitHub)
}

func TestGitHub_CommitsAndOpensPullRequest(t *testing.T) {
	gh := &fakeGitHub{content: twoServices}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	tr := newGitHubTrigger(t, srv.URL, component.Config{"pullrequestbase": "main"})
	err := tr.TriggerBatch(context.Background(), []model.Container{
		nginx("a", "web", "1.10", "1.11"),
		redis("b", "7.0.1", "7.2.0"),
	})
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}

	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.puts != 1 {
		t.Fatalf("puts = %d, want 1", gh.puts)
	}
	want := "services:\n  web:\n    image: nginx:1.11\n  cache:\n    image: redis:7.2.0\n"
	if string(gh.put.Content) != want {
		t.Fatalf("committed content =\n%s", gh.put.Content)
	}
	if gh.put.SHA != "abc123" || gh.put.Branch != "auspex" || gh.put.Message != "2 updates available" {
		t.Fatalf("unexpected commit options %+v", gh.put)
	}
	if len(gh.pulls) != 1 || gh.pulls[0]["head"] != "auspex" || gh.pulls[0]["base"] != "main" {
		t.Fatalf("pulls = %v", gh.pulls)
	}
}

func TestGitHub_NothingToCommit(t *testing.T) {
	gh := &fakeGitHub{content: "services:\n  other:\n    image: busybox:1\n"}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	tr := newGitHubTrigger(t, srv.URL, nil)
	if err := tr.Trigger(context.Background(), nginx("a", "web", "1.10", "1.11")); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.puts != 0 || len(gh.pulls) != 0 {
		t.Fatalf("unexpected writes: puts=%d pulls=%d", gh.puts, len(gh.pulls))
	}
}
