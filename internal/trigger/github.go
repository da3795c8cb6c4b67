package trigger

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/registry"
)

type githubConfig struct {
	repo           string // always "owner/repo" after normalization
	file           string
	branch         string
	prBase         string
	token          string
	appID          int64
	installationID int64
	keyFile        string
	apiURL         string
}

func parseGitHubConfig(cfg component.Config) (githubConfig, error) {
	c := githubConfig{
		file:    strings.TrimPrefix(cfg.Get("file", ""), "/"),
		branch:  cfg.Get("branch", ""),
		prBase:  cfg.Get("pullrequestbase", ""),
		token:   cfg.Get("token", ""),
		keyFile: cfg.Get("privatekeyfile", ""),
		apiURL:  cfg.Get("apiurl", ""),
	}
	repo, err := normalizeRepo(cfg.Get("repo", ""))
	if err != nil {
		return c, errors.BadRequestf("bad repo: %v", err)
	}
	c.repo = repo
	if v := cfg.Get("appid", ""); v != "" {
		if c.appID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, errors.BadRequestf("appid %q is not a number", v)
		}
	}
	if v := cfg.Get("installationid", ""); v != "" {
		if c.installationID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, errors.BadRequestf("installationid %q is not a number", v)
		}
	}
	c.setDefaults()
	return c, c.validate()
}

func (c *githubConfig) setDefaults() {
	if c.branch == "" {
		c.branch = "main"
	}
}

func (c *githubConfig) validate() error {
	if c.file == "" {
		return errors.BadRequestf("file is required")
	}
	if c.token == "" && (c.appID == 0 || c.installationID == 0 || c.keyFile == "") {
		return errors.BadRequestf("token or appid, installationid and privatekeyfile are required")
	}
	if c.prBase == c.branch {
		return errors.BadRequestf("pullrequestbase must differ from branch %s", c.branch)
	}
	return nil
}

// normalizeRepo converts SSH/HTTPS forms into "owner/repo".
func normalizeRepo(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".git")
	switch {
	case strings.HasPrefix(s, "git@github.com:"):
		s = strings.TrimPrefix(s, "git@github.com:")
	case strings.HasPrefix(s, "https://github.com/"):
		s = strings.TrimPrefix(s, "https://github.com/")
	}
	if strings.Count(s, "/") != 1 || strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return "", errors.Errorf("expected owner/repo, got %q", s)
	}
	return s, nil
}

// GitHub commits image updates to a compose file kept in a GitHub
// repository, for deployments reconciled from git.
type GitHub struct {
	Base
	rt  *component.Registry
	cfg githubConfig
	api *github.Client
}

func newGitHub(rt *component.Registry, spec component.Spec) (*GitHub, error) {
	base, err := newBase(spec, false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg, err := parseGitHubConfig(spec.Config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	api, err := newGitHubClient(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &GitHub{Base: base, rt: rt, cfg: cfg, api: api}, nil
}

func newGitHubClient(cfg githubConfig) (*github.Client, error) {
	var hc *http.Client
	if cfg.token == "" {
		itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.appID, cfg.installationID, cfg.keyFile)
		if err != nil {
			return nil, errors.Annotate(err, "github installation transport")
		}
		if cfg.apiURL != "" {
			itr.BaseURL = strings.TrimSuffix(cfg.apiURL, "/")
		}
		hc = &http.Client{Transport: itr}
	}
	api := github.NewClient(hc)
	if cfg.token != "" {
		api = api.WithAuthToken(cfg.token)
	}
	if cfg.apiURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.apiURL, "/") + "/")
		if err != nil {
			return nil, errors.BadRequestf("invalid apiurl %q", cfg.apiURL)
		}
		api.BaseURL = u
	}
	return api, nil
}

func (t *GitHub) owner() string {
	owner, _, _ := strings.Cut(t.cfg.repo, "/")
	return owner
}

func (t *GitHub) repoName() string {
	_, name, _ := strings.Cut(t.cfg.repo, "/")
	return name
}

func (t *GitHub) Trigger(ctx context.Context, c model.Container) error {
	s := t.Settings()
	return t.commit(ctx, []model.Container{c}, s.RenderSimpleTitle(c), s.RenderSimpleBody(c))
}

func (t *GitHub) TriggerBatch(ctx context.Context, cs []model.Container) error {
	s := t.Settings()
	return t.commit(ctx, cs, s.RenderBatchTitle(cs), s.RenderBatchBody(cs))
}

// commit rewrites the image declarations of cs in the repository file and
// commits the result on the configured branch.
func (t *GitHub) commit(ctx context.Context, cs []model.Container, title, body string) error {
	fc, _, _, err := t.api.Repositories.GetContents(ctx, t.owner(), t.repoName(), t.cfg.file,
		&github.RepositoryContentGetOptions{Ref: t.cfg.branch})
	if err != nil {
		return errors.Annotatef(err, "reading %s from %s", t.cfg.file, t.cfg.repo)
	}
	if fc == nil {
		return errors.NotValidf("%s in %s is a directory", t.cfg.file, t.cfg.repo)
	}
	current, err := fc.GetContent()
	if err != nil {
		return errors.Annotatef(err, "decoding %s", t.cfg.file)
	}

	updated := current
	for _, c := range cs {
		p, ok := registry.ByName(t.rt, c.Image.Registry.Name)
		if !ok {
			logger.Warningf("%s: registry %s not found", model.FullName(c), c.Image.Registry.Name)
			continue
		}
		newImage, err := NewImageFullName(p, c)
		if err != nil {
			logger.Warningf("%s: %v", model.FullName(c), err)
			continue
		}
		updated = strings.ReplaceAll(updated, p.GetImageFullName(c.Image, c.Image.Tag.Value), newImage)
	}
	if updated == current {
		logger.Infof("github %s: nothing to commit", t.cfg.repo)
		return nil
	}

	_, _, err = t.api.Repositories.UpdateFile(ctx, t.owner(), t.repoName(), t.cfg.file, &github.RepositoryContentFileOptions{
		Message: github.String(title),
		Content: []byte(updated),
		SHA:     fc.SHA,
		Branch:  github.String(t.cfg.branch),
	})
	if err != nil {
		return errors.Annotatef(err, "committing %s to %s", t.cfg.file, t.cfg.repo)
	}
	logger.Infof("github %s: committed %s on %s", t.cfg.repo, t.cfg.file, t.cfg.branch)

	if t.cfg.prBase == "" {
		return nil
	}
	pr, _, err := t.api.PullRequests.Create(ctx, t.owner(), t.repoName(), &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(t.cfg.branch),
		Base:  github.String(t.cfg.prBase),
		Body:  github.String(body),
	})
	if err != nil {
		// an open pull request for the branch already carries the commit
		logger.Warningf("github %s: create PR: %v", t.cfg.repo, err)
		return nil
	}
	logger.Infof("github %s: opened PR %s", t.cfg.repo, pr.GetHTMLURL())
	return nil
}
