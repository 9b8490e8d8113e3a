// Package github records cumulative release asset download counts of
// source repositories.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	gh "github.com/google/go-github/v61/github"

	"dlmetrics/internal/domain"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/util"
)

// Name is the dataset and source identifier.
const Name = "github"

const perPage = 100

// Config holds the client settings of a Source.
type Config struct {
	Token   string
	BaseURL string // empty for api.github.com
	Timeout time.Duration

	// Ecosystems maps an ecosystem name to the "org/repo" names it owns.
	Ecosystems map[string][]string
}

// Source lists the releases of every tracked repository.
type Source struct {
	client     *gh.Client
	ecosystems map[string][]string
	limiter    *util.RateLimiter
	clock      quartz.Clock
	log        *slog.Logger
}

var _ gather.Source[domain.ReleaseDownloads] = (*Source)(nil)

// NewSource creates a Source. A nil limiter does not throttle.
func NewSource(cfg Config, limiter *util.RateLimiter, clock quartz.Clock, log *slog.Logger) (*Source, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := gh.NewClient(&http.Client{Timeout: timeout})
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github base url: %w", err)
		}
		client.BaseURL = u
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		client:     client,
		ecosystems: cfg.Ecosystems,
		limiter:    limiter,
		clock:      clock,
		log:        log.With("source", Name),
	}, nil
}

// Name implements gather.Source.
func (s *Source) Name() string { return Name }

// Windowed implements gather.Source. Release counts are cumulative, so
// the window does not apply.
func (s *Source) Windowed() bool { return false }

// Repositories returns every configured repository, sorted and unique.
func (s *Source) Repositories() []string {
	seen := make(map[string]bool)
	var repos []string
	for _, list := range s.ecosystems {
		for _, r := range list {
			if !seen[r] {
				seen[r] = true
				repos = append(repos, r)
			}
		}
	}
	sort.Strings(repos)
	return repos
}

// Fetch lists the releases of each requested repository and emits one row
// per release tag and ecosystem. A repository without releases, or one
// that does not exist, yields a single zero row. A dry run lists every
// release the same way but returns no rows.
func (s *Source) Fetch(ctx context.Context, repos []string, _ gather.Window, dryRun bool) ([]domain.ReleaseDownloads, error) {
	owners := s.ecosystemsOf(repos)
	now := s.clock.Now("github", "fetch").UTC()

	var rows []domain.ReleaseDownloads
	for _, orgRepo := range repos {
		releases, err := s.listReleases(ctx, orgRepo)
		if err != nil {
			return nil, gather.Unavailable(Name, orgRepo, err)
		}
		for _, eco := range owners[orgRepo] {
			if len(releases) == 0 {
				rows = append(rows, domain.ReleaseDownloads{Timestamp: now, Ecosystem: eco, OrgRepo: orgRepo})
				continue
			}
			for _, rel := range releases {
				rows = append(rows, domain.ReleaseDownloads{
					Timestamp:     now,
					Ecosystem:     eco,
					OrgRepo:       orgRepo,
					TagName:       rel.GetTagName(),
					Prerelease:    rel.GetPrerelease(),
					CreatedAt:     rel.GetCreatedAt().Time.UTC(),
					DownloadCount: assetDownloads(rel),
				})
			}
		}
	}
	s.log.Info("releases listed", "repositories", len(repos), "rows", len(rows), "dry_run", dryRun)
	if dryRun {
		return nil, nil
	}
	return rows, nil
}

// ecosystemsOf maps each repository to the ecosystems that list it. A
// repository outside every ecosystem maps to the empty ecosystem.
func (s *Source) ecosystemsOf(repos []string) map[string][]string {
	names := make([]string, 0, len(s.ecosystems))
	for name := range s.ecosystems {
		names = append(names, name)
	}
	sort.Strings(names)

	owners := make(map[string][]string, len(repos))
	for _, name := range names {
		for _, r := range s.ecosystems[name] {
			owners[r] = append(owners[r], name)
		}
	}
	for _, r := range repos {
		if len(owners[r]) == 0 {
			owners[r] = []string{""}
		}
	}
	return owners
}

// listReleases follows pagination to exhaustion. A missing repository
// returns no releases and no error.
func (s *Source) listReleases(ctx context.Context, orgRepo string) ([]*gh.RepositoryRelease, error) {
	owner, repo, ok := strings.Cut(orgRepo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository %q is not in org/repo form", orgRepo)
	}

	var all []*gh.RepositoryRelease
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, resp, err := s.client.Repositories.ListReleases(ctx, owner, repo, opts)
		if isNotFound(resp, err) {
			s.log.Warn("repository does not exist, skipping", "repository", orgRepo)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing releases page %d: %w", max(opts.Page, 1), err)
		}
		all = append(all, page...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func isNotFound(resp *gh.Response, err error) bool {
	if err == nil {
		return false
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode == http.StatusNotFound
	}
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func assetDownloads(rel *gh.RepositoryRelease) int64 {
	var n int64
	for _, a := range rel.Assets {
		n += int64(a.GetDownloadCount())
	}
	return n
}
