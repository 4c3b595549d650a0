package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/mo"

	"github.com/gitswarm/gitswarm/internal/db/models"
	"github.com/gitswarm/gitswarm/internal/scm"
)

const (
	orgA      = "0b8f3c1e-7d2a-4c5b-9e1f-00000000000a"
	orgB      = "0b8f3c1e-7d2a-4c5b-9e1f-00000000000b"
	orgDown   = "0b8f3c1e-7d2a-4c5b-9e1f-0000000000dd"
	repoA1    = "4f2d6a80-1111-4a7e-8c3d-0000000000a1"
	repoA2    = "4f2d6a80-1111-4a7e-8c3d-0000000000a2"
	repoB1    = "4f2d6a80-1111-4a7e-8c3d-0000000000b1"
	missingID = "4f2d6a80-1111-4a7e-8c3d-ffffffffffff"
)

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

type fakeOrgStore struct {
	mu    sync.Mutex
	orgs  map[string]*models.Organization
	calls int
	err   error
}

func (s *fakeOrgStore) GetByID(_ context.Context, id string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	org, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	copied := *org
	return &copied, nil
}

func (s *fakeOrgStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeRepoStore struct {
	mu    sync.Mutex
	repos map[string]*models.Repository
	calls int
	err   error
}

func (s *fakeRepoStore) GetByID(_ context.Context, id string) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	repo, ok := s.repos[id]
	if !ok {
		return nil, nil
	}
	copied := *repo
	return &copied, nil
}

func newStores() (*fakeOrgStore, *fakeRepoStore) {
	orgs := &fakeOrgStore{orgs: map[string]*models.Organization{
		orgA:    {ID: orgA, Status: "active", GitHubInstallationID: 111, GitHubOrgName: "acme"},
		orgB:    {ID: orgB, Status: "active", GitHubInstallationID: 222, GitHubOrgName: "globex"},
		orgDown: {ID: orgDown, Status: "suspended", GitHubInstallationID: 333, GitHubOrgName: "initech"},
	}}
	repos := &fakeRepoStore{repos: map[string]*models.Repository{
		repoA1: {ID: repoA1, OrganizationID: orgA, GitHubFullName: "acme/widgets", DefaultBranch: "main"},
		repoA2: {ID: repoA2, OrganizationID: orgA, GitHubFullName: "acme/gadgets", DefaultBranch: "trunk"},
		repoB1: {ID: repoB1, OrganizationID: orgB, GitHubFullName: "globex/plans", DefaultBranch: "main"},
	}}
	return orgs, repos
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---------------------------------------------------------------------------
// Issuer
// ---------------------------------------------------------------------------

// fakeIssuer mints "<installation>-t<n>" tokens valid for ttl from the fake clock.
// A zero ttl issues tokens without an expiry.
type fakeIssuer struct {
	clock *fakeClock
	ttl   time.Duration
	err   error
	delay time.Duration

	calls   atomic.Int32
	mu      sync.Mutex
	perInst map[int64]int
}

func newFakeIssuer(clock *fakeClock, ttl time.Duration) *fakeIssuer {
	return &fakeIssuer{clock: clock, ttl: ttl, perInst: map[int64]int{}}
}

func (f *fakeIssuer) IssueInstallationToken(ctx context.Context, installationID int64) (*scm.IssuedToken, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	f.perInst[installationID]++
	n := f.perInst[installationID]
	f.mu.Unlock()

	token := fmt.Sprintf("%d-t%d", installationID, n)
	if f.ttl == 0 {
		return scm.BareToken(token), nil
	}
	return &scm.IssuedToken{Token: token, ExpiresAt: mo.Some(f.clock.Now().Add(f.ttl))}, nil
}

func (f *fakeIssuer) Calls() int { return int(f.calls.Load()) }

// ---------------------------------------------------------------------------
// Connector
// ---------------------------------------------------------------------------

type connectorCall struct {
	Op    string
	Token string
	Slug  string
	Path  string
	Ref   string
	Extra interface{}
}

// fakeConnector records every call and answers with canned values
type fakeConnector struct {
	mu    sync.Mutex
	calls []connectorCall
	err   error
}

var _ scm.Connector = (*fakeConnector)(nil)

func (f *fakeConnector) record(c connectorCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeConnector) Calls() []connectorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectorCall(nil), f.calls...)
}

func (f *fakeConnector) last() connectorCall {
	calls := f.Calls()
	if len(calls) == 0 {
		return connectorCall{}
	}
	return calls[len(calls)-1]
}

func (f *fakeConnector) GetFileContents(_ context.Context, token, slug, path, ref string) (*scm.FileContent, error) {
	if err := f.record(connectorCall{Op: "get_file_contents", Token: token, Slug: slug, Path: path, Ref: ref}); err != nil {
		return nil, err
	}
	return &scm.FileContent{Content: "hello", SHA: "s1", Encoding: "base64", Size: 5, Path: path}, nil
}

func (f *fakeConnector) GetDirectoryContents(_ context.Context, token, slug, path, ref string) ([]scm.DirectoryEntry, error) {
	if err := f.record(connectorCall{Op: "get_directory_contents", Token: token, Slug: slug, Path: path, Ref: ref}); err != nil {
		return nil, err
	}
	return []scm.DirectoryEntry{{Name: "a", Path: path + "/a", Type: "file"}}, nil
}

func (f *fakeConnector) GetTree(_ context.Context, token, slug, ref string, recursive bool) (*scm.Tree, error) {
	if err := f.record(connectorCall{Op: "get_tree", Token: token, Slug: slug, Ref: ref, Extra: recursive}); err != nil {
		return nil, err
	}
	return &scm.Tree{SHA: "t1"}, nil
}

func (f *fakeConnector) GetCommits(_ context.Context, token, slug string, opts scm.CommitListOptions) ([]scm.Commit, error) {
	if err := f.record(connectorCall{Op: "get_commits", Token: token, Slug: slug, Extra: opts}); err != nil {
		return nil, err
	}
	return []scm.Commit{{SHA: "c1"}}, nil
}

func (f *fakeConnector) GetBranches(_ context.Context, token, slug string) ([]scm.Branch, error) {
	if err := f.record(connectorCall{Op: "get_branches", Token: token, Slug: slug}); err != nil {
		return nil, err
	}
	return []scm.Branch{{Name: "main", SHA: "m1"}}, nil
}

func (f *fakeConnector) GetPullRequests(_ context.Context, token, slug string, opts scm.PullRequestListOptions) ([]scm.PullRequest, error) {
	if err := f.record(connectorCall{Op: "get_pull_requests", Token: token, Slug: slug, Extra: opts}); err != nil {
		return nil, err
	}
	return []scm.PullRequest{{Number: 1}}, nil
}

func (f *fakeConnector) CreateFile(_ context.Context, token, slug string, file scm.FileWrite) (scm.Payload, error) {
	if err := f.record(connectorCall{Op: "create_file", Token: token, Slug: slug, Path: file.Path, Extra: file}); err != nil {
		return nil, err
	}
	return scm.Payload{"commit": map[string]interface{}{"sha": "c2"}}, nil
}

func (f *fakeConnector) UpdateFile(_ context.Context, token, slug string, file scm.FileWrite, sha string) (scm.Payload, error) {
	if err := f.record(connectorCall{Op: "update_file", Token: token, Slug: slug, Path: file.Path, Ref: sha, Extra: file}); err != nil {
		return nil, err
	}
	return scm.Payload{"commit": map[string]interface{}{"sha": "c3"}}, nil
}

func (f *fakeConnector) CreatePullRequest(_ context.Context, token, slug string, pr scm.NewPullRequest) (scm.Payload, error) {
	if err := f.record(connectorCall{Op: "create_pull_request", Token: token, Slug: slug, Extra: pr}); err != nil {
		return nil, err
	}
	return scm.Payload{"number": 9}, nil
}

func (f *fakeConnector) CreateBranch(_ context.Context, token, slug, name, fromSHA string) (scm.Payload, error) {
	if err := f.record(connectorCall{Op: "create_branch", Token: token, Slug: slug, Path: name, Ref: fromSHA}); err != nil {
		return nil, err
	}
	return scm.Payload{"ref": "refs/heads/" + name}, nil
}

func (f *fakeConnector) MergePullRequest(_ context.Context, token, slug string, number int, opts scm.MergeOptions) (scm.Payload, error) {
	if err := f.record(connectorCall{Op: "merge_pull_request", Token: token, Slug: slug, Extra: opts}); err != nil {
		return nil, err
	}
	return scm.Payload{"merged": true, "number": number}, nil
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

type fixture struct {
	orgs      *fakeOrgStore
	repos     *fakeRepoStore
	clock     *fakeClock
	issuer    *fakeIssuer
	cache     *TokenCache
	connector *fakeConnector
	svc       *GitSwarmService
}

func newFixture(ttl time.Duration) *fixture {
	orgs, repos := newStores()
	clock := newFakeClock()
	issuer := newFakeIssuer(clock, ttl)
	resolver := NewResolver(orgs, repos)
	cache := NewTokenCache(resolver, issuer, WithClock(clock.Now))
	connector := &fakeConnector{}
	svc, err := NewGitSwarmService(resolver, cache, connector, "")
	if err != nil {
		panic(err)
	}
	return &fixture{orgs: orgs, repos: repos, clock: clock, issuer: issuer, cache: cache, connector: connector, svc: svc}
}
