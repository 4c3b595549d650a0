package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gitswarm/gitswarm/internal/scm"
)

const defaultWebURL = "https://github.com"

// RepositoryResolver resolves platform repository IDs
type RepositoryResolver interface {
	ResolveRepository(ctx context.Context, repoID string) (*RepoMetadata, error)
}

// TokenSource hands out installation tokens per organization and owns their invalidation
type TokenSource interface {
	Token(ctx context.Context, orgID string) (string, error)
	ClearOne(orgID string)
	ClearAll()
}

// CloneAccess is repository metadata plus a credential-bearing clone URL. CloneURL and Token
// are live credentials valid as long as the installation token; never log or persist them.
type CloneAccess struct {
	Repository RepoMetadata `json:"repository"`
	CloneURL   string       `json:"clone_url"`
	Token      string       `json:"token"`
}

// LogValue keeps the credential out of structured logs
func (c CloneAccess) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("repo_id", c.Repository.ID),
		slog.String("slug", c.Repository.Slug),
		slog.String("clone_url", "[REDACTED]"),
		slog.String("token", "[REDACTED]"),
	)
}

// GitSwarmService is the facade over resolver, token cache and GitHub client.
// Repository operations resolve the repository, obtain the token of its organization and
// make the remote call; errors are returned unchanged and nothing is retried.
type GitSwarmService struct {
	repos  RepositoryResolver
	tokens TokenSource
	client scm.Connector
	web    *url.URL
}

// NewGitSwarmService wires the service. webURL is the GitHub host used in clone URLs
// (https://github.com when empty).
func NewGitSwarmService(repos RepositoryResolver, tokens TokenSource, client scm.Connector, webURL string) (*GitSwarmService, error) {
	if webURL == "" {
		webURL = defaultWebURL
	}
	if !strings.Contains(webURL, "://") {
		webURL = "https://" + webURL
	}
	web, err := url.Parse(strings.TrimRight(webURL, "/"))
	if err != nil || web.Host == "" {
		return nil, fmt.Errorf("invalid github web url %q", webURL)
	}

	return &GitSwarmService{
		repos:  repos,
		tokens: tokens,
		client: client,
		web:    web,
	}, nil
}

// === Token operations ===

// GetInstallationToken returns a valid installation token for an organization
func (s *GitSwarmService) GetInstallationToken(ctx context.Context, orgID string) (string, error) {
	return s.tokens.Token(ctx, orgID)
}

// GetTokenForRepo returns the installation token of the organization owning a repository
func (s *GitSwarmService) GetTokenForRepo(ctx context.Context, repoID string) (string, error) {
	_, token, err := s.access(ctx, repoID)
	return token, err
}

// GetRepoWithCloneAccess returns repository metadata with an authenticated clone URL
func (s *GitSwarmService) GetRepoWithCloneAccess(ctx context.Context, repoID string) (*CloneAccess, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}

	owner, name, ok := scm.SplitSlug(repo.Slug)
	if !ok {
		return nil, fmt.Errorf("repository %s has malformed slug %q: %w", repoID, repo.Slug, scm.ErrInvalidArgument)
	}

	clone := url.URL{
		Scheme: s.web.Scheme,
		User:   url.UserPassword("x-access-token", token),
		Host:   s.web.Host,
		Path:   s.web.Path + "/" + owner + "/" + name + ".git",
	}

	return &CloneAccess{
		Repository: *repo,
		CloneURL:   clone.String(),
		Token:      token,
	}, nil
}

// ClearTokenCache drops the cached token of one organization
func (s *GitSwarmService) ClearTokenCache(orgID string) {
	s.tokens.ClearOne(orgID)
	slog.Info("installation token cache cleared", "org_id", orgID)
}

// ClearAllTokenCache drops every cached token
func (s *GitSwarmService) ClearAllTokenCache() {
	s.tokens.ClearAll()
	slog.Info("installation token cache cleared for all organizations")
}

// === Read operations ===

// GetFileContents reads a file; ref defaults to the repository's default branch
func (s *GitSwarmService) GetFileContents(ctx context.Context, repoID, path, ref string) (*scm.FileContent, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.client.GetFileContents(ctx, token, repo.Slug, path, orDefault(ref, repo.DefaultBranch))
}

// GetDirectoryContents lists a directory; ref defaults to the repository's default branch
func (s *GitSwarmService) GetDirectoryContents(ctx context.Context, repoID, path, ref string) ([]scm.DirectoryEntry, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.client.GetDirectoryContents(ctx, token, repo.Slug, path, orDefault(ref, repo.DefaultBranch))
}

// GetTree fetches the tree at ref; ref defaults to the repository's default branch
func (s *GitSwarmService) GetTree(ctx context.Context, repoID, ref string, recursive bool) (*scm.Tree, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.client.GetTree(ctx, token, repo.Slug, orDefault(ref, repo.DefaultBranch), recursive)
}

// GetCommits lists commits
func (s *GitSwarmService) GetCommits(ctx context.Context, repoID string, opts scm.CommitListOptions) ([]scm.Commit, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.client.GetCommits(ctx, token, repo.Slug, opts)
}

// GetBranches lists branches
func (s *GitSwarmService) GetBranches(ctx context.Context, repoID string) ([]scm.Branch, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.client.GetBranches(ctx, token, repo.Slug)
}

// GetPullRequests lists pull requests
func (s *GitSwarmService) GetPullRequests(ctx context.Context, repoID string, opts scm.PullRequestListOptions) ([]scm.PullRequest, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.client.GetPullRequests(ctx, token, repo.Slug, opts)
}

// === Write operations ===

// CreateFile commits a new file; the branch defaults to the repository's default branch
func (s *GitSwarmService) CreateFile(ctx context.Context, repoID string, file scm.FileWrite) (scm.Payload, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	file.Branch = orDefault(file.Branch, repo.DefaultBranch)

	payload, err := s.client.CreateFile(ctx, token, repo.Slug, file)
	s.logWrite("create_file", repo, err)
	return payload, err
}

// UpdateFile commits new content for an existing file whose current blob is sha.
// An empty sha is rejected before any lookup or remote call.
func (s *GitSwarmService) UpdateFile(ctx context.Context, repoID string, file scm.FileWrite, sha string) (scm.Payload, error) {
	if strings.TrimSpace(sha) == "" {
		return nil, scm.ErrSHARequired
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	file.Branch = orDefault(file.Branch, repo.DefaultBranch)

	payload, err := s.client.UpdateFile(ctx, token, repo.Slug, file, sha)
	s.logWrite("update_file", repo, err)
	return payload, err
}

// CreatePullRequest opens a pull request; base defaults to the repository's default branch
func (s *GitSwarmService) CreatePullRequest(ctx context.Context, repoID string, pr scm.NewPullRequest) (scm.Payload, error) {
	if pr.Title == "" || pr.Head == "" {
		return nil, fmt.Errorf("pull request title and head are required: %w", scm.ErrInvalidArgument)
	}
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}
	pr.Base = orDefault(pr.Base, repo.DefaultBranch)

	payload, err := s.client.CreatePullRequest(ctx, token, repo.Slug, pr)
	s.logWrite("create_pull_request", repo, err)
	return payload, err
}

// CreateBranch creates a branch pointing at fromSHA
func (s *GitSwarmService) CreateBranch(ctx context.Context, repoID, name, fromSHA string) (scm.Payload, error) {
	if name == "" || fromSHA == "" {
		return nil, fmt.Errorf("branch name and source sha are required: %w", scm.ErrInvalidArgument)
	}
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}

	payload, err := s.client.CreateBranch(ctx, token, repo.Slug, name, fromSHA)
	s.logWrite("create_branch", repo, err)
	return payload, err
}

// MergePullRequest merges a pull request
func (s *GitSwarmService) MergePullRequest(ctx context.Context, repoID string, number int, opts scm.MergeOptions) (scm.Payload, error) {
	repo, token, err := s.access(ctx, repoID)
	if err != nil {
		return nil, err
	}

	payload, err := s.client.MergePullRequest(ctx, token, repo.Slug, number, opts)
	s.logWrite("merge_pull_request", repo, err)
	return payload, err
}

// Helper methods

// access resolves a repository and obtains the token of its organization
func (s *GitSwarmService) access(ctx context.Context, repoID string) (*RepoMetadata, string, error) {
	repo, err := s.repos.ResolveRepository(ctx, repoID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.tokens.Token(ctx, repo.OrganizationID)
	if err != nil {
		return nil, "", err
	}
	return repo, token, nil
}

func (s *GitSwarmService) logWrite(operation string, repo *RepoMetadata, err error) {
	if err != nil {
		slog.Warn("github write failed",
			"operation", operation, "repo_id", repo.ID, "slug", repo.Slug, "error", err)
		return
	}
	slog.Info("github write completed", "operation", operation, "repo_id", repo.ID, "slug", repo.Slug)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
