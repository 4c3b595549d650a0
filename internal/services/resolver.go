// Package services implements the GitSwarm business logic that coordinates the metadata
// store, the installation token cache and the GitHub client: resolving platform IDs to
// installations and repository slugs, caching installation tokens per organization, and
// exposing every remote repository operation keyed by platform repository ID.
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/internal/db/models"
	"github.com/gitswarm/gitswarm/internal/scm"
)

// OrganizationStore reads organization rows. A missing row is nil, nil.
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*models.Organization, error)
}

// RepositoryStore reads repository rows. A missing row is nil, nil.
type RepositoryStore interface {
	GetByID(ctx context.Context, id string) (*models.Repository, error)
}

// RepoMetadata is what the service needs to act on a repository remotely
type RepoMetadata struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	OrganizationID string `json:"organization_id"`
	DefaultBranch  string `json:"default_branch"`
}

// Resolver maps platform organization and repository IDs to GitHub installations and slugs.
// Every call reads the store; nothing is cached here.
type Resolver struct {
	orgs  OrganizationStore
	repos RepositoryStore
}

// NewResolver creates a resolver over the given stores
func NewResolver(orgs OrganizationStore, repos RepositoryStore) *Resolver {
	return &Resolver{orgs: orgs, repos: repos}
}

// ResolveRepository returns the slug, owning organization and default branch of a repository
func (r *Resolver) ResolveRepository(ctx context.Context, repoID string) (*RepoMetadata, error) {
	if _, err := uuid.Parse(repoID); err != nil {
		return nil, fmt.Errorf("repository %q: %w", repoID, scm.ErrNotFound)
	}

	repo, err := r.repos.GetByID(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("resolve repository %s: %w", repoID, err)
	}
	if repo == nil {
		return nil, fmt.Errorf("repository %s: %w", repoID, scm.ErrNotFound)
	}

	return &RepoMetadata{
		ID:             repo.ID,
		Slug:           repo.GitHubFullName,
		OrganizationID: repo.OrganizationID,
		DefaultBranch:  repo.DefaultBranch,
	}, nil
}

// ResolveInstallation returns the GitHub App installation ID of an active organization
func (r *Resolver) ResolveInstallation(ctx context.Context, orgID string) (int64, error) {
	if _, err := uuid.Parse(orgID); err != nil {
		return 0, fmt.Errorf("organization %q: %w", orgID, scm.ErrNotFound)
	}

	org, err := r.orgs.GetByID(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("resolve organization %s: %w", orgID, err)
	}
	if org == nil {
		return 0, fmt.Errorf("organization %s: %w", orgID, scm.ErrNotFound)
	}
	if !org.IsActive() {
		return 0, fmt.Errorf("organization %s has status %q: %w", orgID, org.Status, scm.ErrInactive)
	}

	return org.GitHubInstallationID, nil
}
