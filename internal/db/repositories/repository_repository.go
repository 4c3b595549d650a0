// repository_repository.go implements RepositoryRepository, the read-only lookup of platform
// repositories and the GitHub slug each one maps to.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gitswarm/gitswarm/internal/db/models"
)

// RepositoryRepository handles database operations for repositories
type RepositoryRepository struct {
	db *sqlx.DB
}

// NewRepositoryRepository creates a new repository repository
func NewRepositoryRepository(db *sqlx.DB) *RepositoryRepository {
	return &RepositoryRepository{db: db}
}

// GetByID retrieves a repository by ID. Returns nil, nil when no row matches.
func (r *RepositoryRepository) GetByID(ctx context.Context, id string) (*models.Repository, error) {
	query := `
		SELECT id, org_id, github_full_name, default_branch, created_at, updated_at
		FROM repositories
		WHERE id = $1
	`

	var repo models.Repository
	err := r.db.GetContext(ctx, &repo, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &repo, nil
}
