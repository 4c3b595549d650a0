// Package models - repository.go defines the Repository model: a platform repository mapped
// to a GitHub owner/name slug inside its organization's installation.
package models

import "time"

// Repository represents a platform repository backed by a GitHub repository
type Repository struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"org_id"`
	GitHubFullName string    `db:"github_full_name"` // owner/name
	DefaultBranch  string    `db:"default_branch"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
