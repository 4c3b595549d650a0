// Package models - organization.go defines the Organization model: a tenant of the platform
// bound to one GitHub App installation.
package models

import "time"

// OrganizationStatusActive is the only status for which installation tokens are issued
const OrganizationStatusActive = "active"

// Organization represents a platform organization linked to a GitHub App installation
type Organization struct {
	ID                   string    `db:"id"`
	Status               string    `db:"status"`
	GitHubInstallationID int64     `db:"github_installation_id"`
	GitHubOrgName        string    `db:"github_org_name"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

// IsActive reports whether the organization may obtain installation tokens
func (o *Organization) IsActive() bool {
	return o.Status == OrganizationStatusActive
}
