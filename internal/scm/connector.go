// Package scm defines the remote repository contract used by the GitSwarm service: the
// operations it may perform against GitHub on behalf of an installation, the normalized
// shapes those operations return, and the error taxonomy shared across the layer.
// The GitHub implementation lives in the github subpackage.
package scm

import (
	"context"
	"strings"
)

// Connector defines the remote repository operations. Every call is authenticated with the
// installation token passed in; implementations never fetch or cache tokens themselves.
type Connector interface {
	// GetFileContents reads a file at ref (the remote default branch when ref is empty)
	GetFileContents(ctx context.Context, token, slug, path, ref string) (*FileContent, error)

	// GetDirectoryContents lists a directory; a path naming a file yields a one-element list
	GetDirectoryContents(ctx context.Context, token, slug, path, ref string) ([]DirectoryEntry, error)

	// GetTree fetches the tree object for ref
	GetTree(ctx context.Context, token, slug, ref string, recursive bool) (*Tree, error)

	// GetCommits lists commits filtered by branch, path and date window
	GetCommits(ctx context.Context, token, slug string, opts CommitListOptions) ([]Commit, error)

	// GetBranches lists branches
	GetBranches(ctx context.Context, token, slug string) ([]Branch, error)

	// GetPullRequests lists pull requests
	GetPullRequests(ctx context.Context, token, slug string, opts PullRequestListOptions) ([]PullRequest, error)

	// CreateFile commits a new file
	CreateFile(ctx context.Context, token, slug string, file FileWrite) (Payload, error)

	// UpdateFile commits a change to an existing file whose current blob is sha
	UpdateFile(ctx context.Context, token, slug string, file FileWrite, sha string) (Payload, error)

	// CreatePullRequest opens a pull request
	CreatePullRequest(ctx context.Context, token, slug string, pr NewPullRequest) (Payload, error)

	// CreateBranch creates refs/heads/name pointing at fromSHA
	CreateBranch(ctx context.Context, token, slug, name, fromSHA string) (Payload, error)

	// MergePullRequest merges pull request number
	MergePullRequest(ctx context.Context, token, slug string, number int, opts MergeOptions) (Payload, error)
}

// SplitSlug splits an owner/name slug. ok is false when either part is missing.
func SplitSlug(slug string) (owner, name string, ok bool) {
	owner, name, found := strings.Cut(slug, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}
