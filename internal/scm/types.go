// types.go declares the normalized projections of GitHub repository data returned to callers,
// together with the option and input structs of the supported remote operations.
package scm

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultPerPage is used by list operations when no page size is given
	DefaultPerPage = 30
	// MaxPerPage is the largest page size GitHub accepts
	MaxPerPage = 100

	DefaultMergeMethod = "squash"
)

// Payload is a GitHub response passed through to the caller unchanged
type Payload = map[string]interface{}

// FileContent is a single file read from a repository, with its content decoded
type FileContent struct {
	Content  string `json:"content"`
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// DirectoryEntry is one item of a directory listing
type DirectoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// TreeEntry is one blob or subtree of a git tree
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
	Mode string `json:"mode"`
}

// Tree is a git tree object
type Tree struct {
	SHA       string      `json:"sha"`
	Truncated bool        `json:"truncated"`
	Tree      []TreeEntry `json:"tree"`
}

// Signature identifies the author or committer of a commit
type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

// Commit represents a Git commit
type Commit struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    Signature `json:"author"`
	Committer Signature `json:"committer"`
	URL       string    `json:"url"`
}

// Branch represents a Git branch
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
}

// GitRef is the ref name and commit of a pull request side
type GitRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest represents a GitHub pull request
type PullRequest struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Body      string     `json:"body"`
	URL       string     `json:"url"`
	Head      GitRef     `json:"head"`
	Base      GitRef     `json:"base"`
	User      string     `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	Draft     bool       `json:"draft"`
}

// CommitListOptions filters a commit listing. Zero values are omitted from the query.
type CommitListOptions struct {
	SHA     string
	Path    string
	Since   *time.Time
	Until   *time.Time
	PerPage int
}

// PullRequestListOptions filters a pull request listing. Empty fields take GitHub's
// documented defaults: open, created, desc, 30 per page.
type PullRequestListOptions struct {
	State     string
	Sort      string
	Direction string
	PerPage   int
}

// WithDefaults returns a copy with empty fields filled in
func (o PullRequestListOptions) WithDefaults() PullRequestListOptions {
	if o.State == "" {
		o.State = "open"
	}
	if o.Sort == "" {
		o.Sort = "created"
	}
	if o.Direction == "" {
		o.Direction = "desc"
	}
	o.PerPage = ClampPerPage(o.PerPage)
	return o
}

// ClampPerPage maps a requested page size onto the range GitHub accepts
func ClampPerPage(n int) int {
	if n < 1 {
		return DefaultPerPage
	}
	if n > MaxPerPage {
		return MaxPerPage
	}
	return n
}

// Author is the identity a content write is attributed to
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Valid reports whether both name and email are present
func (a Author) Valid() bool {
	return strings.TrimSpace(a.Name) != "" && strings.TrimSpace(a.Email) != ""
}

// FileWrite describes a file creation or update. Content is plain text; it is
// base64-encoded on the wire.
type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Message string `json:"message"`
	Branch  string `json:"branch,omitempty"`
	Author  Author `json:"author"`
}

// Validate checks the fields every content write needs
func (w FileWrite) Validate() error {
	if strings.Trim(w.Path, "/") == "" {
		return fmt.Errorf("file path is required: %w", ErrInvalidArgument)
	}
	if w.Message == "" {
		return fmt.Errorf("commit message is required: %w", ErrInvalidArgument)
	}
	if !w.Author.Valid() {
		return ErrAuthorRequired
	}
	return nil
}

// NewPullRequest holds the fields needed to open a pull request
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base,omitempty"`
	Draft bool   `json:"draft"`
}

// MergeOptions configures a pull request merge
type MergeOptions struct {
	MergeMethod   string `json:"merge_method,omitempty"`
	CommitTitle   string `json:"commit_title,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// ValidMergeMethod reports whether m is one of GitHub's merge methods
func ValidMergeMethod(m string) bool {
	switch m {
	case "merge", "squash", "rebase":
		return true
	default:
		return false
	}
}
