package access

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/scm"
)

// FileHandler returns one file with decoded content
// GET /api/v1/repos/:repoID/file?path=README.md&ref=main
func (h *Handlers) FileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
			return
		}

		file, err := h.svc.GetFileContents(c.Request.Context(), c.Param("repoID"), path, c.Query("ref"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, file)
	}
}

// DirectoryHandler lists a directory; an empty path lists the repository root
// GET /api/v1/repos/:repoID/contents?path=src&ref=main
func (h *Handlers) DirectoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.svc.GetDirectoryContents(c.Request.Context(), c.Param("repoID"), c.Query("path"), c.Query("ref"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// TreeHandler returns the git tree of a ref, recursive unless recursive=false
// GET /api/v1/repos/:repoID/tree?ref=main&recursive=true
func (h *Handlers) TreeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		recursive, err := strconv.ParseBool(c.DefaultQuery("recursive", "true"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recursive must be a boolean"})
			return
		}

		tree, err := h.svc.GetTree(c.Request.Context(), c.Param("repoID"), c.Query("ref"), recursive)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, tree)
	}
}

// CommitsHandler lists commits
// GET /api/v1/repos/:repoID/commits?sha=main&path=docs&since=RFC3339&until=RFC3339&per_page=30
func (h *Handlers) CommitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := scm.CommitListOptions{
			SHA:  c.Query("sha"),
			Path: c.Query("path"),
		}

		var err error
		if opts.Since, err = optionalTime(c, "since"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if opts.Until, err = optionalTime(c, "until"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if opts.PerPage, err = perPage(c); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		commits, err := h.svc.GetCommits(c.Request.Context(), c.Param("repoID"), opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"commits": commits})
	}
}

// BranchesHandler lists branches
// GET /api/v1/repos/:repoID/branches
func (h *Handlers) BranchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		branches, err := h.svc.GetBranches(c.Request.Context(), c.Param("repoID"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"branches": branches})
	}
}

// PullRequestsHandler lists pull requests
// GET /api/v1/repos/:repoID/pulls?state=open&sort=created&direction=desc&per_page=30
func (h *Handlers) PullRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := perPage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts := scm.PullRequestListOptions{
			State:     c.Query("state"),
			Sort:      c.Query("sort"),
			Direction: c.Query("direction"),
			PerPage:   n,
		}

		pulls, err := h.svc.GetPullRequests(c.Request.Context(), c.Param("repoID"), opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pull_requests": pulls})
	}
}

func optionalTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &queryError{key: key, want: "an RFC 3339 timestamp"}
	}
	return &t, nil
}

// perPage returns 0 when per_page is absent; the client applies the default
func perPage(c *gin.Context) (int, error) {
	raw := c.Query("per_page")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &queryError{key: "per_page", want: "a positive integer"}
	}
	return n, nil
}

type queryError struct {
	key  string
	want string
}

func (e *queryError) Error() string {
	return e.key + " must be " + e.want
}
