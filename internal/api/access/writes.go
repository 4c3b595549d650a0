package access

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/scm"
)

// updateFileRequest is a FileWrite plus the blob sha being replaced
type updateFileRequest struct {
	scm.FileWrite
	SHA string `json:"sha"`
}

type createBranchRequest struct {
	Name    string `json:"name" binding:"required"`
	FromSHA string `json:"from_sha" binding:"required"`
}

// CreateFileHandler commits a new file
// POST /api/v1/repos/:repoID/files
func (h *Handlers) CreateFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scm.FileWrite
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		result, err := h.svc.CreateFile(c.Request.Context(), c.Param("repoID"), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// UpdateFileHandler commits a new version of an existing file; sha is required
// PUT /api/v1/repos/:repoID/files
func (h *Handlers) UpdateFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateFileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		result, err := h.svc.UpdateFile(c.Request.Context(), c.Param("repoID"), req.FileWrite, req.SHA)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// CreateBranchHandler creates refs/heads/<name> at from_sha
// POST /api/v1/repos/:repoID/branches
func (h *Handlers) CreateBranchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createBranchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		result, err := h.svc.CreateBranch(c.Request.Context(), c.Param("repoID"), req.Name, req.FromSHA)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// CreatePullRequestHandler opens a pull request; base defaults to the default branch
// POST /api/v1/repos/:repoID/pulls
func (h *Handlers) CreatePullRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scm.NewPullRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		result, err := h.svc.CreatePullRequest(c.Request.Context(), c.Param("repoID"), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// MergePullRequestHandler merges a pull request. The body is optional; merge_method
// defaults to squash.
// PUT /api/v1/repos/:repoID/pulls/:number/merge
func (h *Handlers) MergePullRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		number, err := strconv.Atoi(c.Param("number"))
		if err != nil || number < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pull request number must be a positive integer"})
			return
		}

		var opts scm.MergeOptions
		if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		result, err := h.svc.MergePullRequest(c.Request.Context(), c.Param("repoID"), number, opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
