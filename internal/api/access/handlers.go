// Package access implements the /api/v1 handlers that expose installation tokens, clone
// access and repository operations over HTTP.
package access

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/scm"
	"github.com/gitswarm/gitswarm/internal/services"
)

// Service is the subset of services.GitSwarmService the handlers call
type Service interface {
	GetInstallationToken(ctx context.Context, orgID string) (string, error)
	GetTokenForRepo(ctx context.Context, repoID string) (string, error)
	GetRepoWithCloneAccess(ctx context.Context, repoID string) (*services.CloneAccess, error)
	ClearTokenCache(orgID string)
	ClearAllTokenCache()

	GetFileContents(ctx context.Context, repoID, path, ref string) (*scm.FileContent, error)
	GetDirectoryContents(ctx context.Context, repoID, path, ref string) ([]scm.DirectoryEntry, error)
	GetTree(ctx context.Context, repoID, ref string, recursive bool) (*scm.Tree, error)
	GetCommits(ctx context.Context, repoID string, opts scm.CommitListOptions) ([]scm.Commit, error)
	GetBranches(ctx context.Context, repoID string) ([]scm.Branch, error)
	GetPullRequests(ctx context.Context, repoID string, opts scm.PullRequestListOptions) ([]scm.PullRequest, error)

	CreateFile(ctx context.Context, repoID string, file scm.FileWrite) (scm.Payload, error)
	UpdateFile(ctx context.Context, repoID string, file scm.FileWrite, sha string) (scm.Payload, error)
	CreatePullRequest(ctx context.Context, repoID string, pr scm.NewPullRequest) (scm.Payload, error)
	CreateBranch(ctx context.Context, repoID, name, fromSHA string) (scm.Payload, error)
	MergePullRequest(ctx context.Context, repoID string, number int, opts scm.MergeOptions) (scm.Payload, error)
}

var _ Service = (*services.GitSwarmService)(nil)

// Handlers serves the token, clone and repository endpoints
type Handlers struct {
	svc Service
}

// NewHandlers creates a new Handlers instance
func NewHandlers(svc Service) *Handlers {
	return &Handlers{svc: svc}
}

// Register mounts every endpoint on group, which is expected to be /api/v1
func (h *Handlers) Register(group *gin.RouterGroup) {
	group.GET("/orgs/:orgID/token", h.OrgTokenHandler())
	group.DELETE("/orgs/:orgID/token-cache", h.ClearOrgTokenCacheHandler())
	group.DELETE("/token-cache", h.ClearAllTokenCacheHandler())

	repos := group.Group("/repos/:repoID")
	repos.GET("/token", h.RepoTokenHandler())
	repos.GET("/clone-access", h.CloneAccessHandler())

	repos.GET("/file", h.FileHandler())
	repos.GET("/contents", h.DirectoryHandler())
	repos.GET("/tree", h.TreeHandler())
	repos.GET("/commits", h.CommitsHandler())
	repos.GET("/branches", h.BranchesHandler())
	repos.GET("/pulls", h.PullRequestsHandler())

	repos.POST("/files", h.CreateFileHandler())
	repos.PUT("/files", h.UpdateFileHandler())
	repos.POST("/branches", h.CreateBranchHandler())
	repos.POST("/pulls", h.CreatePullRequestHandler())
	repos.PUT("/pulls/:number/merge", h.MergePullRequestHandler())
}

// OrgTokenHandler returns the installation token of an organization
// GET /api/v1/orgs/:orgID/token
func (h *Handlers) OrgTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := h.svc.GetInstallationToken(c.Request.Context(), c.Param("orgID"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

// RepoTokenHandler returns the installation token of the repository's organization
// GET /api/v1/repos/:repoID/token
func (h *Handlers) RepoTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := h.svc.GetTokenForRepo(c.Request.Context(), c.Param("repoID"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

// CloneAccessHandler returns repository metadata with an authenticated clone URL
// GET /api/v1/repos/:repoID/clone-access
func (h *Handlers) CloneAccessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		access, err := h.svc.GetRepoWithCloneAccess(c.Request.Context(), c.Param("repoID"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, access)
	}
}

// ClearOrgTokenCacheHandler drops the cached token of one organization
// DELETE /api/v1/orgs/:orgID/token-cache
func (h *Handlers) ClearOrgTokenCacheHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.svc.ClearTokenCache(c.Param("orgID"))
		c.Status(http.StatusNoContent)
	}
}

// ClearAllTokenCacheHandler drops every cached token
// DELETE /api/v1/token-cache
func (h *Handlers) ClearAllTokenCacheHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.svc.ClearAllTokenCache()
		c.Status(http.StatusNoContent)
	}
}
