package access

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/scm"
)

// respondError maps a service error onto a status code and JSON body.
// Issuance failures are checked before upstream errors because they may wrap one.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scm.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, scm.ErrInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})

	case errors.Is(err, scm.ErrSHARequired),
		errors.Is(err, scm.ErrAuthorRequired),
		errors.Is(err, scm.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, scm.ErrTokenIssuanceFailed):
		slog.Error("installation token issuance failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to obtain a GitHub installation token"})

	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Request timed out"})

	default:
		if apiErr, ok := scm.IsUpstream(err); ok {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":           "GitHub API request failed",
				"upstream_status": apiErr.StatusCode,
				"upstream_error":  apiErr.Message,
			})
			return
		}
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
