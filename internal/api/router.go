// Package api wires together the HTTP routes of the GitSwarm access layer.
//
// Route groups:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/v1 carries the token, clone and repository endpoints and requires a bearer
//     JWT when auth.enabled is set.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/api/access"
	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/middleware"
)

// Pinger is satisfied by *sql.DB and *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the collaborators the router needs
type Dependencies struct {
	DB      Pinger
	Service access.Service
	Version string
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(nil))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.DB))
	router.GET("/version", versionHandler(deps.Version))

	apiV1 := router.Group("/api/v1")
	if cfg.Auth.Enabled {
		apiV1.Use(middleware.AuthMiddleware())
	}
	access.NewHandlers(deps.Service).Register(apiV1)

	return router
}

// healthCheckHandler is the liveness probe; it touches no dependency
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the metadata database answers a ping
func readinessHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": gin.H{"database": "unhealthy"},
				"error":  "database not ready",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": gin.H{"database": "healthy"},
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}
