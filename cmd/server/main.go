// Package main is the entry point for the GitSwarm access layer binary.
// It dispatches the serve, migrate, token and version subcommands via a switch on os.Args.
//
// Prometheus metrics and pprof are served on dedicated side ports, never through the
// gin router: GITSWARM_TELEMETRY_METRICS_PROMETHEUS_PORT (default 9090, GET /metrics) and,
// when GITSWARM_TELEMETRY_PROFILING_ENABLED=true, GITSWARM_TELEMETRY_PROFILING_PORT
// (default 6060, /debug/pprof/).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- only served on the internal profiling port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitswarm/gitswarm/internal/api"
	"github.com/gitswarm/gitswarm/internal/auth"
	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/db"
	"github.com/gitswarm/gitswarm/internal/db/repositories"
	"github.com/gitswarm/gitswarm/internal/safego"
	"github.com/gitswarm/gitswarm/internal/scm/github"
	"github.com/gitswarm/gitswarm/internal/services"
	"github.com/gitswarm/gitswarm/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

const usage = `usage: gitswarm <command>

commands:
  serve                  run the HTTP API (default)
  migrate <up|down>      apply or roll back schema migrations
  token <subject> [ttl]  mint an API bearer token (ttl like 24h, default 1h)
  version                print the version`

func main() {
	// A local .env only fills variables the environment does not already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("usage: gitswarm migrate <up|down>")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMigrations(cfg, args[1])
	case "token":
		return mintToken(args[1:], stdout)
	case "version":
		fmt.Fprintf(stdout, "GitSwarm v%s\n", version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(os.Getenv("GITSWARM_CONFIG_PATH"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Auth.Enabled {
		if err := auth.ValidateJWTSecret(); err != nil {
			return fmt.Errorf("security configuration error: %w", err)
		}
	} else {
		slog.Warn("API authentication is disabled; /api/v1 hands out installation tokens to any caller")
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	svc, err := buildService(cfg, database)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Metrics.Enabled {
		startSideServer("metrics-server", cfg.Telemetry.Metrics.PrometheusPort, metricsMux(), 10*time.Second)
	}
	if cfg.Telemetry.Profiling.Enabled {
		// net/http/pprof registers its handlers on http.DefaultServeMux at init time
		startSideServer("pprof-server", cfg.Telemetry.Profiling.Port, http.DefaultServeMux, 30*time.Second)
	}

	router := api.NewRouter(cfg, api.Dependencies{DB: database, Service: svc, Version: version})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"tls", cfg.Security.TLS.Enabled,
			"github_api", cfg.GitHub.APIURL,
		)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	svc.ClearAllTokenCache()
	slog.Info("server stopped gracefully")
	return nil
}

// buildService wires stores, resolver, GitHub App issuer, token cache and GitHub client
func buildService(cfg *config.Config, database *sqlx.DB) (*services.GitSwarmService, error) {
	key, err := cfg.GitHub.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}

	issuer, err := github.NewAppIssuer(github.AppSettings{
		APIURL:     cfg.GitHub.APIURL,
		AppID:      cfg.GitHub.AppID,
		PrivateKey: key,
		Timeout:    cfg.GitHub.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize github app issuer: %w", err)
	}

	client := github.NewClient(github.ClientSettings{
		APIURL:  cfg.GitHub.APIURL,
		Timeout: cfg.GitHub.RequestTimeout,
	})

	resolver := services.NewResolver(
		repositories.NewOrganizationRepository(database),
		repositories.NewRepositoryRepository(database),
	)
	cache := services.NewTokenCache(resolver, issuer, services.WithSafetyMargin(cfg.TokenCache.SafetyMargin))

	return services.NewGitSwarmService(resolver, cache, client, cfg.GitHub.WebURL)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// startSideServer serves handler on an internal port in a recovered background goroutine
func startSideServer(name string, port int, handler http.Handler, timeout time.Duration) {
	addr := fmt.Sprintf(":%d", port)
	safego.Go(name, func() {
		slog.Info("starting side server", "name", name, "addr", addr)
		srv := &http.Server{ // #nosec G112 -- internal-only port
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("side server error", "name", name, "error", err)
		}
	})
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}

// mintToken prints a bearer token for the API; it needs only GITSWARM_JWT_SECRET
func mintToken(args []string, stdout io.Writer) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("usage: gitswarm token <subject> [ttl]")
	}

	ttl := auth.DefaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid ttl %q: must be a positive duration like 24h", args[1])
		}
		ttl = d
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return err
	}
	token, err := auth.GenerateJWT(args[0], ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	return nil
}
