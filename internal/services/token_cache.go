package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/mo"
	"golang.org/x/sync/singleflight"

	"github.com/gitswarm/gitswarm/internal/scm"
	"github.com/gitswarm/gitswarm/internal/telemetry"
)

// DefaultSafetyMargin is how long before expiry a cached token stops being served
const DefaultSafetyMargin = 60 * time.Second

// InstallationResolver maps an organization to its active GitHub App installation
type InstallationResolver interface {
	ResolveInstallation(ctx context.Context, orgID string) (int64, error)
}

// cachedToken is stored by value and replaced whole, never mutated in place
type cachedToken struct {
	token     string
	expiresAt mo.Option[time.Time]
}

func (t cachedToken) usableAt(now time.Time, margin time.Duration) bool {
	expiresAt, ok := t.expiresAt.Get()
	return ok && expiresAt.After(now.Add(margin))
}

// TokenCache caches one installation token per organization ID.
// Lookups are served from memory while the token is valid past the safety margin;
// otherwise the organization's installation is resolved and a new token issued.
type TokenCache struct {
	resolver InstallationResolver
	issuer   scm.TokenIssuer
	margin   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cachedToken
	// generations is bumped per organization by ClearOne, epoch by ClearAll.
	// A refresh stores its token only if neither moved while it ran.
	generations map[string]uint64
	epoch       uint64

	flights singleflight.Group
	// flightKeys holds every organization that may have a refresh in flight
	flightKeys map[string]struct{}
}

// TokenCacheOption configures a TokenCache
type TokenCacheOption func(*TokenCache)

// WithSafetyMargin overrides DefaultSafetyMargin
func WithSafetyMargin(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		if d >= 0 {
			c.margin = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCache creates an empty token cache
func NewTokenCache(resolver InstallationResolver, issuer scm.TokenIssuer, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		resolver: resolver,
		issuer:   issuer,
		margin:   DefaultSafetyMargin,
		now:      time.Now,
		entries:  make(map[string]cachedToken),

		generations: make(map[string]uint64),
		flightKeys:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid installation token for the organization.
// Resolver errors (scm.ErrNotFound, scm.ErrInactive) are returned unchanged; issuer errors
// are wrapped with scm.ErrTokenIssuanceFailed. A failed refresh leaves the cache untouched.
func (c *TokenCache) Token(ctx context.Context, orgID string) (string, error) {
	if token, ok := c.lookup(orgID); ok {
		telemetry.TokenCacheLookupsTotal.WithLabelValues("hit").Inc()
		return token, nil
	}
	telemetry.TokenCacheLookupsTotal.WithLabelValues("miss").Inc()

	c.mu.Lock()
	c.flightKeys[orgID] = struct{}{}
	c.mu.Unlock()

	// Concurrent misses for one organization share a single refresh. The refresh runs
	// detached from any one caller so a cancelled caller does not fail the others.
	ch := c.flights.DoChan(orgID, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx), orgID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// ClearOne drops the cached token of one organization
func (c *TokenCache) ClearOne(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orgID)
	c.generations[orgID]++
	delete(c.flightKeys, orgID)
	c.flights.Forget(orgID)
}

// ClearAll empties the cache. Refreshes already in flight are detached, so later
// lookups start their own.
func (c *TokenCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for orgID := range c.flightKeys {
		c.flights.Forget(orgID)
	}
	c.entries = make(map[string]cachedToken)
	c.flightKeys = make(map[string]struct{})
	// the epoch alone invalidates refreshes that started before this call
	c.generations = make(map[string]uint64)
	c.epoch++
}

// Len returns the number of cached entries, expired or not
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TokenCache) lookup(orgID string) (string, bool) {
	c.mu.Lock()
	entry, ok := c.entries[orgID]
	c.mu.Unlock()

	if !ok || !entry.usableAt(c.now(), c.margin) {
		return "", false
	}
	return entry.token, true
}

func (c *TokenCache) refresh(ctx context.Context, orgID string) (string, error) {
	// A refresh that finished while this caller waited to join the flight may already
	// have stored a fresh token.
	if token, ok := c.lookup(orgID); ok {
		return token, nil
	}

	c.mu.Lock()
	generation, epoch := c.generations[orgID], c.epoch
	c.mu.Unlock()

	installationID, err := c.resolver.ResolveInstallation(ctx, orgID)
	if err != nil {
		return "", err
	}

	issued, err := c.issuer.IssueInstallationToken(ctx, installationID)
	if err == nil && (issued == nil || issued.Token == "") {
		err = fmt.Errorf("issuer returned an empty token")
	}
	if err != nil {
		telemetry.TokenIssuanceTotal.WithLabelValues("failure").Inc()
		slog.Warn("installation token issuance failed",
			"org_id", orgID, "installation_id", installationID, "error", err)
		return "", fmt.Errorf("%w: organization %s: %w", scm.ErrTokenIssuanceFailed, orgID, err)
	}
	telemetry.TokenIssuanceTotal.WithLabelValues("success").Inc()

	if issued.ExpiresAt.IsAbsent() {
		slog.Warn("installation token has no expiry, it will be refreshed on next use",
			"org_id", orgID, "installation_id", installationID)
	}

	c.mu.Lock()
	// A clear of this organization that ran during issuance wins; the token is still
	// handed to this caller.
	if c.generations[orgID] == generation && c.epoch == epoch {
		c.entries[orgID] = cachedToken{token: issued.Token, expiresAt: issued.ExpiresAt}
	}
	c.mu.Unlock()

	slog.Debug("installation token refreshed", "org_id", orgID, "installation_id", installationID)
	return issued.Token, nil
}
