package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/internal/scm"
	"github.com/gitswarm/gitswarm/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Hits, misses and expiry
// ---------------------------------------------------------------------------

func TestToken_InactiveOrgNeverCallsIssuer(t *testing.T) {
	f := newFixture(time.Hour)

	_, err := f.svc.GetInstallationToken(context.Background(), orgDown)
	assert.ErrorIs(t, err, scm.ErrInactive)
	assert.Equal(t, 0, f.issuer.Calls())
	assert.Equal(t, 0, f.cache.Len())
}

func TestToken_MissingOrg(t *testing.T) {
	f := newFixture(time.Hour)

	_, err := f.svc.GetInstallationToken(context.Background(), missingID)
	assert.ErrorIs(t, err, scm.ErrNotFound)
	assert.NotErrorIs(t, err, scm.ErrTokenIssuanceFailed)
	assert.Equal(t, 0, f.issuer.Calls())
}

func TestToken_HitWithinWindowDoesNoIO(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	first, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	orgReads := f.orgs.Calls()

	f.clock.Advance(58 * time.Minute)
	second, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.issuer.Calls())
	assert.Equal(t, orgReads, f.orgs.Calls(), "cache hit must not read the store")
}

func TestToken_WithinSafetyMarginRefreshes(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	first, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	// 60s before expiry is no longer usable
	f.clock.Advance(59 * time.Minute)
	second, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, f.issuer.Calls())

	// the replacement is served from cache
	third, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, 2, f.issuer.Calls())
}

func TestToken_SafetyMarginBoundary(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	_, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	// 61s left: still a hit
	f.clock.Advance(time.Hour - 61*time.Second)
	_, err = f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, 1, f.issuer.Calls())

	// exactly 60s left: refresh
	f.clock.Advance(time.Second)
	_, err = f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, 2, f.issuer.Calls())
}

func TestToken_PastExpiryRefreshesOnce(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	_, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	_, err = f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, 2, f.issuer.Calls())
	assert.Equal(t, 1, f.cache.Len())
}

func TestToken_CustomSafetyMargin(t *testing.T) {
	orgs, repos := newStores()
	clock := newFakeClock()
	issuer := newFakeIssuer(clock, 10*time.Minute)
	cache := NewTokenCache(NewResolver(orgs, repos), issuer, WithClock(clock.Now), WithSafetyMargin(5*time.Minute))

	_, err := cache.Token(context.Background(), orgA)
	require.NoError(t, err)
	clock.Advance(5*time.Minute + time.Second)
	_, err = cache.Token(context.Background(), orgA)
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.Calls())
}

func TestToken_BareTokenIsRefreshedOnNextUse(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	first, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	second, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, f.issuer.Calls())
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestToken_IssuerFailure(t *testing.T) {
	f := newFixture(time.Hour)
	cause := scm.NewAPIError(401, "A JSON web token could not be decoded", nil)
	f.issuer.err = cause

	_, err := f.svc.GetInstallationToken(context.Background(), orgA)
	assert.ErrorIs(t, err, scm.ErrTokenIssuanceFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, f.cache.Len())
}

func TestToken_EmptyIssuedTokenIsFailure(t *testing.T) {
	orgs, repos := newStores()
	issuer := issuerFunc(func(context.Context, int64) (*scm.IssuedToken, error) {
		return scm.BareToken(""), nil
	})
	cache := NewTokenCache(NewResolver(orgs, repos), issuer)

	_, err := cache.Token(context.Background(), orgA)
	assert.ErrorIs(t, err, scm.ErrTokenIssuanceFailed)
}

func TestToken_FailedRefreshKeepsPreviousEntry(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	_, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	f.issuer.err = errors.New("github unavailable")
	_, err = f.svc.GetInstallationToken(ctx, orgA)
	require.ErrorIs(t, err, scm.ErrTokenIssuanceFailed)
	assert.Equal(t, 1, f.cache.Len(), "failed refresh must not evict")

	f.issuer.err = nil
	token, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, "111-t2", token)
}

func TestToken_CancelledCallerReturnsContextError(t *testing.T) {
	f := newFixture(time.Hour)
	f.issuer.delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.svc.GetInstallationToken(ctx, orgA)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

func TestClearOne_ForcesFreshIssuance(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	first, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	f.svc.ClearTokenCache(orgA)
	second, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, f.issuer.Calls())
}

func TestClearOne_LeavesOtherOrganizations(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	_, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	tokenB, err := f.svc.GetInstallationToken(ctx, orgB)
	require.NoError(t, err)

	f.svc.ClearTokenCache(orgA)
	again, err := f.svc.GetInstallationToken(ctx, orgB)
	require.NoError(t, err)
	assert.Equal(t, tokenB, again)
	assert.Equal(t, 2, f.issuer.Calls())
}

func TestClearAll_Idempotent(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	_, _ = f.svc.GetInstallationToken(ctx, orgA)
	_, _ = f.svc.GetInstallationToken(ctx, orgB)
	require.Equal(t, 2, f.cache.Len())

	f.svc.ClearAllTokenCache()
	f.svc.ClearAllTokenCache()
	f.svc.ClearTokenCache(orgA)
	f.svc.ClearTokenCache(missingID)
	assert.Equal(t, 0, f.cache.Len())

	_, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, 3, f.issuer.Calls())
}

func TestClear_DuringRefreshDoesNotStoreStaleToken(t *testing.T) {
	orgs, repos := newStores()
	clock := newFakeClock()
	release := make(chan struct{})
	entered := make(chan struct{})
	issuer := issuerFunc(func(ctx context.Context, id int64) (*scm.IssuedToken, error) {
		close(entered)
		<-release
		return &scm.IssuedToken{Token: "pre-clear"}, nil
	})
	cache := NewTokenCache(NewResolver(orgs, repos), issuer, WithClock(clock.Now))

	done := make(chan string)
	go func() {
		token, _ := cache.Token(context.Background(), orgA)
		done <- token
	}()

	<-entered
	cache.ClearOne(orgA)
	close(release)

	assert.Equal(t, "pre-clear", <-done)
	assert.Equal(t, 0, cache.Len())
}

// gatedIssuer blocks its first issuance until release is closed; later issuances return
// immediately. Every token is valid for an hour.
type gatedIssuer struct {
	clock   *fakeClock
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedIssuer(clock *fakeClock) *gatedIssuer {
	return &gatedIssuer{clock: clock, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedIssuer) IssueInstallationToken(_ context.Context, installationID int64) (*scm.IssuedToken, error) {
	n := g.calls.Add(1)
	if n == 1 {
		close(g.entered)
		<-g.release
		return &scm.IssuedToken{Token: "pre-clear", ExpiresAt: mo.Some(g.clock.Now().Add(time.Hour))}, nil
	}
	return &scm.IssuedToken{
		Token:     fmt.Sprintf("post-clear-%d-%d", installationID, n),
		ExpiresAt: mo.Some(g.clock.Now().Add(time.Hour)),
	}, nil
}

func TestClearOne_OtherOrganizationDoesNotDiscardRefresh(t *testing.T) {
	orgs, repos := newStores()
	clock := newFakeClock()
	issuer := newGatedIssuer(clock)
	cache := NewTokenCache(NewResolver(orgs, repos), issuer, WithClock(clock.Now))
	ctx := context.Background()

	done := make(chan string)
	go func() {
		token, _ := cache.Token(ctx, orgA)
		done <- token
	}()

	<-issuer.entered
	cache.ClearOne(orgB)
	close(issuer.release)
	require.Equal(t, "pre-clear", <-done)

	again, err := cache.Token(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, "pre-clear", again)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int32(1), issuer.calls.Load())
}

func TestClearAll_DetachesInFlightRefresh(t *testing.T) {
	orgs, repos := newStores()
	clock := newFakeClock()
	issuer := newGatedIssuer(clock)
	cache := NewTokenCache(NewResolver(orgs, repos), issuer, WithClock(clock.Now))
	ctx := context.Background()

	first := make(chan string)
	go func() {
		token, _ := cache.Token(ctx, orgA)
		first <- token
	}()

	<-issuer.entered
	cache.ClearAll()

	after, err := cache.Token(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, "post-clear-111-2", after)

	close(issuer.release)
	assert.Equal(t, "pre-clear", <-first)

	// the token issued before the clear is never stored
	cached, err := cache.Token(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, "post-clear-111-2", cached)
	assert.Equal(t, int32(2), issuer.calls.Load())
	assert.Equal(t, 1, cache.Len())
}

// ---------------------------------------------------------------------------
// Isolation and concurrency
// ---------------------------------------------------------------------------

func TestToken_IsolationBetweenOrganizations(t *testing.T) {
	f := newFixture(time.Hour)
	ctx := context.Background()

	tokenA, err := f.svc.GetInstallationToken(ctx, orgA)
	require.NoError(t, err)
	tokenB, err := f.svc.GetInstallationToken(ctx, orgB)
	require.NoError(t, err)

	assert.Equal(t, "111-t1", tokenA)
	assert.Equal(t, "222-t1", tokenB)

	for i := 0; i < 3; i++ {
		a, _ := f.svc.GetInstallationToken(ctx, orgA)
		b, _ := f.svc.GetInstallationToken(ctx, orgB)
		assert.Equal(t, tokenA, a)
		assert.Equal(t, tokenB, b)
	}
}

func TestToken_ConcurrentMissesCoalesce(t *testing.T) {
	f := newFixture(time.Hour)
	f.issuer.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := f.svc.GetInstallationToken(context.Background(), orgA)
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
	assert.LessOrEqual(t, f.issuer.Calls(), 2)
}

func TestToken_ConcurrentLookupsAndClears(t *testing.T) {
	f := newFixture(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			org := orgA
			if i%2 == 0 {
				org = orgB
			}
			token, err := f.svc.GetInstallationToken(context.Background(), org)
			assert.NoError(t, err)
			if org == orgA {
				assert.Contains(t, token, "111-")
			} else {
				assert.Contains(t, token, "222-")
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				f.svc.ClearAllTokenCache()
			} else {
				f.svc.ClearTokenCache(orgA)
			}
		}(i)
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestToken_RecordsHitAndMiss(t *testing.T) {
	f := newFixture(time.Hour)
	hits := prometheus.Labels{"result": "hit"}
	misses := prometheus.Labels{"result": "miss"}
	hitsBefore := telemetry.CounterValue(telemetry.TokenCacheLookupsTotal, hits)
	missesBefore := telemetry.CounterValue(telemetry.TokenCacheLookupsTotal, misses)

	_, _ = f.svc.GetInstallationToken(context.Background(), orgA)
	_, _ = f.svc.GetInstallationToken(context.Background(), orgA)

	assert.GreaterOrEqual(t, telemetry.CounterValue(telemetry.TokenCacheLookupsTotal, hits)-hitsBefore, 1.0)
	assert.GreaterOrEqual(t, telemetry.CounterValue(telemetry.TokenCacheLookupsTotal, misses)-missesBefore, 1.0)
}

type issuerFunc func(ctx context.Context, installationID int64) (*scm.IssuedToken, error)

func (f issuerFunc) IssueInstallationToken(ctx context.Context, installationID int64) (*scm.IssuedToken, error) {
	return f(ctx, installationID)
}
