package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/mo"

	"github.com/gitswarm/gitswarm/internal/scm"
	"github.com/gitswarm/gitswarm/internal/telemetry"
)

const (
	// GitHub rejects app JWTs valid for longer than 10 minutes
	appJWTLifetime = 10 * time.Minute
	// iat is backdated to tolerate clock drift against GitHub
	appJWTBackdate = 60 * time.Second
	// a cached app JWT is re-signed this long before it expires
	appJWTRenewBefore = time.Minute
)

// AppSettings configures the GitHub App installation token issuer
type AppSettings struct {
	APIURL     string
	AppID      string
	PrivateKey []byte
	Timeout    time.Duration
	Transport  http.RoundTripper
}

// AppIssuer mints installation access tokens by authenticating as the GitHub App.
// It implements scm.TokenIssuer.
type AppIssuer struct {
	apiURL     string
	appID      string
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	jwt       string
	jwtExpiry time.Time
}

var _ scm.TokenIssuer = (*AppIssuer)(nil)

// NewAppIssuer validates the app credentials and returns an issuer
func NewAppIssuer(settings AppSettings) (*AppIssuer, error) {
	if settings.AppID == "" {
		return nil, fmt.Errorf("github app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(settings.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid github app private key: %w", err)
	}

	apiURL := defaultAPIURL
	if settings.APIURL != "" {
		apiURL = strings.TrimRight(settings.APIURL, "/")
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &AppIssuer{
		apiURL:     apiURL,
		appID:      settings.AppID,
		key:        key,
		httpClient: &http.Client{Timeout: timeout, Transport: settings.Transport},
		now:        time.Now,
	}, nil
}

// IssueInstallationToken exchanges the app JWT for an installation access token
func (a *AppIssuer) IssueInstallationToken(ctx context.Context, installationID int64) (*scm.IssuedToken, error) {
	appJWT, err := a.appToken()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create access token request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	telemetry.GitHubAPIRequestDuration.WithLabelValues("create_installation_token").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.GitHubAPIRequestsTotal.WithLabelValues("create_installation_token", "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, scm.NewAPIError(0, "request failed", err)
	}
	defer resp.Body.Close()
	telemetry.GitHubAPIRequestsTotal.WithLabelValues("create_installation_token", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusCreated {
		return nil, scm.NewAPIError(resp.StatusCode, upstreamMessage(resp.Body), nil)
	}

	var body struct {
		Token     string     `json:"token"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("github: decode access token response: %w", err)
	}
	if body.Token == "" {
		return nil, fmt.Errorf("github: access token response has no token")
	}

	issued := &scm.IssuedToken{Token: body.Token, ExpiresAt: mo.None[time.Time]()}
	if body.ExpiresAt != nil {
		issued.ExpiresAt = mo.Some(*body.ExpiresAt)
	}
	return issued, nil
}

// appToken returns the cached app JWT, signing a new one when it is close to expiry
func (a *AppIssuer) appToken() (string, error) {
	a.mu.RLock()
	if a.jwt != "" && a.now().Add(appJWTRenewBefore).Before(a.jwtExpiry) {
		defer a.mu.RUnlock()
		return a.jwt, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock
	if a.jwt != "" && a.now().Add(appJWTRenewBefore).Before(a.jwtExpiry) {
		return a.jwt, nil
	}

	now := a.now()
	expiresAt := now.Add(appJWTLifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Issuer:    a.appID,
	})
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("github: sign app jwt: %w", err)
	}

	a.jwt = signed
	a.jwtExpiry = expiresAt
	return signed, nil
}
