package scm

import (
	"context"
	"time"

	"github.com/samber/mo"
)

// IssuedToken is an installation token as returned by a TokenIssuer. An absent ExpiresAt
// means the issuer gave no expiry; such a token is used once and refreshed on the next lookup.
type IssuedToken struct {
	Token     string
	ExpiresAt mo.Option[time.Time]
}

// BareToken wraps a token string that came without an expiry
func BareToken(token string) *IssuedToken {
	return &IssuedToken{Token: token, ExpiresAt: mo.None[time.Time]()}
}

// TokenIssuer mints installation access tokens
type TokenIssuer interface {
	IssueInstallationToken(ctx context.Context, installationID int64) (*IssuedToken, error)
}
