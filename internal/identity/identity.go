// Package identity verifies the opaque identity token presented by an
// App during the WebSocket handshake and derives its stable subject id.
// The core never issues or provisions identities; it only verifies
// tokens minted by an external identity provider and treats the
// verified subject claim as the App's stable identity, which must stay
// constant across reconnects so pairing bindings survive them.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification,
// regardless of backend.
var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier resolves a raw identity token to a stable App subject id.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (appID string, err error)
}

// OIDCVerifier verifies tokens issued by a discovery-capable OIDC
// provider, the deployment mode appropriate when Apps authenticate
// through a full identity platform.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier performs OIDC discovery against issuer and configures
// a verifier that checks the token audience against clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("identity: discover oidc provider: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Verify validates rawToken and returns the token's subject claim as the
// App's stable identity.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// StaticJWTVerifier verifies HMAC-signed tokens against a single shared
// verification secret, the simpler deployment mode for Runners that
// mint their own App tokens rather than brokering through a full OIDC
// provider.
type StaticJWTVerifier struct {
	secret []byte
	issuer string
}

func NewStaticJWTVerifier(secret []byte, issuer string) *StaticJWTVerifier {
	return &StaticJWTVerifier{secret: secret, issuer: issuer}
}

type staticClaims struct {
	jwt.RegisteredClaims
}

// Verify parses and validates rawToken, rejecting any signing method
// other than HMAC to guard against algorithm-confusion attacks, and
// returns the token's subject claim as the App's stable identity.
func (v *StaticJWTVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	claims := &staticClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
