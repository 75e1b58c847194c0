package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/novelbytelabs/arqonbus/errors"
)

// Claims is the bus's JWT claim set. Subject carries the client ID.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens presented at connection time.
type Authenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewAuthenticator creates an HMAC-SHA256 token verifier. issuer is
// optional; when set, tokens from other issuers are rejected.
func NewAuthenticator(secret []byte, issuer string) *Authenticator {
	return &Authenticator{
		secret: secret,
		issuer: issuer,
		leeway: 30 * time.Second,
	}
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.WrapInvalid(errors.ErrAuthFailed, "Authenticator", "Verify",
			"missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrAuthFailed, "Authenticator", "Verify",
			"token rejected: "+err.Error())
	}
	if !token.Valid {
		return nil, errors.WrapInvalid(errors.ErrAuthFailed, "Authenticator", "Verify",
			"token invalid")
	}
	if claims.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrAuthFailed, "Authenticator", "Verify",
			"token has no subject")
	}
	if claims.TenantID == "" {
		return nil, errors.WrapInvalid(errors.ErrAuthFailed, "Authenticator", "Verify",
			"token has no tenant")
	}
	return claims, nil
}

// FromRequest extracts the token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token
// query parameter.
func (a *Authenticator) FromRequest(r *http.Request) (*Claims, error) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return a.Verify(token)
}

// Mint issues a token for a client, used by tests and the local dev
// tooling. Production deployments mint tokens in their own identity
// service.
func (a *Authenticator) Mint(clientID, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "Authenticator", "Mint", "sign token")
	}
	return signed, nil
}
