package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Authenticator validates a credential presented at connect time.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// Claims is the token body issued by the platform's auth service.
type Claims struct {
	Role       string `json:"role"`
	BusinessID string `json:"business_id,omitempty"`
	DriverID   string `json:"driver_id,omitempty"`
	gojwt.RegisteredClaims
}

// JWTAuthenticator verifies HMAC-signed JWTs.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
	parser *gojwt.Parser
}

// NewJWTAuthenticator creates a verifier for tokens signed with secret.
// An empty issuer disables the issuer check.
func NewJWTAuthenticator(secret, issuer string, leeway time.Duration) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		gojwt.WithExpirationRequired(),
		gojwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, gojwt.WithIssuer(issuer))
	}

	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
		leeway: leeway,
		parser: gojwt.NewParser(opts...),
	}, nil
}

// Compile-time interface verification
var _ Authenticator = (*JWTAuthenticator)(nil)

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(credential, claims, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gojwt.ErrTokenExpired):
			return Identity{}, fmt.Errorf("%w: token expired", ErrAuthentication)
		case errors.Is(err, gojwt.ErrTokenMalformed):
			return Identity{}, fmt.Errorf("%w: malformed token", ErrAuthentication)
		case errors.Is(err, gojwt.ErrTokenSignatureInvalid):
			return Identity{}, fmt.Errorf("%w: invalid signature", ErrAuthentication)
		default:
			return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
	}

	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	id := Identity{
		Role:       role,
		UserID:     claims.Subject,
		BusinessID: claims.BusinessID,
		DriverID:   claims.DriverID,
	}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return id, nil
}

// Sign issues a token for id. Token issuance belongs to the auth service; this
// exists for local tooling and tests.
func (a *JWTAuthenticator) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:       string(id.Role),
		BusinessID: id.BusinessID,
		DriverID:   id.DriverID,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// CredentialFromRequest extracts the credential from the "token" query
// parameter, falling back to an "Authorization: Bearer" header.
func CredentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// MaskCredential masks all but the first 4 characters of a credential for logging.
func MaskCredential(credential string) string {
	if len(credential) <= 4 {
		return "****"
	}
	return credential[:4] + "****"
}
