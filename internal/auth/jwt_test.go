package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func newTestAuthenticator(t *testing.T) *JWTAuthenticator {
	t.Helper()
	a, err := NewJWTAuthenticator("test-secret", "courier", 0)
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}
	return a
}

func TestAuthenticateRoles(t *testing.T) {
	a := newTestAuthenticator(t)

	tests := []struct {
		name string
		id   Identity
	}{
		{"admin", Identity{Role: RoleAdmin, UserID: "u1"}},
		{"business", Identity{Role: RoleBusiness, UserID: "u2", BusinessID: "B1"}},
		{"driver", Identity{Role: RoleDriver, UserID: "u3", DriverID: "D7"}},
		{"customer", Identity{Role: RoleCustomer, UserID: "C9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := a.Sign(tt.id, time.Minute)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			got, err := a.Authenticate(context.Background(), token)
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if got != tt.id {
				t.Errorf("expected %+v, got %+v", tt.id, got)
			}
		})
	}
}

func TestAuthenticateFailures(t *testing.T) {
	a := newTestAuthenticator(t)
	other, _ := NewJWTAuthenticator("other-secret", "courier", 0)
	wrongIssuer, _ := NewJWTAuthenticator("test-secret", "someone-else", 0)

	expired, _ := a.Sign(Identity{Role: RoleAdmin, UserID: "u1"}, -time.Minute)
	badSig, _ := other.Sign(Identity{Role: RoleAdmin, UserID: "u1"}, time.Minute)
	badIssuer, _ := wrongIssuer.Sign(Identity{Role: RoleAdmin, UserID: "u1"}, time.Minute)
	noDriverID, _ := a.Sign(Identity{Role: RoleDriver, UserID: "u3"}, time.Minute)

	unknownRole := gojwt.NewWithClaims(gojwt.SigningMethodHS256, Claims{
		Role: "dispatcher",
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "courier",
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	unknownRoleToken, _ := unknownRole.SignedString([]byte("test-secret"))

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"bad signature", badSig},
		{"wrong issuer", badIssuer},
		{"driver without driver id", noDriverID},
		{"unknown role", unknownRoleToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.credential)
			if !errors.Is(err, ErrAuthentication) {
				t.Errorf("expected ErrAuthentication, got %v", err)
			}
		})
	}
}

func TestAuthenticateRejectsNoneAlgorithm(t *testing.T) {
	a := newTestAuthenticator(t)
	token := gojwt.NewWithClaims(gojwt.SigningMethodNone, Claims{
		Role: "admin",
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := token.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), signed); !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestNewJWTAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewJWTAuthenticator("", "", 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := CredentialFromRequest(r); got != "abc" {
		t.Errorf("expected query token to win, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := CredentialFromRequest(r); got != "header-token" {
		t.Errorf("expected header token, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := CredentialFromRequest(r); got != "" {
		t.Errorf("expected no credential, got %q", got)
	}
}

func TestMaskCredential(t *testing.T) {
	if got := MaskCredential("abcdefgh"); got != "abcd****" {
		t.Errorf("unexpected mask %q", got)
	}
	if got := MaskCredential("abc"); got != "****" {
		t.Errorf("unexpected mask %q", got)
	}
}
