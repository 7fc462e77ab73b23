package api

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"order-stream/domain"
)

func testAuth() *Auth {
	return &Auth{
		Audience:   "api://orders",
		Issuer:     "https://issuer/",
		TestMode:   true,
		TestSecret: []byte("test-secret"),
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	base := jwt.MapClaims{
		"aud": "api://orders",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, base).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerTokenSuccess(t *testing.T) {
	token, err := bearerToken("Bearer header.payload.signature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
}

func TestBearerTokenMissing(t *testing.T) {
	if _, err := bearerToken(""); !errors.Is(err, errMissingAuthorization) {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenManyPeriods(t *testing.T) {
	header := "Bearer " + strings.Repeat(".", 1000)
	if _, err := bearerToken(header); !errors.Is(err, errBadAuthorization) {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestIdentityFromTokenHS256(t *testing.T) {
	auth := testAuth()
	signed := signToken(t, jwt.MapClaims{"sub": "cust-42", "role": "customer"})

	identity, err := auth.IdentityFromToken(signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if identity.SubjectID != "cust-42" {
		t.Fatalf("unexpected subject: %s", identity.SubjectID)
	}
	if identity.Role != domain.RoleCustomer {
		t.Fatalf("unexpected role: %s", identity.Role)
	}
}

func TestIdentityFromTokenUnknownRole(t *testing.T) {
	auth := testAuth()
	signed := signToken(t, jwt.MapClaims{"sub": "x", "role": "superuser"})

	if _, err := auth.IdentityFromToken(signed); !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure for unknown role, got %v", err)
	}
}

func TestIdentityFromTokenMissingRole(t *testing.T) {
	auth := testAuth()
	signed := signToken(t, jwt.MapClaims{"sub": "x"})

	if _, err := auth.IdentityFromToken(signed); !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure for missing role, got %v", err)
	}
}

func TestIdentityFromTokenExpired(t *testing.T) {
	auth := testAuth()
	signed := signToken(t, jwt.MapClaims{
		"sub":  "x",
		"role": "admin",
		"exp":  time.Now().Add(-10 * time.Minute).Unix(),
	})

	if _, err := auth.IdentityFromToken(signed); !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure for expired token, got %v", err)
	}
}

func TestIdentityFromTokenBadSignature(t *testing.T) {
	auth := testAuth()
	signed := signToken(t, jwt.MapClaims{"sub": "x", "role": "admin"})
	tampered := signed[:len(signed)-2] + "xx"

	if _, err := auth.IdentityFromToken(tampered); !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure for tampered token, got %v", err)
	}
}

func TestIdentityFromAuthHeader(t *testing.T) {
	auth := testAuth()
	signed := signToken(t, jwt.MapClaims{"sub": "drv-7", "role": "driver"})

	identity, err := auth.IdentityFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Role != domain.RoleDriver || identity.SubjectID != "drv-7" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}
