package api

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"order-stream/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuthTestMode     = "AUTH_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// Auth validates incoming JWT tokens and resolves them to a platform
// identity. Production tokens are RS256 signed against a JWKS; tests
// and local runs use an HS256 shared secret.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}
	a.keyCacheTTL = parseCacheTTL()

	if os.Getenv(envAuthTestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			panic("TEST_JWT_SECRET must be set when AUTH_TEST_MODE=1")
		}
		a.TestMode = true
		a.TestSecret = []byte(secret)
	}

	if a.TestMode {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

func parseCacheTTL() time.Duration {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			panic("invalid JWKS_CACHE_TTL")
		}
		ttl = parsed
	}
	return ttl
}

// IdentityFromAuthHeader extracts the caller identity from the
// Authorization header.
func (a *Auth) IdentityFromAuthHeader(h string) (domain.Identity, error) {
	token, err := bearerToken(h)
	if err != nil {
		return domain.Identity{}, err
	}
	return a.IdentityFromToken(token)
}

// IdentityFromToken validates a raw JWT and extracts the caller
// identity. Any validation failure, including an unknown role claim,
// yields domain.ErrAuthFailure.
func (a *Auth) IdentityFromToken(tokenStr string) (domain.Identity, error) {
	if tokenStr == "" {
		return domain.Identity{}, errBadAuthorization
	}

	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return a.keyForToken(t)
		})
	}
	if err != nil {
		return domain.Identity{}, domain.ErrAuthFailure
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, domain.ErrAuthFailure
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	if !claims.VerifyIssuedAt(now, false) {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return domain.Identity{}, domain.ErrAuthFailure
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	roleClaim, ok := claims["role"].(string)
	if !ok {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	role, err := domain.ParseRole(roleClaim)
	if err != nil {
		return domain.Identity{}, domain.ErrAuthFailure
	}

	return domain.Identity{Role: role, SubjectID: sub}, nil
}

func bearerToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingAuthorization
	}
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", errBadAuthorization
	}
	token := raw[len(prefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
