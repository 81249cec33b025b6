package api

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuth0TestMode    = "AUTH0_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"

	// clockSkew is tolerated on exp, nbf and iat.
	clockSkew = time.Minute
)

var (
	errTokenExpired   = errors.New("token expired")
	errTokenNotValid  = errors.New("token not valid yet")
	errTokenIssuedAt  = errors.New("token used before issued")
	errBadAudience    = errors.New("invalid audience")
	errBadIssuer      = errors.New("invalid issuer")
	errMissingSubject = errors.New("missing sub")
)

// Authenticator resolves the calling user from an Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Auth validates Auth0 RS256 tokens against a JWKS, or HS256 tokens signed
// with a shared secret in test mode.
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

// NewAuth creates a new Auth instance. LOCAL_AUTH_MODE=hs256 or
// AUTH0_TEST_MODE=1 switch to shared-secret validation.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer, keyCacheTTL: parseCacheTTL()}

	switch mode := strings.ToLower(os.Getenv(envLocalAuthMode)); {
	case mode == "hs256":
		a.useSecret(envLocalAuthSecret, "LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
	case mode != "":
		panic("unsupported LOCAL_AUTH_MODE value")
	case os.Getenv(envAuth0TestMode) == "1":
		a.useSecret(envTestJWTSecret, "TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
	}

	method := "RS256"
	if a.TestMode {
		method = "HS256"
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{method}), jwt.WithoutClaimsValidation())
	return a
}

func (a *Auth) useSecret(env, missing string) {
	secret := os.Getenv(env)
	if secret == "" {
		panic(missing)
	}
	a.TestMode = true
	a.TestSecret = []byte(secret)
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

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.userID(token)
}

func (a *Auth) userID(token []byte) (string, error) {
	keyFn := a.keyForToken
	if a.TestMode {
		keyFn = func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		}
	}
	parsed, err := a.parser.Parse(readOnlyString(token), keyFn)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if err := a.verify(claims); err != nil {
		return "", err
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errMissingSubject
	}
	return sub, nil
}

func (a *Auth) verify(claims jwt.MapClaims) error {
	now := time.Now()
	late, early := now.Add(-clockSkew).Unix(), now.Add(clockSkew).Unix()
	switch {
	case !claims.VerifyExpiresAt(late, true):
		return errTokenExpired
	case !claims.VerifyNotBefore(early, false):
		return errTokenNotValid
	case !claims.VerifyIssuedAt(early, false):
		return errTokenIssuedAt
	case a.Audience != "" && !claims.VerifyAudience(a.Audience, false):
		return errBadAudience
	case a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false):
		return errBadIssuer
	}
	return nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	cache := kid != "" && a.keyCacheTTL > 0
	if cache {
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
	if cache {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// SignTestToken returns an HS256 token for userID accepted by an Auth in
// test mode with the same secret.
func SignTestToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("test secret must not be empty")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
