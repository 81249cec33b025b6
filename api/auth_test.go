package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func testAuth(secret []byte) *Auth {
	return &Auth{
		Audience:   "api://aud",
		Issuer:     "https://issuer/",
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
	}
}

func signClaims(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
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
	if string(token) != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", string(token))
	}
}

func TestBearerTokenMissing(t *testing.T) {
	if _, err := bearerToken(""); err == nil || err.Error() != "missing authorization header" {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenManyPeriods(t *testing.T) {
	header := "Bearer " + strings.Repeat(".", 1000)
	if _, err := bearerToken(header); err == nil || err.Error() != "bad auth header" {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestAuthHeaderFallsBackToQueryToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/stream?token=abc", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if got := authHeader(c); got != "Bearer abc" {
		t.Fatalf("unexpected header: %q", got)
	}

	req.Header.Set(echo.HeaderAuthorization, "Bearer header")
	if got := authHeader(c); got != "Bearer header" {
		t.Fatalf("expected Authorization header to win, got %q", got)
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	signed := signClaims(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})

	userID, err := testAuth(secret).UserIDFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromAuthHeaderRejectsClaims(t *testing.T) {
	secret := []byte("test-secret")
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "user-123",
			"aud": "api://aud",
			"iss": "https://issuer/",
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}
	}
	cases := map[string]struct {
		mutate func(jwt.MapClaims)
		want   error
	}{
		"expired":     {func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, errTokenExpired},
		"audience":    {func(c jwt.MapClaims) { c["aud"] = "api://other" }, errBadAudience},
		"issuer":      {func(c jwt.MapClaims) { c["iss"] = "https://other/" }, errBadIssuer},
		"missing sub": {func(c jwt.MapClaims) { delete(c, "sub") }, errMissingSubject},
		"future nbf":  {func(c jwt.MapClaims) { c["nbf"] = time.Now().Add(time.Hour).Unix() }, errTokenNotValid},
		"future iat":  {func(c jwt.MapClaims) { c["iat"] = time.Now().Add(time.Hour).Unix() }, errTokenIssuedAt},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			claims := valid()
			tc.mutate(claims)
			_, err := testAuth(secret).UserIDFromAuthHeader("Bearer " + signClaims(t, secret, claims))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestUserIDFromAuthHeaderToleratesClockSkew(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()
	cases := map[string]struct {
		claims jwt.MapClaims
		want   error
	}{
		"recently expired": {jwt.MapClaims{"exp": now.Add(-30 * time.Second).Unix()}, nil},
		"long expired":     {jwt.MapClaims{"exp": now.Add(-2 * time.Minute).Unix()}, errTokenExpired},
		"short lived":      {jwt.MapClaims{"exp": now.Add(30 * time.Second).Unix()}, nil},

		"iat slightly ahead": {jwt.MapClaims{
			"exp": now.Add(5 * time.Minute).Unix(),
			"iat": now.Add(30 * time.Second).Unix(),
			"nbf": now.Add(30 * time.Second).Unix(),
		}, nil},
		"nbf far ahead": {jwt.MapClaims{
			"exp": now.Add(5 * time.Minute).Unix(),
			"nbf": now.Add(2 * time.Minute).Unix(),
		}, errTokenNotValid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.claims["sub"] = "user-123"
			tc.claims["aud"] = "api://aud"
			tc.claims["iss"] = "https://issuer/"
			_, err := testAuth(secret).UserIDFromAuthHeader("Bearer " + signClaims(t, secret, tc.claims))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestUserIDFromAuthHeaderWrongSecret(t *testing.T) {
	signed, err := SignTestToken([]byte("other"), "user-1", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := testAuth([]byte("test-secret")).UserIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestSignTestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	signed, err := SignTestToken(secret, "user-9", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a := testAuth(secret)
	a.Audience, a.Issuer = "", ""
	userID, err := a.UserIDFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-9" {
		t.Fatalf("unexpected user id: %s", userID)
	}
	if _, err := SignTestToken(nil, "user-9", time.Minute); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestNewAuthTestModeRequiresSecret(t *testing.T) {
	t.Setenv(envAuth0TestMode, "1")
	t.Setenv(envTestJWTSecret, "")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without TEST_JWT_SECRET")
		}
	}()
	NewAuth(nil, "", "")
}

func TestNewAuthTestMode(t *testing.T) {
	t.Setenv(envAuth0TestMode, "1")
	t.Setenv(envTestJWTSecret, "abc")
	a := NewAuth(nil, "", "")
	if !a.TestMode || string(a.TestSecret) != "abc" {
		t.Fatalf("expected test mode with secret, got %+v", a)
	}
}
