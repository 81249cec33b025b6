package api

import (
	"errors"
	"strings"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// authHeader returns the request's Authorization header, falling back to a
// token query parameter for EventSource clients that cannot set headers.
func authHeader(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" {
		if token := c.QueryParam("token"); token != "" {
			h = bearerPrefix + token
		}
	}
	return h
}

// bearerToken returns the JWT carried by a "Bearer <jwt>" header without
// copying it.
func bearerToken(raw string) ([]byte, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return nil, errMissingAuthorization
	}
	if len(raw) <= len(bearerPrefix) || !strings.HasPrefix(raw, bearerPrefix) {
		return nil, errBadAuthorization
	}
	token := raw[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return nil, errBadAuthorization
	}
	return readOnlyBytes(token), nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
