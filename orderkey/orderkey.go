// Package orderkey allocates fractional, lexicographically sortable keys
// used to order tasks within a board column.
//
// Keys are non-empty strings over a base-62 alphabet whose byte order
// matches digit order. A key never ends in the zero digit, so there is
// always room to sort another key before it.
package orderkey

import (
	"errors"
	"fmt"
)

// Digits is the key alphabet in ascending byte order.
const Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(Digits)

// Default is the key given to the first task of an empty column.
const Default = "V"

var (
	ErrInvalidRange = errors.New("orderkey: lower bound must sort before upper bound")
	ErrInvalidKey   = errors.New("orderkey: invalid key")
)

func digit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 36
	}
	return -1
}

// Validate reports whether key can be used as an allocation bound.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		if digit(key[i]) < 0 {
			return fmt.Errorf("%w: %q has byte %q outside the alphabet", ErrInvalidKey, key, key[i])
		}
	}
	if key[len(key)-1] == Digits[0] {
		return fmt.Errorf("%w: %q ends with %q", ErrInvalidKey, key, Digits[0])
	}
	return nil
}

// Between returns a key sorting strictly between before and after. An empty
// bound is open: Between("", "") is Default, Between(k, "") appends after k
// and Between("", k) prepends before k.
func Between(before, after string) (string, error) {
	if before != "" {
		if err := Validate(before); err != nil {
			return "", err
		}
	}
	if after != "" {
		if err := Validate(after); err != nil {
			return "", err
		}
	}
	switch {
	case before == "" && after == "":
		return Default, nil
	case after == "":
		return increment(before), nil
	case before == "":
		return decrement(after), nil
	case before >= after:
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidRange, before, after)
	}
	return midpoint(before, after), nil
}

// Allocate is Between for callers that guarantee before < after. A
// violation is a programming error and panics.
func Allocate(before, after string) string {
	k, err := Between(before, after)
	if err != nil {
		panic(err)
	}
	return k
}

// increment returns the smallest convenient key above k: the last digit is
// bumped when possible ("n" -> "o"), otherwise a digit is appended.
func increment(k string) string {
	last := digit(k[len(k)-1])
	if last < base-1 {
		return k[:len(k)-1] + string(Digits[last+1])
	}
	return k + Default
}

func decrement(k string) string {
	last := digit(k[len(k)-1])
	if last > 1 {
		return k[:len(k)-1] + string(Digits[last-1])
	}
	return midpoint("", k)
}

// midpoint returns a key strictly between a and b, with a < b. An empty a is
// the open lower bound, an empty b the open upper bound.
func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n == len(b) {
			panic(fmt.Sprintf("orderkey: no key between %q and %q", a, b))
		}
		if n > 0 {
			return b[:n] + midpoint(tail(a, n), b[n:])
		}
	}
	da := 0
	if a != "" {
		da = digit(a[0])
	}
	db := base
	if b != "" {
		db = digit(b[0])
	}
	if db-da > 1 {
		return string(Digits[(da+db)/2])
	}
	if len(b) > 1 {
		return b[:1]
	}
	return string(Digits[da]) + midpoint(tail(a, 1), "")
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return Digits[0]
}

func tail(s string, n int) string {
	if n >= len(s) {
		return ""
	}
	return s[n:]
}
