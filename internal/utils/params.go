// Package utils holds small request-parsing helpers shared by the HTTP
// handlers.
package utils

import (
	"errors"
	"strconv"
)

// ErrBadID is returned by ParseID for anything but a positive integer.
var ErrBadID = errors.New("id must be a positive integer")

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampLimit parses a ?limit= value. Missing or invalid values give def;
// the result is kept within [1, max].
func ClampLimit(s string, def, max int) int {
	n := AtoiDefault(s, def)
	if n < 1 {
		n = 1
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// ParseID parses a numeric path parameter.
func ParseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, ErrBadID
	}
	return uint(n), nil
}
