package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Bluetooth base UUID suffix used to expand 16- and 32-bit short forms.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the canonical lowercase, dashed 128-bit form of s.
// It accepts 16-bit ("2a56") and 32-bit short forms, undashed 32-digit hex
// (as printed by go-ble) and the dashed form.
func NormalizeUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s = s + baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ble: parse uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// SameUUID reports whether a and b name the same UUID in any accepted form.
func SameUUID(a, b string) bool {
	na, err := NormalizeUUID(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeUUID(b)
	if err != nil {
		return false
	}
	return na == nb
}
