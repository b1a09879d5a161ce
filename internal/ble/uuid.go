package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the canonical lower-case 128-bit form of s.
// 16-bit ("2a19") and 32-bit SIG short forms expand against the
// Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s += baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ble: invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// sameUUID compares two identifiers after normalisation. Unparseable
// values only match themselves.
func sameUUID(a, b string) bool {
	if a == b {
		return true
	}
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

// newAttemptID tags a connection attempt for log correlation and for
// discarding stale timer callbacks.
func newAttemptID() string {
	return uuid.NewString()
}
