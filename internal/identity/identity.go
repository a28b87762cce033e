package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// cidNamespace is the fixed namespace for content-addressed contact
// identifiers. CIDs are version 5 (SHA-1, RFC 4122) UUIDs derived from the
// provider's native identifier and the owning instance number. Changing the
// namespace or the derivation input invalidates every existing identity
// link, so treat this as a frozen wire format.
var cidNamespace = uuid.MustParse("9f2d64a1-3c58-44b0-9e07-6c1f08a2d5e4")

const maxIdentifierLength = 190

var (
	// ErrInvalidNativeID indicates that a provider-native identifier is empty or exceeds storage bounds.
	ErrInvalidNativeID = errors.New("identity: invalid native id")
	// ErrInvalidNumber indicates that a phone number contains no significant digits.
	ErrInvalidNumber = errors.New("identity: invalid phone number")
)

// CID represents a validated deterministic contact identifier.
type CID string

// String returns the underlying string identifier.
func (id CID) String() string {
	return string(id)
}

// DeriveCID computes the deterministic contact identifier for a
// provider-native identifier owned by the given instance number. The same
// (nativeID, instanceNumber) pair always yields the same CID, which keeps
// contact identity stable across reconciliation passes without a server
// round trip.
func DeriveCID(nativeID, instanceNumber string) (CID, error) {
	trimmed := strings.TrimSpace(nativeID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNativeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNativeID, maxIdentifierLength)
	}

	normalized, err := NormalizeNumber(instanceNumber)
	if err != nil {
		return "", err
	}

	derived := uuid.NewSHA1(cidNamespace, []byte(trimmed+"|"+normalized.String()))
	return CID(derived.String()), nil
}

// Number represents a normalized phone number: digits only, with an
// optional leading plus preserved from an explicit international prefix.
type Number string

// String returns the underlying normalized number.
func (n Number) String() string {
	return string(n)
}

// NormalizeNumber strips formatting (spaces, dashes, dots, parentheses) from
// a raw phone number. A leading "+" or "00" international prefix is
// normalized to "+". The result contains only digits after the optional
// leading plus.
func NormalizeNumber(rawInput string) (Number, error) {
	trimmed := strings.TrimSpace(rawInput)
	international := false
	if strings.HasPrefix(trimmed, "+") {
		international = true
		trimmed = trimmed[1:]
	}

	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	collected := digits.String()
	if !international && strings.HasPrefix(collected, "00") {
		international = true
		collected = collected[2:]
	}

	if collected == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, rawInput)
	}

	if international {
		return Number("+" + collected), nil
	}
	return Number(collected), nil
}

// NewChangeID issues a globally unique identifier for a change-log entry.
func NewChangeID() string {
	return uuid.NewString()
}
