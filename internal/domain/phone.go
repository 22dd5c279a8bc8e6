package domain

import (
	"fmt"
	"regexp"
)

// mobilePattern matches the domestic mobile format the marketplace accepts:
// "09" followed by nine digits (e.g. "09123456789").
var mobilePattern = regexp.MustCompile(`^09\d{9}$`)

// PhoneNumber is a value object representing a subscriber phone number.
// Always valid in memory — use NewPhoneNumber to construct.
type PhoneNumber struct {
	value string
}

// NewPhoneNumber creates a PhoneNumber from a raw string, validating the
// domestic mobile format.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	if raw == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneNumber)
	}
	if !mobilePattern.MatchString(raw) {
		return PhoneNumber{}, fmt.Errorf("phone number %q is not a valid mobile number: %w", raw, ErrInvalidPhoneNumber)
	}
	return PhoneNumber{value: raw}, nil
}

// MustPhoneNumber creates a PhoneNumber, panicking on invalid input. Use only in tests.
func MustPhoneNumber(raw string) PhoneNumber {
	p, err := NewPhoneNumber(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PhoneNumber) String() string { return p.value }
func (p PhoneNumber) IsZero() bool   { return p.value == "" }
