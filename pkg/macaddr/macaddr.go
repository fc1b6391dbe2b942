// Package macaddr normalizes physical (MAC) address strings reported by the
// controller and stored in the ledger.
package macaddr

import (
	"errors"
	"fmt"
	"strings"
)

const (
	hexDigitCount = 12
	separator     = ":"
)

// ErrInvalid is returned when a value cannot be reduced to exactly twelve hex digits.
var ErrInvalid = errors.New("invalid mac address")

// Address is a normalized MAC in upper-case colon form (AA:BB:CC:DD:EE:FF).
// The zero value represents "no address".
type Address struct {
	value string
}

// Parse normalizes raw into an Address. Separators (":", "-", ".", whitespace)
// are ignored; anything else that is not a hex digit makes the value invalid.
func Parse(raw string) (Address, error) {
	digits := make([]byte, 0, hexDigitCount)
	for index := 0; index < len(raw); index++ {
		character := raw[index]
		switch {
		case isHexDigit(character):
			digits = append(digits, upper(character))
		case character == ':' || character == '-' || character == '.' || character == ' ' || character == '\t':
			continue
		default:
			return Address{}, fmt.Errorf("%w: unexpected character %q", ErrInvalid, character)
		}
	}
	if len(digits) != hexDigitCount {
		return Address{}, fmt.Errorf("%w: expected %d hex digits, got %d", ErrInvalid, hexDigitCount, len(digits))
	}
	var builder strings.Builder
	builder.Grow(hexDigitCount + hexDigitCount/2 - 1)
	for index := 0; index < hexDigitCount; index += 2 {
		if index > 0 {
			builder.WriteString(separator)
		}
		builder.WriteByte(digits[index])
		builder.WriteByte(digits[index+1])
	}
	return Address{value: builder.String()}, nil
}

// Normalize returns the canonical form of raw, or "" when raw is not a valid address.
func Normalize(raw string) string {
	address, err := Parse(raw)
	if err != nil {
		return ""
	}
	return address.String()
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Address {
	address, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return address
}

// String returns the canonical form.
func (address Address) String() string {
	return address.value
}

// IsZero reports whether the address is unset.
func (address Address) IsZero() bool {
	return address.value == ""
}

func isHexDigit(character byte) bool {
	return (character >= '0' && character <= '9') ||
		(character >= 'a' && character <= 'f') ||
		(character >= 'A' && character <= 'F')
}

func upper(character byte) byte {
	if character >= 'a' && character <= 'f' {
		return character - 'a' + 'A'
	}
	return character
}
