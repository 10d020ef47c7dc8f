// Package plate normalizes and validates Brazilian licence plates. Two shapes
// are accepted: the legacy grey plate (LLLDDDD) and the Mercosul plate
// (LLLDADD, where the fifth character may be a letter or a digit).
//
// Normalization is pure: whitespace anywhere in the input is removed, letters
// are uppercased and hyphens are stripped before the shape is checked.
package plate

import (
	"errors"
	"strings"
	"unicode"
)

// Length is the length of every normalized plate.
const Length = 7

// ExpectedFormat describes the accepted shapes for user-facing messages.
const ExpectedFormat = "ABC1234 (legacy) or ABC1D23 (Mercosul)"

// ErrInvalidFormat is returned when the input matches neither plate shape.
var ErrInvalidFormat = errors.New("invalid plate format")

// Format identifies which plate shape a normalized plate follows.
type Format string

const (
	FormatUnknown  Format = "unknown"
	FormatLegacy   Format = "legacy"
	FormatMercosul Format = "mercosul"
)

// Normalize returns the canonical 7-character form of raw, or
// ErrInvalidFormat when the cleaned input is not a legacy or Mercosul plate.
func Normalize(raw string) (string, error) {
	cleaned := clean(raw)
	if Detect(cleaned) == FormatUnknown {
		return "", ErrInvalidFormat
	}
	return cleaned, nil
}

// Valid reports whether raw normalizes to a valid plate.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Detect classifies an already-normalized plate. Legacy wins over Mercosul
// when both match (a digit in the fifth position is legal for both).
func Detect(p string) Format {
	if len(p) != Length {
		return FormatUnknown
	}
	for i := 0; i < 3; i++ {
		if !isLetter(p[i]) {
			return FormatUnknown
		}
	}
	if !isDigit(p[3]) || !isDigit(p[5]) || !isDigit(p[6]) {
		return FormatUnknown
	}
	switch {
	case isDigit(p[4]):
		return FormatLegacy
	case isLetter(p[4]):
		return FormatMercosul
	default:
		return FormatUnknown
	}
}

func clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func isLetter(c byte) bool { return c >= 'A' && c <= 'Z' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
