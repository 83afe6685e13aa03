package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var ErrValidationFailed = errors.New("validation failed")

const (
	DefaultMaxStringLength = 255
	MaxSchemeNameLength    = 255
	MaxSchemeCodeLength    = 12
)

var (
	// PANPattern matches an Indian permanent account number anywhere in a string.
	PANPattern   = regexp.MustCompile(`[A-Z]{5}[0-9]{4}[A-Z]`)
	EmailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	panExact        = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	emailExact      = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneExact      = regexp.MustCompile(`^\+?[0-9][0-9 \-]{6,18}[0-9]$`)
	schemeCodeExact = regexp.MustCompile(`^[0-9]{1,12}$`)
)

// ValidateStringMaxLength checks if a string's UTF-8 character count is within max bounds.
func ValidateStringMaxLength(s string, maxLength int, fieldName string) error {
	if utf8.RuneCountInString(s) > maxLength {
		return fmt.Errorf("%w: %s exceeds maximum length of %d characters", ErrValidationFailed, fieldName, maxLength)
	}
	return nil
}

// NormalizePAN upper-cases a PAN and checks its shape. An empty input is
// returned unchanged with no error.
func NormalizePAN(s string) (string, error) {
	pan := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if pan == "" {
		return "", nil
	}
	if !panExact.MatchString(pan) {
		return "", fmt.Errorf("%w: PAN ('%s') is not in the expected format (5 letters, 4 digits, 1 letter)", ErrValidationFailed, s)
	}
	return pan, nil
}

// ValidateEmail accepts an empty value or a plausible address.
func ValidateEmail(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if err := ValidateStringMaxLength(s, DefaultMaxStringLength, "Email"); err != nil {
		return err
	}
	if !emailExact.MatchString(s) {
		return fmt.Errorf("%w: Email ('%s') is not a valid address", ErrValidationFailed, s)
	}
	return nil
}

// NormalizePhone strips spaces and dashes. Values that don't look like a
// phone number are dropped rather than rejected.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if !phoneExact.MatchString(s) {
		return ""
	}
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

// ValidateSchemeCode checks an AMFI scheme code.
func ValidateSchemeCode(s string) error {
	if !schemeCodeExact.MatchString(strings.TrimSpace(s)) {
		return fmt.Errorf("%w: scheme code ('%s') must be 1 to %d digits", ErrValidationFailed, s, MaxSchemeCodeLength)
	}
	return nil
}

// ParseUnits parses a unit quantity cell. Thousands separators are accepted
// and the sign is dropped; direction comes from the transaction type.
func ParseUnits(s string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("%w: units cell is empty", ErrValidationFailed)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: units ('%s') is not a valid number", ErrValidationFailed, s)
	}
	return d.Abs(), nil
}
