// Package card validates card input and produces the PCI-safe masked form,
// which is the only representation of a card number allowed in logs.
package card

import (
	"strconv"
	"strings"
	"time"
)

// Brand is the card scheme derived from the BIN.
type Brand string

const (
	BrandUnknown    Brand = "Unknown"
	BrandVisa       Brand = "Visa"
	BrandMastercard Brand = "Mastercard"
	BrandAmex       Brand = "Amex"
	BrandTroy       Brand = "Troy"
)

const (
	minLength     = 13
	maxLength     = 19
	visiblePrefix = 6
	visibleSuffix = 4
	maskRune      = '*'
)

// NumberResult describes a validated card number.
type NumberResult struct {
	Valid  bool
	Brand  Brand
	Masked string
	Reason string
}

// Bin returns the first six digits of a masked number.
func (r NumberResult) Bin() string {
	if len(r.Masked) < visiblePrefix {
		return ""
	}
	return r.Masked[:visiblePrefix]
}

// LastFour returns the trailing digits of a masked number.
func (r NumberResult) LastFour() string {
	if len(r.Masked) < visibleSuffix {
		return ""
	}
	return r.Masked[len(r.Masked)-visibleSuffix:]
}

// ValidateCardNumber strips non-digits, checks length and the Luhn checksum
// and classifies the brand.
func ValidateCardNumber(number string) NumberResult {
	digits := Digits(number)
	res := NumberResult{Brand: DetectBrand(digits), Masked: MaskCardNumber(digits)}
	switch {
	case len(digits) < minLength || len(digits) > maxLength:
		res.Reason = "card number must be 13-19 digits"
	case !Luhn(digits):
		res.Reason = "card number checksum failed"
	default:
		res.Valid = true
	}
	return res
}

// Luhn applies the mod 10 checksum to a digit string.
func Luhn(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// DetectBrand classifies a digit string by BIN range.
func DetectBrand(digits string) Brand {
	switch {
	case strings.HasPrefix(digits, "4"):
		return BrandVisa
	case strings.HasPrefix(digits, "34"), strings.HasPrefix(digits, "37"):
		return BrandAmex
	case strings.HasPrefix(digits, "65"), strings.HasPrefix(digits, "9792"):
		return BrandTroy
	case inPrefixRange(digits, 2, 51, 55), inPrefixRange(digits, 4, 2221, 2720):
		return BrandMastercard
	default:
		return BrandUnknown
	}
}

func inPrefixRange(digits string, width, low, high int) bool {
	if len(digits) < width {
		return false
	}
	prefix, err := strconv.Atoi(digits[:width])
	if err != nil {
		return false
	}
	return prefix >= low && prefix <= high
}

// MaskCardNumber keeps the first 6 and last 4 digits and replaces the rest
// with '*'. Numbers too short to mask safely are fully masked.
func MaskCardNumber(number string) string {
	digits := Digits(number)
	if len(digits) <= visiblePrefix+visibleSuffix {
		return strings.Repeat(string(maskRune), len(digits))
	}
	middle := strings.Repeat(string(maskRune), len(digits)-visiblePrefix-visibleSuffix)
	return digits[:visiblePrefix] + middle + digits[len(digits)-visibleSuffix:]
}

// ValidateCvv expects 4 digits for Amex and 3 for every other brand.
func ValidateCvv(cvv string, brand Brand) bool {
	want := 3
	if brand == BrandAmex {
		want = 4
	}
	if len(cvv) != want {
		return false
	}
	for _, r := range cvv {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidateExpiryDate accepts MM and YY or YYYY. The card is valid through the
// last day of its expiry month.
func ValidateExpiryDate(month, year string, now time.Time) bool {
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil || m < 1 || m > 12 {
		return false
	}
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil || y < 0 {
		return false
	}
	if y < 100 {
		y += 2000
	}
	// day 0 of the next month is the last day of this one
	lastDay := time.Date(y, time.Month(m)+1, 0, 0, 0, 0, 0, now.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !lastDay.Before(today)
}

// Digits returns only the ASCII digits of the input.
func Digits(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
