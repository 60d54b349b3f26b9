package posnet

import (
	"regexp"

	"github.com/angelmondragon/scalepay-backend/pkg/card"
)

const (
	encKeyVisiblePrefix = 4
	macVisiblePrefix    = 6
)

var (
	ccnoPattern   = regexp.MustCompile(`(?i)(<ccno>)([^<]*)(</ccno>)`)
	cvcPattern    = regexp.MustCompile(`(?i)(<cvc>)[^<]*(</cvc>)`)
	encKeyPattern = regexp.MustCompile(`(?i)(<enckey>)([^<]*)(</enckey>)`)
	macPattern    = regexp.MustCompile(`(?i)(<mac>)([^<]*)(</mac>)`)
)

// Mask redacts card number, CVC, encryption key and MAC values from a bank
// payload so it can be persisted or logged.
func Mask(payload string) string {
	if payload == "" {
		return payload
	}
	out := ccnoPattern.ReplaceAllStringFunc(payload, func(m string) string {
		parts := ccnoPattern.FindStringSubmatch(m)
		return parts[1] + card.MaskCardNumber(parts[2]) + parts[3]
	})
	out = cvcPattern.ReplaceAllString(out, "${1}***${2}")
	out = encKeyPattern.ReplaceAllStringFunc(out, func(m string) string {
		parts := encKeyPattern.FindStringSubmatch(m)
		return parts[1] + prefix(parts[2], encKeyVisiblePrefix) + parts[3]
	})
	return macPattern.ReplaceAllStringFunc(out, func(m string) string {
		parts := macPattern.FindStringSubmatch(m)
		return parts[1] + prefix(parts[2], macVisiblePrefix) + parts[3]
	})
}

func prefix(value string, visible int) string {
	if value == "" {
		return value
	}
	if len(value) <= visible {
		return "***"
	}
	return value[:visible] + "***"
}
