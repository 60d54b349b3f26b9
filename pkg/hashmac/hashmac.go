// Package hashmac implements the bank-specified MAC chain used to sign
// pre-authorization requests and to verify 3-D Secure responses.
//
// All functions are pure: no I/O, no logging, no shared state (GenerateXid
// reads the clock and crypto/rand).
package hashmac

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	fieldSeparator = ";"
	xidMaxLength   = 20
	xidOrderDigits = 6
	cardHashLength = 16
	xidAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ErrMissingField is returned when a required MAC input is empty.
var ErrMissingField = errors.New("hashmac: required field missing")

// ValidationStatus classifies the outcome of a response MAC check.
type ValidationStatus string

const (
	StatusValid        ValidationStatus = "valid"
	StatusInvalidInput ValidationStatus = "invalid_input"
	StatusMismatch     ValidationStatus = "mismatch"
)

// ValidationResult is returned by ValidateResponseMac. A mismatch must be
// treated as a security event by the caller.
type ValidationResult struct {
	Status ValidationStatus
	Reason string
}

// Valid reports whether the bank MAC matched the recomputed one.
func (r ValidationResult) Valid() bool {
	return r.Status == StatusValid
}

// IsMismatch reports whether the inputs were complete but the MAC differed.
func (r ValidationResult) IsMismatch() bool {
	return r.Status == StatusMismatch
}

// NormalizeEncKey converts a comma separated list of byte decimals
// ("10,20,255") into uppercase hex. Hex or opaque keys are returned as-is, and
// so is anything that fails to parse.
func NormalizeEncKey(encKey string) string {
	trimmed := strings.TrimSpace(encKey)
	if !strings.Contains(trimmed, ",") {
		return encKey
	}
	tokens := strings.Split(trimmed, ",")
	buf := make([]byte, 0, len(tokens))
	for _, token := range tokens {
		value, err := strconv.ParseUint(strings.TrimSpace(token), 10, 8)
		if err != nil {
			return encKey
		}
		buf = append(buf, byte(value))
	}
	return strings.ToUpper(hex.EncodeToString(buf))
}

// FirstHash computes Base64(SHA256(encKey + ";" + terminalID)).
func FirstHash(encKey, terminalID string) string {
	return hashFields(NormalizeEncKey(encKey), terminalID)
}

// RequestMac signs an outgoing authorization request.
func RequestMac(xid, amount, currency, merchantNo, terminalID, encKey string) (string, error) {
	if err := requireFields(map[string]string{
		"xid":         xid,
		"amount":      amount,
		"currency":    currency,
		"merchant_no": merchantNo,
		"terminal_id": terminalID,
	}); err != nil {
		return "", err
	}
	return hashFields(xid, amount, currency, merchantNo, FirstHash(encKey, terminalID)), nil
}

// ResponseMac computes the MAC the bank is expected to send back with a 3-D
// Secure result.
func ResponseMac(mdStatus, xid, amount, currency, merchantNo, terminalID, encKey string) (string, error) {
	if err := requireFields(map[string]string{
		"md_status":   mdStatus,
		"xid":         xid,
		"amount":      amount,
		"currency":    currency,
		"merchant_no": merchantNo,
		"terminal_id": terminalID,
	}); err != nil {
		return "", err
	}
	return hashFields(mdStatus, xid, amount, currency, merchantNo, FirstHash(encKey, terminalID)), nil
}

// ValidateResponseMac recomputes the response MAC and compares the decoded
// digests in constant time. A bank MAC that is not canonical Base64 counts as
// a mismatch, not as invalid input.
func ValidateResponseMac(bankMac, mdStatus, xid, amount, currency, merchantNo, terminalID, encKey string) ValidationResult {
	if strings.TrimSpace(bankMac) == "" {
		return ValidationResult{Status: StatusInvalidInput, Reason: "bank mac missing"}
	}
	expected, err := ResponseMac(mdStatus, xid, amount, currency, merchantNo, terminalID, encKey)
	if err != nil {
		return ValidationResult{Status: StatusInvalidInput, Reason: err.Error()}
	}

	want, err := base64.StdEncoding.DecodeString(expected)
	if err != nil {
		return ValidationResult{Status: StatusInvalidInput, Reason: "expected mac not decodable"}
	}
	got, err := base64.StdEncoding.Strict().DecodeString(bankMac)
	if err != nil {
		return ValidationResult{Status: StatusMismatch, Reason: "bank mac not decodable"}
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ValidationResult{Status: StatusMismatch, Reason: "mac mismatch"}
	}
	return ValidationResult{Status: StatusValid}
}

// GenerateXid builds a 20 character transaction id: yyyyMMdd, the order id
// zero padded to 6 digits (last 6 digits when longer) and a 6 character
// random suffix.
func GenerateXid(orderID int64) string {
	return generateXid(time.Now(), orderID, rand.Reader)
}

func generateXid(now time.Time, orderID int64, random io.Reader) string {
	if orderID < 0 {
		orderID = -orderID
	}
	id := fmt.Sprintf("%0*d", xidOrderDigits, orderID)
	if len(id) > xidOrderDigits {
		id = id[len(id)-xidOrderDigits:]
	}
	prefix := now.Format("20060102") + id
	return prefix + randomSuffix(random, xidMaxLength-len(prefix))
}

func randomSuffix(random io.Reader, n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(random, buf); err != nil {
		// fall back to the clock so retries still get a fresh suffix
		nanos := strconv.FormatInt(time.Now().UnixNano(), 36)
		return strings.ToUpper(nanos[len(nanos)-n:])
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = xidAlphabet[int(b)%len(xidAlphabet)]
	}
	return string(out)
}

// HashCardData returns a truncated SHA-256 of the card number digits. It is
// only for audit correlation and never usable for authorization.
func HashCardData(pan string) string {
	var digits strings.Builder
	for _, r := range pan {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(digits.String()))
	return hex.EncodeToString(sum[:])[:cardHashLength]
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, fieldSeparator)))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func requireFields(fields map[string]string) error {
	var missing []string
	for _, name := range []string{"md_status", "xid", "amount", "currency", "merchant_no", "terminal_id"} {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}
