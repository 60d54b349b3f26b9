package posnet

// MdStatus is the 3-D Secure authentication outcome reported by the bank.
type MdStatus string

var mdStatusDescriptions = map[MdStatus]string{
	"0": "authentication failed",
	"1": "full authentication",
	"2": "cardholder or issuer not enrolled",
	"3": "issuer not enrolled",
	"4": "authentication attempt",
	"5": "authentication unavailable",
	"6": "3-D Secure error",
	"7": "system error",
	"8": "unknown card",
	"9": "merchant not enrolled",
}

// Description returns the fixed table text, or "unknown md status".
func (m MdStatus) Description() string {
	if desc, ok := mdStatusDescriptions[m]; ok {
		return desc
	}
	return "unknown md status"
}

// FullyAuthenticated reports a successful cardholder challenge.
func (m MdStatus) FullyAuthenticated() bool {
	return m == "1"
}

// Permits reports whether the payment may proceed: full (1) or partial
// (2, 3, 4) authentication. Everything else blocks.
func (m MdStatus) Permits() bool {
	switch m {
	case "1", "2", "3", "4":
		return true
	default:
		return false
	}
}
