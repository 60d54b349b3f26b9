package fraud

import (
	"net/netip"
	"strings"

	"github.com/shopspring/decimal"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

const (
	FactorHighAmount      = "high_amount"
	FactorVeryHighAmount  = "very_high_amount"
	FactorFailedAttempts  = "failed_attempts"
	FactorManyFailures    = "many_failed_attempts"
	FactorGuestHighAmount = "guest_high_amount"
	FactorSuspiciousIP    = "suspicious_ip"
)

const (
	suspiciousScoreCutoff   = 30
	failedAttemptsThreshold = 3
	failedAttemptsBlock     = 5
)

var (
	highAmount      = decimal.NewFromInt(10_000)
	veryHighAmount  = decimal.NewFromInt(50_000)
	guestHighAmount = decimal.NewFromInt(5_000)
)

// Input is everything the scorer looks at.
type Input struct {
	Amount               decimal.Decimal
	IPAddress            string
	RecentFailedAttempts int
	IsGuest              bool
}

// Assessment is advisory except for ShouldBlock.
type Assessment struct {
	Score        int
	Level        Level
	IsSuspicious bool
	ShouldBlock  bool
	Factors      []string
}

// Scorer rates a payment attempt. It holds no state beyond its settings.
type Scorer struct {
	// TrustPrivateNetworks stops loopback and private addresses from being
	// flagged, for local and staging environments.
	TrustPrivateNetworks bool
}

// Score evaluates in. Points: amount over 10k +15, over 50k +25, three or
// more failures +20 (five or more +30 and block), guest over 5k +10,
// suspicious IP +15.
func (s Scorer) Score(in Input) Assessment {
	var out Assessment
	add := func(points int, factor string) {
		out.Score += points
		out.Factors = append(out.Factors, factor)
	}

	if in.Amount.GreaterThan(highAmount) {
		add(15, FactorHighAmount)
	}
	if in.Amount.GreaterThan(veryHighAmount) {
		add(25, FactorVeryHighAmount)
	}

	switch {
	case in.RecentFailedAttempts >= failedAttemptsBlock:
		add(30, FactorManyFailures)
		out.ShouldBlock = true
	case in.RecentFailedAttempts >= failedAttemptsThreshold:
		add(20, FactorFailedAttempts)
	}

	if in.IsGuest && in.Amount.GreaterThan(guestHighAmount) {
		add(10, FactorGuestHighAmount)
	}
	if s.suspiciousIP(in.IPAddress) {
		add(15, FactorSuspiciousIP)
	}

	out.Level = levelFor(out.Score)
	out.IsSuspicious = out.Score >= suspiciousScoreCutoff
	return out
}

func levelFor(score int) Level {
	switch {
	case score < 20:
		return LevelLow
	case score < 40:
		return LevelMedium
	case score < 60:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func (s Scorer) suspiciousIP(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return true
	}
	if addr.IsUnspecified() {
		return true
	}
	if s.TrustPrivateNetworks {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
