package enums

import "fmt"

// Currency is the bank's currency code as it appears in MAC and XML fields.
type Currency string

const (
	CurrencyTRY Currency = "TL"
	CurrencyUSD Currency = "US"
	CurrencyEUR Currency = "EU"
)

var validCurrencies = []Currency{
	CurrencyTRY,
	CurrencyUSD,
	CurrencyEUR,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool {
	for _, candidate := range validCurrencies {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCurrency converts a raw string into a Currency.
func ParseCurrency(value string) (Currency, error) {
	for _, candidate := range validCurrencies {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid currency %q", value)
}
