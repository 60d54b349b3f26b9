package card

import "time"

// Input is the raw card data submitted for a pre-authorization. It must never
// be logged or persisted; use Summary instead.
type Input struct {
	Number      string
	Cvv         string
	ExpiryMonth string
	ExpiryYear  string
}

// Summary is the PCI-safe projection of a validated card.
type Summary struct {
	Brand    Brand
	Masked   string
	Bin      string
	LastFour string
}

// Validate checks every card field and returns the safe summary plus a map of
// field errors keyed by field name. The map is empty when the card is valid.
func Validate(in Input, now time.Time) (Summary, map[string]string) {
	problems := map[string]string{}

	number := ValidateCardNumber(in.Number)
	if !number.Valid {
		problems["card_number"] = number.Reason
	}
	if !ValidateCvv(in.Cvv, number.Brand) {
		problems["cvv"] = "is invalid"
	}
	if !ValidateExpiryDate(in.ExpiryMonth, in.ExpiryYear, now) {
		problems["expiry"] = "card is expired or date is invalid"
	}

	return Summary{
		Brand:    number.Brand,
		Masked:   number.Masked,
		Bin:      number.Bin(),
		LastFour: number.LastFour(),
	}, problems
}
