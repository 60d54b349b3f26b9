package payments

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MerchantData is the order context round tripped through the bank redirect.
type MerchantData struct {
	OrderID    int64
	Amount     decimal.Decimal
	Timestamp  time.Time
	Structured bool
}

// EncodeMerchantData renders the Base64 "OrderId=..|Amount=..|Ts=.." value
// handed to the storefront along with the 3-D Secure redirect.
func EncodeMerchantData(orderID int64, amount decimal.Decimal, at time.Time) string {
	raw := fmt.Sprintf("OrderId=%d|Amount=%s|Ts=%d", orderID, amount.StringFixed(2), at.Unix())
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// ParseMerchantData decodes the callback MerchantData field. Values that are
// not Base64 or lack the structured OrderId field are treated as a bare
// order id.
func ParseMerchantData(value string) (MerchantData, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return MerchantData{}, fmt.Errorf("merchant data is empty")
	}

	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if md, ok := parseStructured(string(decoded)); ok {
			return md, nil
		}
		if id, err := parseOrderID(string(decoded)); err == nil {
			return MerchantData{OrderID: id}, nil
		}
	}

	if md, ok := parseStructured(value); ok {
		return md, nil
	}
	id, err := parseOrderID(value)
	if err != nil {
		return MerchantData{}, fmt.Errorf("merchant data carries no order id")
	}
	return MerchantData{OrderID: id}, nil
}

func parseStructured(raw string) (MerchantData, bool) {
	if !strings.Contains(raw, "=") {
		return MerchantData{}, false
	}
	md := MerchantData{Structured: true}
	found := false
	for _, part := range strings.Split(raw, "|") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "orderid":
			id, err := parseOrderID(val)
			if err != nil {
				return MerchantData{}, false
			}
			md.OrderID = id
			found = true
		case "amount":
			if amount, err := decimal.NewFromString(val); err == nil {
				md.Amount = amount
			}
		case "ts":
			if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
				md.Timestamp = time.Unix(secs, 0).UTC()
			}
		}
	}
	return md, found
}

func parseOrderID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("order id must be positive")
	}
	return id, nil
}
