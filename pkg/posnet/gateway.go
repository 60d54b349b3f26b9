package posnet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable marks a bank side failure where the request was rejected
// before processing (HTTP 5xx or another non 200 status). It is safe to retry.
var ErrUnavailable = errors.New("posnet unavailable")

// ErrMalformedResponse marks a 200 answer whose body could not be read. The
// bank may have processed the request, so the outcome is unknown.
var ErrMalformedResponse = errors.New("posnet response unreadable")

// Gateway is the bank surface the payment engine depends on. Amounts are
// integer minor units; card data only travels inside AuthRequest.
type Gateway interface {
	Authorize(ctx context.Context, req AuthRequest) (*Response, error)
	InitiateThreeDS(ctx context.Context, req AuthRequest) (*Response, error)
	CompleteThreeDS(ctx context.Context, req ThreeDSRequest) (*Response, error)
	ResolveCallback(ctx context.Context, req ResolveRequest) (*Response, error)
	Capture(ctx context.Context, req CaptureRequest) (*Response, error)
	Reverse(ctx context.Context, req ReverseRequest) (*Response, error)
	Refund(ctx context.Context, req RefundRequest) (*Response, error)
	Inquire(ctx context.Context, req InquiryRequest) (*Response, error)
}

// Card carries raw card data for a single request. It must never be logged.
type Card struct {
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	Cvv         string
	HolderName  string
}

// AuthRequest pre-authorizes funds. Mac is required for the 3-D Secure flow.
type AuthRequest struct {
	Xid      string
	Amount   int64
	Currency string
	Card     Card
	Mac      string
}

// ThreeDSRequest finalises an authorization after the cardholder returned.
type ThreeDSRequest struct {
	Xid      string
	Amount   int64
	Currency string
	BankData string
	Mac      string
}

// ResolveRequest asks the bank to decrypt the callback payload.
type ResolveRequest struct {
	Xid          string
	BankData     string
	MerchantData string
	Sign         string
	Mac          string
}

type CaptureRequest struct {
	Xid        string
	HostLogKey string
	Amount     int64
	Currency   string
}

// ReverseRequest voids a previous transaction. Transaction names the bank
// operation being reversed ("auth", "capt", "return").
type ReverseRequest struct {
	Xid         string
	HostLogKey  string
	Transaction string
}

type RefundRequest struct {
	Xid        string
	HostLogKey string
	Amount     int64
	Currency   string
}

type InquiryRequest struct {
	Xid string
}

// Response is the normalised bank answer. RawRequest and RawResponse are
// already masked and safe to persist.
type Response struct {
	Approved         bool
	AlreadyProcessed bool
	HostLogKey       string
	AuthCode         string
	ErrorCode        string
	ErrorMessage     string
	RedirectData     *RedirectData
	Resolved         *ResolvedMerchantData
	Transactions     []InquiryTransaction
	RawRequest       string
	RawResponse      string
}

// RedirectData is handed to the storefront to post the cardholder to the ACS.
type RedirectData struct {
	Data1 string
	Data2 string
	Sign  string
}

// ResolvedMerchantData is the decrypted 3-D Secure result.
type ResolvedMerchantData struct {
	Xid            string
	Amount         string
	Currency       string
	MdStatus       string
	MdErrorMessage string
	Mac            string
}

// Bank side transaction states reported by an inquiry.
const (
	StateAuth    = "Auth"
	StateCapture = "Capture"
	StateReverse = "Reverse"
	StateReturn  = "Return"
)

// InquiryTransaction is one bank side record found for an order id.
type InquiryTransaction struct {
	State      string
	HostLogKey string
	Amount     int64
	Currency   string
}

// Find returns the first transaction in the given bank state.
func (r *Response) Find(state string) (InquiryTransaction, bool) {
	if r == nil {
		return InquiryTransaction{}, false
	}
	for _, txn := range r.Transactions {
		if txn.State == state {
			return txn, true
		}
	}
	return InquiryTransaction{}, false
}

// ToMinorUnits converts a major unit amount into the integer the bank expects.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts a bank amount back to major units.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
