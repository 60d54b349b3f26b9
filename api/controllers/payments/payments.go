package payments

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/scalepay-backend/api/middleware"
	"github.com/angelmondragon/scalepay-backend/api/responses"
	"github.com/angelmondragon/scalepay-backend/api/validators"
	internalpayments "github.com/angelmondragon/scalepay-backend/internal/payments"
	"github.com/angelmondragon/scalepay-backend/pkg/card"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

const maxRefundReasonLength = 500

type preAuthorizeRequest struct {
	OrderID     int64  `json:"order_id" validate:"required,gt=0"`
	CardNumber  string `json:"card_number" validate:"required"`
	Cvv         string `json:"cvv" validate:"required"`
	ExpiryMonth string `json:"expiry_month" validate:"required"`
	ExpiryYear  string `json:"expiry_year" validate:"required"`
	HolderName  string `json:"holder_name" validate:"max=100"`
}

type redirectResponse struct {
	Data1        string `json:"data1"`
	Data2        string `json:"data2"`
	Sign         string `json:"sign"`
	MerchantData string `json:"merchant_data,omitempty"`
}

type preAuthorizeResponse struct {
	OrderID   int64             `json:"order_id"`
	PaymentID int64             `json:"payment_id"`
	Xid       string            `json:"xid"`
	Status    string            `json:"status"`
	Amount    string            `json:"amount"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Redirect  *redirectResponse `json:"redirect,omitempty"`
	RiskLevel string            `json:"risk_level"`
	RiskScore int               `json:"risk_score"`
}

// PreAuthorize validates the card, scores the attempt and places a hold for
// the order total, or returns the 3-D Secure redirect the browser must post.
func PreAuthorize(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var req preAuthorizeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.PreAuthorize(r.Context(), internalpayments.PreAuthorizeInput{
			OrderID: req.OrderID,
			Card: card.Input{
				Number:      req.CardNumber,
				Cvv:         req.Cvv,
				ExpiryMonth: req.ExpiryMonth,
				ExpiryYear:  req.ExpiryYear,
			},
			HolderName: validators.SanitizeString(req.HolderName, 100),
			IPAddress:  middleware.ClientIP(r),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := preAuthorizeResponse{
			OrderID:   result.OrderID,
			PaymentID: result.PaymentID,
			Xid:       result.Xid,
			Status:    string(result.Status),
			Amount:    result.Amount.StringFixed(2),
			ExpiresAt: result.ExpiresAt,
			RiskLevel: string(result.Risk.Level),
			RiskScore: result.Risk.Score,
		}
		if result.Redirect != nil {
			resp.Redirect = &redirectResponse{
				Data1:        result.Redirect.Data1,
				Data2:        result.Redirect.Data2,
				Sign:         result.Redirect.Sign,
				MerchantData: result.MerchantData,
			}
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, resp)
	}
}

type callbackResponse struct {
	OrderID      int64  `json:"order_id"`
	PaymentID    int64  `json:"payment_id"`
	Status       string `json:"status"`
	MdStatus     string `json:"md_status"`
	MdStatusText string `json:"md_status_text"`
	HostLogKey   string `json:"host_log_key,omitempty"`
}

// PosnetCallback receives the 3-D Secure result the bank posts back through
// the cardholder's browser.
func PosnetCallback(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var form internalpayments.CallbackForm
		if err := validators.DecodeForm(w, r, &form); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if strings.TrimSpace(form.BankPacket) == "" || strings.TrimSpace(form.MerchantPacket) == "" || strings.TrimSpace(form.Sign) == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "bank packet, merchant packet and sign required"))
			return
		}

		result, err := svc.ValidateCallback(r.Context(), internalpayments.ParseCallback(form))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, callbackResponse{
			OrderID:      result.OrderID,
			PaymentID:    result.PaymentID,
			Status:       string(result.Status),
			MdStatus:     result.MdStatus,
			MdStatusText: result.MdStatusText,
			HostLogKey:   result.HostLogKey,
		})
	}
}

type settleResponse struct {
	OrderID        int64  `json:"order_id"`
	PaymentID      int64  `json:"payment_id"`
	Operation      string `json:"operation"`
	Amount         string `json:"amount"`
	CaptureStatus  string `json:"capture_status"`
	AlreadySettled bool   `json:"already_settled"`
}

// Settle captures, partially captures or reverses the order's hold once every
// item has been weighed.
func Settle(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		orderID, err := validators.ParsePathID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Settle(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, settleResponse{
			OrderID:        result.OrderID,
			PaymentID:      result.PaymentID,
			Operation:      string(result.Operation),
			Amount:         result.Amount.StringFixed(2),
			CaptureStatus:  string(result.CaptureStatus),
			AlreadySettled: result.AlreadySettled,
		})
	}
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Reason string `json:"reason" validate:"max=500"`
}

type refundResponse struct {
	OrderID        int64  `json:"order_id"`
	PaymentID      int64  `json:"payment_id"`
	RefundID       int64  `json:"refund_id"`
	Amount         string `json:"amount"`
	TotalRefunded  string `json:"total_refunded"`
	RemainingFunds string `json:"remaining_funds"`
}

// Refund returns part or all of a captured amount to the card.
func Refund(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		orderID, err := validators.ParsePathID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req refundRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid refund amount"))
			return
		}

		result, err := svc.Refund(r.Context(), internalpayments.RefundInput{
			OrderID: orderID,
			Amount:  amount,
			Reason:  validators.SanitizeString(req.Reason, maxRefundReasonLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, refundResponse{
			OrderID:        result.OrderID,
			PaymentID:      result.PaymentID,
			RefundID:       result.RefundID,
			Amount:         result.Amount.StringFixed(2),
			TotalRefunded:  result.TotalRefunded.StringFixed(2),
			RemainingFunds: result.RemainingFunds.StringFixed(2),
		})
	}
}
