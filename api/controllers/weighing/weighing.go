package weighing

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/scalepay-backend/api/middleware"
	"github.com/angelmondragon/scalepay-backend/api/responses"
	"github.com/angelmondragon/scalepay-backend/api/validators"
	internalweighing "github.com/angelmondragon/scalepay-backend/internal/weighing"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

const maxNoteLength = 1000

// adjustmentResponse is the operator facing view of a weight adjustment.
type adjustmentResponse struct {
	ID                    int64      `json:"id"`
	OrderID               int64      `json:"order_id"`
	OrderItemID           int64      `json:"order_item_id"`
	Status                string     `json:"status"`
	EstimatedWeight       string     `json:"estimated_weight"`
	ActualWeight          *string    `json:"actual_weight"`
	EstimatedPrice        string     `json:"estimated_price"`
	ActualPrice           *string    `json:"actual_price"`
	PriceDifference       string     `json:"price_difference"`
	DifferencePercent     string     `json:"difference_percent"`
	TolerancePercentage   string     `json:"tolerance_percentage"`
	RequiresAdminApproval bool       `json:"requires_admin_approval"`
	AdminReviewed         bool       `json:"admin_reviewed"`
	AdminApproved         bool       `json:"admin_approved"`
	AdjustedPrice         *string    `json:"adjusted_price"`
	AdminNote             *string    `json:"admin_note"`
	ReviewedAt            *time.Time `json:"reviewed_at,omitempty"`
	IsSettled             bool       `json:"is_settled"`
}

func toResponse(adj models.WeightAdjustment) adjustmentResponse {
	return adjustmentResponse{
		ID:                    adj.ID,
		OrderID:               adj.OrderID,
		OrderItemID:           adj.OrderItemID,
		Status:                string(adj.Status),
		EstimatedWeight:       adj.EstimatedWeight.StringFixed(3),
		ActualWeight:          nullable(adj.ActualWeight, 3),
		EstimatedPrice:        adj.EstimatedPrice.StringFixed(2),
		ActualPrice:           nullable(adj.ActualPrice, 2),
		PriceDifference:       adj.PriceDifference.StringFixed(2),
		DifferencePercent:     adj.DifferencePercent.StringFixed(2),
		TolerancePercentage:   adj.TolerancePercentage.String(),
		RequiresAdminApproval: adj.RequiresAdminApproval,
		AdminReviewed:         adj.AdminReviewed,
		AdminApproved:         adj.AdminApproved,
		AdjustedPrice:         nullable(adj.AdjustedPrice, 2),
		AdminNote:             adj.AdminNote,
		ReviewedAt:            adj.ReviewedAt,
		IsSettled:             adj.IsSettled,
	}
}

func nullable(value decimal.NullDecimal, places int32) *string {
	if !value.Valid {
		return nil
	}
	s := value.Decimal.StringFixed(places)
	return &s
}

type weighingEventRequest struct {
	OrderItemID  int64      `json:"order_item_id" validate:"required,gt=0"`
	ActualWeight string     `json:"actual_weight" validate:"required,numeric"`
	WeighedAt    *time.Time `json:"weighed_at"`
}

// RecordWeighing stores the scale reading a courier took for one order item.
func RecordWeighing(svc internalweighing.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "weighing service unavailable"))
			return
		}
		courierID := middleware.StaffIDFromContext(r.Context())
		if courierID <= 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "courier identity missing"))
			return
		}

		var req weighingEventRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		weight, err := decimal.NewFromString(strings.TrimSpace(req.ActualWeight))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid actual weight"))
			return
		}

		event := internalweighing.WeighingEvent{
			OrderItemID:  req.OrderItemID,
			ActualWeight: weight,
			CourierID:    courierID,
		}
		if req.WeighedAt != nil {
			event.Timestamp = *req.WeighedAt
		}

		adj, err := svc.RecordWeighing(r.Context(), event)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toResponse(*adj))
	}
}

type reviewRequest struct {
	Approved          *bool   `json:"approved" validate:"required"`
	AdjustedPrice     *string `json:"adjusted_price" validate:"omitempty,numeric"`
	Note              *string `json:"note"`
	AllowBandOverride bool    `json:"allow_band_override"`
}

// ReviewAdjustment records an operator decision on an adjustment that fell
// outside the tolerance band.
func ReviewAdjustment(svc internalweighing.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "weighing service unavailable"))
			return
		}
		adjustmentID, err := validators.ParsePathID(r, "adjustmentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req reviewRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		review := internalweighing.AdminReview{
			WeightAdjustmentID: adjustmentID,
			AdminID:            middleware.StaffIDFromContext(r.Context()),
			Approved:           *req.Approved,
			AllowBandOverride:  req.AllowBandOverride,
		}
		if req.AdjustedPrice != nil {
			price, err := decimal.NewFromString(strings.TrimSpace(*req.AdjustedPrice))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid adjusted price"))
				return
			}
			review.AdjustedPrice = &price
		}
		if req.Note != nil {
			if note := validators.SanitizeString(*req.Note, maxNoteLength); note != "" {
				review.Note = &note
			}
		}

		adj, err := svc.Review(r.Context(), review)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toResponse(*adj))
	}
}

// ListAdjustments returns every weight adjustment of an order.
func ListAdjustments(svc internalweighing.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "weighing service unavailable"))
			return
		}
		orderID, err := validators.ParsePathID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		adjustments, err := svc.Adjustments(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]adjustmentResponse, 0, len(adjustments))
		for _, adj := range adjustments {
			out = append(out, toResponse(adj))
		}
		responses.WriteSuccess(w, out)
	}
}
