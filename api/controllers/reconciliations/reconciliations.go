package reconciliations

import (
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/scalepay-backend/api/middleware"
	"github.com/angelmondragon/scalepay-backend/api/responses"
	"github.com/angelmondragon/scalepay-backend/api/validators"
	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/angelmondragon/scalepay-backend/pkg/pagination"
)

const maxResolutionLength = 1000

type reconciliationResponse struct {
	ID         int64      `json:"id"`
	OrderID    *int64     `json:"order_id"`
	PaymentID  *int64     `json:"payment_id"`
	Xid        string     `json:"xid,omitempty"`
	Kind       string     `json:"kind"`
	LocalState string     `json:"local_state,omitempty"`
	BankState  string     `json:"bank_state,omitempty"`
	Details    string     `json:"details,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution *string    `json:"resolution,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type listResponse struct {
	Items      []reconciliationResponse `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

func toResponse(entry models.ReconciliationLog) reconciliationResponse {
	return reconciliationResponse{
		ID:         entry.ID,
		OrderID:    entry.OrderID,
		PaymentID:  entry.PaymentID,
		Xid:        entry.Xid,
		Kind:       string(entry.Kind),
		LocalState: entry.LocalState,
		BankState:  entry.BankState,
		Details:    entry.Details,
		ResolvedAt: entry.ResolvedAt,
		Resolution: entry.Resolution,
		CreatedAt:  entry.CreatedAt,
	}
}

// List pages reconciliation entries newest first. Only open entries are
// returned unless include_resolved=true.
func List(svc txlog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction log service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		includeResolved, err := validators.ParseQueryBool(r, "include_resolved", false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListReconciliations(r.Context(), txlog.ReconciliationQuery{
			Kind:            r.URL.Query().Get("kind"),
			IncludeResolved: includeResolved,
			Page: pagination.Params{
				Limit:  limit,
				Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
			},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := listResponse{Items: make([]reconciliationResponse, 0, len(page.Items)), NextCursor: page.NextCursor}
		for _, entry := range page.Items {
			out.Items = append(out.Items, toResponse(entry))
		}
		responses.WriteSuccess(w, out)
	}
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,max=1000"`
}

// Resolve closes an entry after an operator has settled it by hand.
func Resolve(svc txlog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction log service unavailable"))
			return
		}
		id, err := validators.ParsePathID(r, "reconciliationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req resolveRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resolution := validators.SanitizeString(req.Resolution, maxResolutionLength)
		if err := svc.ResolveReconciliation(r.Context(), id, resolution); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(r.Context(), map[string]any{
				"reconciliation_id": id,
				"staff_id":          middleware.StaffIDFromContext(r.Context()),
			}), "reconciliation.resolved_manually")
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "resolved": true})
	}
}

type transactionResponse struct {
	ID              int64      `json:"id"`
	CorrelationID   string     `json:"correlation_id"`
	PaymentID       *int64     `json:"payment_id"`
	TransactionType string     `json:"transaction_type"`
	Phase           string     `json:"phase"`
	Xid             string     `json:"xid"`
	Amount          int64      `json:"amount_minor"`
	Currency        string     `json:"currency"`
	Outcome         string     `json:"outcome"`
	IsSuccess       bool       `json:"is_success"`
	HostLogKey      *string    `json:"host_log_key,omitempty"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	RequestedAt     time.Time  `json:"requested_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	DurationMS      int64      `json:"duration_ms"`
}

// OrderHistory returns the bank call audit trail of an order. Stored payloads
// are masked and not part of the response.
func OrderHistory(svc txlog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transaction log service unavailable"))
			return
		}
		orderID, err := validators.ParsePathID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entries, err := svc.History(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction history"))
			return
		}
		out := make([]transactionResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, transactionResponse{
				ID:              e.ID,
				CorrelationID:   e.CorrelationID.String(),
				PaymentID:       e.PaymentID,
				TransactionType: string(e.TransactionType),
				Phase:           string(e.Phase),
				Xid:             e.Xid,
				Amount:          e.Amount,
				Currency:        e.Currency,
				Outcome:         string(e.Outcome),
				IsSuccess:       e.IsSuccess,
				HostLogKey:      e.HostLogKey,
				ErrorCode:       e.ErrorCode,
				ErrorMessage:    e.ErrorMessage,
				RequestedAt:     e.RequestedAt,
				RespondedAt:     e.RespondedAt,
				DurationMS:      e.DurationMS,
			})
		}
		responses.WriteSuccess(w, out)
	}
}
