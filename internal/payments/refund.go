package payments

import (
	"context"

	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundInput returns part or all of a captured amount.
type RefundInput struct {
	OrderID int64
	Amount  decimal.Decimal
	Reason  string
}

// RefundResult describes the child payment recording the refund.
type RefundResult struct {
	OrderID        int64
	PaymentID      int64
	RefundID       int64
	Amount         decimal.Decimal
	TotalRefunded  decimal.Decimal
	RemainingFunds decimal.Decimal
}

func (s *service) Refund(ctx context.Context, input RefundInput) (*RefundResult, error) {
	if input.OrderID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	input.Amount = input.Amount.Round(2)
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	ctx = s.withOrder(ctx, input.OrderID)

	release, err := s.locks.Acquire(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	defer release()

	var original, child *models.Payment
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.LockOrder(ctx, input.OrderID)
		if err != nil {
			return notFoundOr(err, "order not found", "lock order")
		}
		if order.CaptureStatus != enums.CaptureStatusCaptured {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order has not been captured")
		}
		if original, err = s.capturedPayment(ctx, repo, order.ID); err != nil {
			return err
		}
		pending, err := repo.ListRefunds(ctx, original.ID, enums.AuthStatusPending)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending refunds")
		}
		// A refund with an unknown outcome may already have moved money.
		available := original.CapturedAmount.Sub(original.RefundedAmount)
		for _, refund := range pending {
			available = available.Sub(refund.Amount)
		}
		if input.Amount.GreaterThan(available) {
			return pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds captured amount").
				WithDetails(map[string]string{"available": available.StringFixed(2)})
		}

		parentID := original.ID
		child = &models.Payment{
			OrderID:             order.ID,
			OriginalPaymentID:   &parentID,
			AuthStatus:          enums.AuthStatusPending,
			CaptureStatus:       enums.CaptureStatusNotCaptured,
			Currency:            original.Currency,
			Amount:              input.Amount,
			Xid:                 hashmac.GenerateXid(order.ID),
			TolerancePercentage: original.TolerancePercentage,
			CardBin:             original.CardBin,
			CardLastFour:        original.CardLastFour,
			CardBrand:           original.CardBrand,
			CardHash:            original.CardHash,
			FailureReason:       optionalString(input.Reason),
		}
		if err := repo.CreatePayment(ctx, child); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refCtx := txlog.WithReference(ctx, txlog.Reference{OrderID: input.OrderID, PaymentID: child.ID})
	resp, callErr := s.gateway.Refund(refCtx, posnet.RefundRequest{
		Xid:        original.Xid,
		HostLogKey: deref(original.AuthorizationReference),
		Amount:     posnet.ToMinorUnits(input.Amount),
		Currency:   original.Currency.String(),
	})

	switch txlog.Classify(resp, callErr) {
	case enums.PosnetLogOutcomeApproved:
		total, err := s.completeRefund(ctx, original, child, resp.HostLogKey)
		if err != nil {
			return nil, err
		}
		s.info(ctx, "payments.refund.approved", map[string]any{
			"payment_id": original.ID,
			"refund_id":  child.ID,
			"amount":     input.Amount.StringFixed(2),
		})
		return &RefundResult{
			OrderID:        input.OrderID,
			PaymentID:      original.ID,
			RefundID:       child.ID,
			Amount:         input.Amount,
			TotalRefunded:  total,
			RemainingFunds: original.CapturedAmount.Sub(total),
		}, nil
	case enums.PosnetLogOutcomeUnknown:
		s.recordUnknown(ctx, child, enums.PosnetTransactionTypeRefund, "refund pending", callErr)
		return nil, outcomeUnknown(callErr)
	default:
		reason := reasonBankError
		if resp != nil && resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
		}
		if err := s.markDeclined(ctx, child, enums.AuthStatusPending, reason); err != nil {
			return nil, err
		}
		if callErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, callErr, "refund payment")
		}
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "bank rejected refund: "+reason)
	}
}

// capturedPayment returns the authorization the order was captured against.
func (s *service) capturedPayment(ctx context.Context, repo Repository, orderID int64) (*models.Payment, error) {
	payment, err := repo.FindActivePayment(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if payment == nil || payment.CaptureStatus != enums.CaptureStatusCaptured {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no captured payment")
	}
	return payment, nil
}

// completeRefund marks the child approved and adds its amount to the
// original. It returns the new refunded total.
func (s *service) completeRefund(ctx context.Context, original, child *models.Payment, hostLogKey string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		won, err := repo.TransitionPayment(ctx, child.ID, enums.AuthStatusPending, map[string]any{
			"auth_status":             enums.AuthStatusAuthorized,
			"authorized_amount":       child.Amount,
			"refunded_amount":         child.Amount,
			"authorization_reference": optionalString(hostLogKey),
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update refund")
		}
		if !won {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "refund already completed")
		}
		current, err := repo.FindPayment(ctx, original.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
		}
		total = current.RefundedAmount.Add(child.Amount)
		return repo.UpdatePayment(ctx, original.ID, map[string]any{"refunded_amount": total})
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}
