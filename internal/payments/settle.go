package payments

import (
	"context"

	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const reverseAuthTransaction = "auth"

// SettleResult reports what reached the bank for an order. Operation is
// reverse when nothing was owed and the hold was released instead.
type SettleResult struct {
	OrderID        int64
	PaymentID      int64
	Operation      enums.PosnetTransactionType
	Amount         decimal.Decimal
	CaptureStatus  enums.CaptureStatus
	AlreadySettled bool
}

// SettlementTarget is the amount to capture for an order: the pre-authorized
// amount moved by every weight adjustment, kept inside the tolerance band and
// never negative. An admin override lifts the floor to zero and the ceiling
// to hardLimit above the pre-authorized amount.
func SettlementTarget(order models.Order, adjustments []models.WeightAdjustment, hardLimit decimal.Decimal) decimal.Decimal {
	target := order.PreAuthAmount
	for _, adj := range adjustments {
		target = target.Add(adj.SettlementAmount())
	}

	one := decimal.NewFromInt(1)
	lower := order.PreAuthAmount.Mul(one.Sub(order.TolerancePercentage))
	upper := order.PreAuthAmount.Mul(one.Add(order.TolerancePercentage))
	if order.AdminOverride {
		lower = decimal.Zero
		upper = order.PreAuthAmount.Mul(one.Add(hardLimit))
	}

	if target.LessThan(lower) {
		target = lower
	}
	if target.GreaterThan(upper) {
		target = upper
	}
	if target.IsNegative() {
		target = decimal.Zero
	}
	return target.Round(2)
}

type settlementPlan struct {
	order   *models.Order
	payment *models.Payment
	target  decimal.Decimal
	op      enums.PosnetTransactionType
}

func (p settlementPlan) reference() txlog.Reference {
	return txlog.Reference{OrderID: p.order.ID, PaymentID: p.payment.ID}
}

func (s *service) Settle(ctx context.Context, orderID int64) (*SettleResult, error) {
	if orderID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	ctx = s.withOrder(ctx, orderID)

	release, err := s.locks.Acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	plan, settled, err := s.planSettlement(ctx, orderID)
	if err != nil || settled != nil {
		return settled, err
	}

	if result, done, err := s.recoverSettlement(ctx, plan); err != nil || done {
		return result, err
	}

	refCtx := txlog.WithReference(ctx, plan.reference())
	var (
		resp    *posnet.Response
		callErr error
	)
	if plan.op == enums.PosnetTransactionTypeReverse {
		resp, callErr = s.gateway.Reverse(refCtx, posnet.ReverseRequest{
			Xid:         plan.payment.Xid,
			HostLogKey:  deref(plan.payment.AuthorizationReference),
			Transaction: reverseAuthTransaction,
		})
	} else {
		resp, callErr = s.gateway.Capture(refCtx, posnet.CaptureRequest{
			Xid:        plan.payment.Xid,
			HostLogKey: deref(plan.payment.AuthorizationReference),
			Amount:     posnet.ToMinorUnits(plan.target),
			Currency:   plan.payment.Currency.String(),
		})
	}

	switch txlog.Classify(resp, callErr) {
	case enums.PosnetLogOutcomeApproved:
		return s.finalize(ctx, plan, plan.target, s.approvedLogID(ctx, plan))
	case enums.PosnetLogOutcomeUnknown:
		s.recordUnknown(ctx, plan.payment, plan.op, "authorized, settlement pending", callErr)
		s.metrics.IncSettlement("unknown")
		return nil, outcomeUnknown(callErr)
	default:
		reason := reasonBankError
		if resp != nil && resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
		}
		if err := s.markCaptureFailed(ctx, plan, reason); err != nil {
			return nil, err
		}
		s.metrics.IncSettlement("failed")
		s.warn(ctx, "payments.settlement.failed", map[string]any{
			"payment_id":       plan.payment.ID,
			"transaction_type": plan.op.String(),
			"reason":           reason,
		})
		if callErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, callErr, "settle order")
		}
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "bank rejected settlement: "+reason)
	}
}

// planSettlement checks every precondition under the order row lock. An
// expired authorization is recorded before the error is returned.
func (s *service) planSettlement(ctx context.Context, orderID int64) (settlementPlan, *SettleResult, error) {
	var (
		plan    settlementPlan
		settled *SettleResult
		expired *models.Payment
	)
	now := s.now()

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return notFoundOr(err, "order not found", "lock order")
		}
		if order.CaptureStatus == enums.CaptureStatusCaptured {
			settled = &SettleResult{
				OrderID:        order.ID,
				Amount:         order.CapturedAmount,
				CaptureStatus:  order.CaptureStatus,
				AlreadySettled: true,
			}
			return nil
		}

		payment, err := repo.FindActivePayment(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load active payment")
		}
		if payment == nil || payment.AuthStatus != enums.AuthStatusAuthorized {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order has no active authorization")
		}
		if payment.Expired(now) {
			if err := s.expirePayment(ctx, repo, payment); err != nil {
				return err
			}
			expired = payment
			return nil
		}

		var adjustments []models.WeightAdjustment
		if order.HasWeightBasedItems {
			weigh := s.weighing.WithTx(tx)
			weighed, err := weigh.AreAllItemsWeighed(ctx, orderID)
			if err != nil {
				return err
			}
			if !weighed {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order has items awaiting weighing")
			}
			pending, err := weigh.HasPendingAdminApproval(ctx, orderID)
			if err != nil {
				return err
			}
			if pending {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order has adjustments awaiting admin approval")
			}
			if adjustments, err = weigh.Adjustments(ctx, orderID); err != nil {
				return err
			}
		}

		plan = settlementPlan{
			order:   order,
			payment: payment,
			target:  SettlementTarget(*order, adjustments, s.settings.OverrideHardLimit),
			op:      enums.PosnetTransactionTypeCapture,
		}
		if plan.target.IsZero() {
			plan.op = enums.PosnetTransactionTypeReverse
		}
		return nil
	})
	if err != nil {
		return settlementPlan{}, nil, err
	}
	if expired != nil {
		s.recordExpiry(ctx, expired)
		return settlementPlan{}, nil, pkgerrors.New(pkgerrors.CodeAuthorizationExpired, "authorization expired before settlement")
	}
	return plan, settled, nil
}

// recoverSettlement finishes a settlement the bank already performed. It
// trusts an approved log entry, and inquires with the bank when an earlier
// attempt ended without an observable answer or never logged one.
func (s *service) recoverSettlement(ctx context.Context, plan settlementPlan) (*SettleResult, bool, error) {
	for _, op := range []enums.PosnetTransactionType{enums.PosnetTransactionTypeCapture, enums.PosnetTransactionTypeReverse} {
		entry, err := s.txlog.SuccessfulResult(ctx, plan.payment.Xid, op)
		if err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check settlement log")
		}
		if entry == nil {
			continue
		}
		plan.op = op
		amount := posnet.FromMinorUnits(entry.Amount)
		if op == enums.PosnetTransactionTypeReverse {
			amount = decimal.Zero
		}
		result, err := s.finalize(ctx, plan, amount, &entry.ID)
		return result, true, err
	}

	unresolved := false
	for _, op := range []enums.PosnetTransactionType{enums.PosnetTransactionTypeCapture, enums.PosnetTransactionTypeReverse} {
		pending, err := s.txlog.OutcomePending(ctx, plan.payment.Xid, op)
		if err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check settlement log")
		}
		unresolved = unresolved || pending
	}
	if !unresolved {
		return nil, false, nil
	}

	refCtx := txlog.WithReference(ctx, plan.reference())
	resp, err := s.gateway.Inquire(refCtx, posnet.InquiryRequest{Xid: plan.payment.Xid})
	if err != nil {
		return nil, false, outcomeUnknown(err)
	}
	return s.applyInquiry(ctx, plan, resp)
}

// applyInquiry finalizes from a bank inquiry when it shows the capture or
// reversal went through.
func (s *service) applyInquiry(ctx context.Context, plan settlementPlan, resp *posnet.Response) (*SettleResult, bool, error) {
	if txn, ok := resp.Find(posnet.StateCapture); ok {
		plan.op = enums.PosnetTransactionTypeCapture
		amount := posnet.FromMinorUnits(txn.Amount)
		if !amount.Equal(plan.target) {
			s.recordMismatch(ctx, plan, amount)
		}
		result, err := s.finalize(ctx, plan, amount, nil)
		return result, true, err
	}
	if _, ok := resp.Find(posnet.StateReverse); ok {
		plan.op = enums.PosnetTransactionTypeReverse
		result, err := s.finalize(ctx, plan, decimal.Zero, nil)
		return result, true, err
	}
	return nil, false, nil
}

// finalize commits a settlement the bank approved. Weight adjustments are
// closed in the same transaction as the order.
func (s *service) finalize(ctx context.Context, plan settlementPlan, amount decimal.Decimal, logID *int64) (*SettleResult, error) {
	now := s.now()
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.UpdateOrder(ctx, plan.order.ID, map[string]any{
			"captured_amount": amount,
			"capture_status":  enums.CaptureStatusCaptured,
			"captured_at":     now,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order")
		}

		updates := map[string]any{
			"captured_amount": amount,
			"capture_status":  enums.CaptureStatusCaptured,
			"captured_at":     now,
			"failure_reason":  nil,
		}
		if plan.op == enums.PosnetTransactionTypeReverse {
			updates["auth_status"] = enums.AuthStatusVoided
			updates["is_active"] = false
		}
		if err := repo.UpdatePayment(ctx, plan.payment.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
		}

		if plan.order.HasWeightBasedItems {
			if _, err := s.weighing.WithTx(tx).MarkSettled(ctx, plan.order.ID, logID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(ctx, "payments.settlement.finalize_failed", err, map[string]any{"payment_id": plan.payment.ID})
		return nil, err
	}

	s.metrics.IncSettlement(plan.op.String())
	s.info(ctx, "payments.settlement.completed", map[string]any{
		"payment_id":       plan.payment.ID,
		"transaction_type": plan.op.String(),
		"amount":           amount.StringFixed(2),
		"pre_auth_amount":  plan.order.PreAuthAmount.StringFixed(2),
	})
	return &SettleResult{
		OrderID:       plan.order.ID,
		PaymentID:     plan.payment.ID,
		Operation:     plan.op,
		Amount:        amount,
		CaptureStatus: enums.CaptureStatusCaptured,
	}, nil
}

func (s *service) markCaptureFailed(ctx context.Context, plan settlementPlan, reason string) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.UpdatePayment(ctx, plan.payment.ID, map[string]any{
			"capture_status": enums.CaptureStatusFailed,
			"failure_reason": reason,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
		}
		if err := repo.UpdateOrder(ctx, plan.order.ID, map[string]any{
			"capture_status": enums.CaptureStatusFailed,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order")
		}
		return nil
	})
}

// approvedLogID looks up the audit row of the call that just succeeded so
// adjustments can point at it. A missing row only costs the back reference.
func (s *service) approvedLogID(ctx context.Context, plan settlementPlan) *int64 {
	entry, err := s.txlog.SuccessfulResult(ctx, plan.payment.Xid, plan.op)
	if err != nil || entry == nil {
		return nil
	}
	return &entry.ID
}

func (s *service) recordMismatch(ctx context.Context, plan settlementPlan, bankAmount decimal.Decimal) {
	if _, err := s.txlog.RecordReconciliation(ctx, txlog.ReconciliationInput{
		OrderID:    plan.order.ID,
		PaymentID:  plan.payment.ID,
		Xid:        plan.payment.Xid,
		Kind:       enums.ReconciliationKindAmountMismatch,
		LocalState: "capture " + plan.target.StringFixed(2),
		BankState:  "capture " + bankAmount.StringFixed(2),
	}); err != nil {
		s.logError(ctx, "payments.reconciliation.write_failed", err, map[string]any{"xid": plan.payment.Xid})
	}
}
