package payments

import (
	"context"
	"fmt"

	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

const (
	resolutionAuthorized     = "authorization found at bank"
	resolutionAuthMissing    = "authorization not found at bank"
	resolutionRefunded       = "refund found at bank"
	resolutionRefundMissing  = "refund not found at bank"
	resolutionSettled        = "settlement found at bank"
	resolutionSettleMissing  = "capture not found at bank; settlement may be retried"
	resolutionAlreadySettled = "order already settled"
)

// ReconcileReport counts reconciliation entries handled in one pass.
type ReconcileReport struct {
	Resolved int
	Pending  int
}

// ExpireAuthorizations closes authorizations whose hold window has passed.
// It returns how many payments were expired.
func (s *service) ExpireAuthorizations(ctx context.Context, limit int) (int, error) {
	payments, err := s.repo.ListExpiredAuthorizations(ctx, s.now(), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired authorizations")
	}

	var (
		expired int
		errs    error
	)
	for _, candidate := range payments {
		ok, err := s.expireOne(s.withOrder(ctx, candidate.OrderID), candidate)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire payment %d: %w", candidate.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errs
}

func (s *service) expireOne(ctx context.Context, candidate models.Payment) (bool, error) {
	release, err := s.locks.Acquire(ctx, candidate.OrderID)
	if err != nil {
		return false, err
	}
	defer release()

	var expired *models.Payment
	now := s.now()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.LockOrder(ctx, candidate.OrderID); err != nil {
			return err
		}
		payment, err := repo.FindPayment(ctx, candidate.ID)
		if err != nil {
			return err
		}
		// A settlement may have won the lock first.
		if !payment.IsActive || payment.AuthStatus != enums.AuthStatusAuthorized ||
			payment.CaptureStatus != enums.CaptureStatusNotCaptured || !payment.Expired(now) {
			return nil
		}
		if err := s.expirePayment(ctx, repo, payment); err != nil {
			return err
		}
		expired = payment
		return nil
	})
	if err != nil || expired == nil {
		return false, err
	}
	s.recordExpiry(ctx, expired)
	return true, nil
}

// expirePayment marks an authorization expired within the caller's
// transaction.
func (s *service) expirePayment(ctx context.Context, repo Repository, payment *models.Payment) error {
	if err := repo.UpdatePayment(ctx, payment.ID, map[string]any{
		"auth_status":    enums.AuthStatusExpired,
		"is_active":      false,
		"capture_status": enums.CaptureStatusFailed,
		"failure_reason": "authorization expired",
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire payment")
	}
	if err := repo.UpdateOrder(ctx, payment.OrderID, map[string]any{
		"capture_status": enums.CaptureStatusFailed,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order")
	}
	return nil
}

func (s *service) recordExpiry(ctx context.Context, payment *models.Payment) {
	expiresAt := ""
	if payment.AuthorizationExpiresAt != nil {
		expiresAt = payment.AuthorizationExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	if _, err := s.txlog.RecordReconciliation(ctx, txlog.ReconciliationInput{
		OrderID:    payment.OrderID,
		PaymentID:  payment.ID,
		Xid:        payment.Xid,
		Kind:       enums.ReconciliationKindAuthorizationExpired,
		LocalState: "authorized until " + expiresAt,
		BankState:  "hold released",
	}); err != nil {
		s.logError(ctx, "payments.reconciliation.write_failed", err, map[string]any{"xid": payment.Xid})
	}
	s.warn(ctx, "payments.authorization.expired", map[string]any{
		"payment_id": payment.ID,
		"xid":        payment.Xid,
	})
}

// ReconcileUnknownOutcomes asks the bank about calls whose outcome was never
// observed and brings local state in line with the answer.
func (s *service) ReconcileUnknownOutcomes(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	entries, err := s.txlog.OpenReconciliations(ctx, enums.ReconciliationKindOutcomeUnknown, limit)
	if err != nil {
		return report, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list open reconciliations")
	}

	var errs error
	for _, entry := range entries {
		resolution, err := s.reconcileOne(ctx, entry)
		if err != nil {
			report.Pending++
			errs = multierr.Append(errs, fmt.Errorf("reconcile %d: %w", entry.ID, err))
			continue
		}
		if resolution == "" {
			report.Pending++
			continue
		}
		if err := s.txlog.ResolveReconciliation(ctx, entry.ID, resolution); err != nil {
			report.Pending++
			errs = multierr.Append(errs, fmt.Errorf("resolve %d: %w", entry.ID, err))
			continue
		}
		report.Resolved++
	}
	return report, errs
}

// reconcileOne returns the resolution text, or "" when the entry has to
// stay open.
func (s *service) reconcileOne(ctx context.Context, entry models.ReconciliationLog) (string, error) {
	payment, err := s.reconciledPayment(ctx, entry)
	if err != nil {
		return "", err
	}
	ctx = s.withOrder(ctx, payment.OrderID)

	release, err := s.locks.Acquire(ctx, payment.OrderID)
	if err != nil {
		return "", err
	}
	defer release()

	// Reload under the lock; another path may have settled it meanwhile.
	if payment, err = s.repo.FindPayment(ctx, payment.ID); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}

	switch {
	case payment.OriginalPaymentID != nil && payment.AuthStatus == enums.AuthStatusPending:
		return s.reconcileRefund(ctx, payment)
	case payment.AuthStatus == enums.AuthStatusPending:
		return s.reconcileAuthorization(ctx, payment)
	case payment.AuthStatus == enums.AuthStatusAuthorized && payment.IsActive &&
		payment.CaptureStatus != enums.CaptureStatusCaptured:
		return s.reconcileSettlement(ctx, payment)
	default:
		return fmt.Sprintf("no action: payment is %s", payment.AuthStatus), nil
	}
}

func (s *service) reconciledPayment(ctx context.Context, entry models.ReconciliationLog) (*models.Payment, error) {
	if entry.PaymentID != nil {
		payment, err := s.repo.FindPayment(ctx, *entry.PaymentID)
		if err != nil {
			return nil, notFoundOr(err, "payment not found", "load payment")
		}
		return payment, nil
	}
	payment, err := s.repo.FindPaymentByXid(ctx, entry.Xid)
	if err != nil {
		return nil, notFoundOr(err, "payment not found", "load payment")
	}
	return payment, nil
}

func (s *service) inquire(ctx context.Context, payment *models.Payment, xid string) (*posnet.Response, error) {
	refCtx := txlog.WithReference(ctx, txlog.Reference{OrderID: payment.OrderID, PaymentID: payment.ID})
	resp, err := s.gateway.Inquire(refCtx, posnet.InquiryRequest{Xid: xid})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, pkgerrors.New(pkgerrors.CodeOutcomeUnknown, "empty inquiry response")
	}
	return resp, nil
}

func (s *service) reconcileAuthorization(ctx context.Context, payment *models.Payment) (string, error) {
	resp, err := s.inquire(ctx, payment, payment.Xid)
	if err != nil {
		return "", err
	}
	if txn, ok := resp.Find(posnet.StateAuth); ok {
		if _, err := s.markAuthorized(ctx, payment, enums.AuthStatusPending, txn.HostLogKey, "", nil); err != nil {
			return "", err
		}
		return resolutionAuthorized, nil
	}
	if err := s.markDeclined(ctx, payment, enums.AuthStatusPending, resolutionAuthMissing); err != nil {
		return "", err
	}
	return resolutionAuthMissing, nil
}

func (s *service) reconcileRefund(ctx context.Context, child *models.Payment) (string, error) {
	original, err := s.repo.FindPayment(ctx, *child.OriginalPaymentID)
	if err != nil {
		return "", notFoundOr(err, "original payment not found", "load payment")
	}
	resp, err := s.inquire(ctx, child, original.Xid)
	if err != nil {
		return "", err
	}
	txn, ok, err := s.matchRefund(ctx, resp, original.ID, child)
	if err != nil {
		return "", err
	}
	if ok {
		if _, err := s.completeRefund(ctx, original, child, txn.HostLogKey); err != nil {
			return "", err
		}
		return resolutionRefunded, nil
	}
	if err := s.markDeclined(ctx, child, enums.AuthStatusPending, resolutionRefundMissing); err != nil {
		return "", err
	}
	return resolutionRefundMissing, nil
}

// matchRefund picks the bank return entry for child: same amount, and not
// already claimed by a completed refund of the same original.
func (s *service) matchRefund(ctx context.Context, resp *posnet.Response, originalID int64, child *models.Payment) (posnet.InquiryTransaction, bool, error) {
	settled, err := s.repo.ListRefunds(ctx, originalID, enums.AuthStatusAuthorized)
	if err != nil {
		return posnet.InquiryTransaction{}, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load refunds")
	}
	claimed := make(map[string]bool, len(settled))
	for _, refund := range settled {
		if key := deref(refund.AuthorizationReference); key != "" {
			claimed[key] = true
		}
	}

	amount := posnet.ToMinorUnits(child.Amount)
	for _, txn := range resp.Transactions {
		if txn.State != posnet.StateReturn || txn.Amount != amount {
			continue
		}
		if txn.HostLogKey != "" && claimed[txn.HostLogKey] {
			continue
		}
		return txn, true, nil
	}
	return posnet.InquiryTransaction{}, false, nil
}

func (s *service) reconcileSettlement(ctx context.Context, payment *models.Payment) (string, error) {
	plan, settled, err := s.planSettlement(ctx, payment.OrderID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeAuthorizationExpired) {
			return "authorization expired before settlement", nil
		}
		return "", err
	}
	if settled != nil {
		return resolutionAlreadySettled, nil
	}
	resp, err := s.inquire(ctx, payment, payment.Xid)
	if err != nil {
		return "", err
	}
	_, done, err := s.applyInquiry(ctx, plan, resp)
	if err != nil {
		return "", err
	}
	if done {
		return resolutionSettled, nil
	}
	return resolutionSettleMissing, nil
}
