package payments

import (
	"context"
	"time"

	"github.com/angelmondragon/scalepay-backend/internal/fraud"
	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/pkg/card"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	reasonFraudBlock     = "blocked by risk checks"
	reasonBankDeclined   = "declined by bank"
	reasonBankError      = "bank request failed"
	reasonThreeDSBlocked = "3-D Secure authentication failed"
	reasonSuperseded     = "superseded by a new attempt"
)

// PreAuthorizeInput carries the raw card for one authorization attempt. Card
// data is only forwarded to the bank and never stored or logged.
type PreAuthorizeInput struct {
	OrderID    int64
	Card       card.Input
	HolderName string
	IPAddress  string
}

// PreAuthorizeResult describes the hold or the 3-D Secure redirect to follow.
type PreAuthorizeResult struct {
	OrderID      int64
	PaymentID    int64
	Xid          string
	Status       enums.AuthStatus
	Amount       decimal.Decimal
	ExpiresAt    *time.Time
	Redirect     *posnet.RedirectData
	MerchantData string
	Risk         fraud.Assessment
}

func (s *service) PreAuthorize(ctx context.Context, input PreAuthorizeInput) (*PreAuthorizeResult, error) {
	if input.OrderID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	now := s.now()
	summary, problems := card.Validate(input.Card, now)
	if len(problems) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "card details are invalid").WithDetails(problems)
	}

	ctx = s.withOrder(ctx, input.OrderID)

	release, err := s.locks.Acquire(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.repo.FindOrder(ctx, input.OrderID)
	if err != nil {
		return nil, notFoundOr(err, "order not found", "load order")
	}
	if order.CaptureStatus == enums.CaptureStatusCaptured {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already captured")
	}
	if !order.PreAuthAmount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order amount must be positive")
	}
	active, err := s.repo.FindActivePayment(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load active payment")
	}
	if active != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already authorized")
	}
	if held, err := s.settleOpenAttempt(ctx, order.ID); err != nil || held != nil {
		return held, err
	}

	cardHash := hashmac.HashCardData(input.Card.Number)
	risk, err := s.assess(ctx, order, cardHash, input.IPAddress, now)
	if err != nil {
		return nil, err
	}

	status := enums.AuthStatusPending
	if s.settings.ThreeDSecure {
		status = enums.AuthStatusPending3DS
	}
	payment := &models.Payment{
		OrderID:             order.ID,
		AuthStatus:          status,
		CaptureStatus:       enums.CaptureStatusNotCaptured,
		Currency:            order.Currency,
		Amount:              order.PreAuthAmount,
		Xid:                 hashmac.GenerateXid(order.ID),
		TolerancePercentage: order.TolerancePercentage,
		CardBin:             summary.Bin,
		CardLastFour:        summary.LastFour,
		CardBrand:           string(summary.Brand),
		CardHash:            cardHash,
	}
	if risk.ShouldBlock {
		payment.AuthStatus = enums.AuthStatusBlocked
		payment.FailureReason = optionalString(reasonFraudBlock)
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
	}

	if risk.ShouldBlock {
		s.metrics.IncSecurityEvent("fraud_block")
		s.warn(ctx, "payments.preauth.blocked", map[string]any{
			"payment_id": payment.ID,
			"risk_score": risk.Score,
			"factors":    risk.Factors,
		})
		return nil, pkgerrors.New(pkgerrors.CodeAuthorizationDeclined, reasonFraudBlock)
	}

	amount := posnet.ToMinorUnits(payment.Amount)
	mac, err := s.requestMac(payment.Xid, amount, payment.Currency)
	if err != nil {
		return nil, err
	}
	req := posnet.AuthRequest{
		Xid:      payment.Xid,
		Amount:   amount,
		Currency: payment.Currency.String(),
		Card: posnet.Card{
			Number:      card.Digits(input.Card.Number),
			ExpiryMonth: input.Card.ExpiryMonth,
			ExpiryYear:  input.Card.ExpiryYear,
			Cvv:         input.Card.Cvv,
			HolderName:  input.HolderName,
		},
		Mac: mac,
	}
	refCtx := txlog.WithReference(ctx, txlog.Reference{OrderID: order.ID, PaymentID: payment.ID})

	result := &PreAuthorizeResult{
		OrderID:   order.ID,
		PaymentID: payment.ID,
		Xid:       payment.Xid,
		Amount:    payment.Amount,
		Risk:      risk,
	}

	if s.settings.ThreeDSecure {
		resp, callErr := s.gateway.InitiateThreeDS(refCtx, req)
		if err := s.handleThreeDSInit(ctx, payment, resp, callErr); err != nil {
			return nil, err
		}
		result.Status = enums.AuthStatusPending3DS
		result.Redirect = resp.RedirectData
		result.MerchantData = EncodeMerchantData(order.ID, order.PreAuthAmount, now)
		s.info(ctx, "payments.preauth.3ds_started", map[string]any{"payment_id": payment.ID, "xid": payment.Xid})
		return result, nil
	}

	resp, callErr := s.gateway.Authorize(refCtx, req)
	expiresAt, err := s.applyAuthorization(ctx, payment, enums.AuthStatusPending, resp, callErr, nil)
	if err != nil {
		return nil, err
	}
	result.Status = enums.AuthStatusAuthorized
	result.ExpiresAt = expiresAt
	return result, nil
}

// settleOpenAttempt closes out an earlier attempt before a new hold is
// requested. A 3-D Secure attempt has nothing held at the bank yet and is
// superseded. An attempt whose bank answer was lost is inquired: when the
// bank holds it, that hold is returned instead of placing a second one.
func (s *service) settleOpenAttempt(ctx context.Context, orderID int64) (*PreAuthorizeResult, error) {
	open, err := s.repo.FindOpenAttempt(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load open payment")
	}
	if open == nil {
		return nil, nil
	}

	if open.AuthStatus == enums.AuthStatusPending3DS {
		won, err := s.repo.TransitionPayment(ctx, open.ID, enums.AuthStatusPending3DS, map[string]any{
			"auth_status":    enums.AuthStatusVoided,
			"failure_reason": reasonSuperseded,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "supersede payment")
		}
		if !won {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment changed while starting a new attempt")
		}
		s.info(ctx, "payments.preauth.superseded", map[string]any{"payment_id": open.ID, "xid": open.Xid})
		return nil, nil
	}

	resolution, err := s.reconcileAuthorization(ctx, open)
	if err != nil {
		return nil, outcomeUnknown(err)
	}
	if resolution != resolutionAuthorized {
		return nil, nil
	}
	held, err := s.repo.FindPayment(ctx, open.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}
	return &PreAuthorizeResult{
		OrderID:   held.OrderID,
		PaymentID: held.ID,
		Xid:       held.Xid,
		Status:    held.AuthStatus,
		Amount:    held.Amount,
		ExpiresAt: held.AuthorizationExpiresAt,
	}, nil
}

// assess scores the attempt when fraud checks are enabled.
func (s *service) assess(ctx context.Context, order *models.Order, cardHash, ip string, now time.Time) (fraud.Assessment, error) {
	if !s.settings.FraudEnabled {
		return fraud.Assessment{Level: fraud.LevelLow}, nil
	}
	failed, err := s.txlog.FailedAuthorizations(ctx, cardHash, now.Add(-s.settings.FailedAttemptsSpan))
	if err != nil {
		return fraud.Assessment{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count failed authorizations")
	}
	risk := s.scorer.Score(fraud.Input{
		Amount:               order.PreAuthAmount,
		IPAddress:            ip,
		RecentFailedAttempts: failed,
		IsGuest:              order.IsGuest,
	})
	if risk.IsSuspicious {
		s.warn(ctx, "payments.preauth.suspicious", map[string]any{
			"risk_score": risk.Score,
			"risk_level": string(risk.Level),
			"factors":    risk.Factors,
		})
	}
	return risk, nil
}

// handleThreeDSInit records a failed 3-D Secure registration. Nothing is held
// on the card at this point, so any non approval simply ends the attempt.
func (s *service) handleThreeDSInit(ctx context.Context, payment *models.Payment, resp *posnet.Response, callErr error) error {
	outcome := txlog.Classify(resp, callErr)
	if outcome == enums.PosnetLogOutcomeApproved && resp.RedirectData != nil {
		return nil
	}

	reason := reasonBankError
	if outcome == enums.PosnetLogOutcomeDeclined {
		reason = reasonBankDeclined
		if resp != nil && resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
		}
	}
	if _, err := s.repo.TransitionPayment(ctx, payment.ID, enums.AuthStatusPending3DS, map[string]any{
		"auth_status":    enums.AuthStatusDeclined,
		"failure_reason": reason,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record 3-D Secure failure")
	}

	if outcome == enums.PosnetLogOutcomeDeclined {
		return pkgerrors.New(pkgerrors.CodeAuthorizationDeclined, reason)
	}
	if callErr != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, callErr, "initiate 3-D Secure")
	}
	return pkgerrors.New(pkgerrors.CodeDependency, "bank returned no 3-D Secure redirect")
}

// applyAuthorization turns an auth or 3-D Secure completion answer into
// payment and order state. from is the status the payment must still be in.
func (s *service) applyAuthorization(ctx context.Context, payment *models.Payment, from enums.AuthStatus, resp *posnet.Response, callErr error, extra map[string]any) (*time.Time, error) {
	switch txlog.Classify(resp, callErr) {
	case enums.PosnetLogOutcomeApproved:
		return s.markAuthorized(ctx, payment, from, resp.HostLogKey, resp.AuthCode, extra)
	case enums.PosnetLogOutcomeUnknown:
		s.recordUnknown(ctx, payment, enums.PosnetTransactionTypeAuth, "authorization pending", callErr)
		return nil, outcomeUnknown(callErr)
	case enums.PosnetLogOutcomeDeclined:
		reason := reasonBankDeclined
		if resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
		}
		if err := s.markDeclined(ctx, payment, from, reason); err != nil {
			return nil, err
		}
		s.info(ctx, "payments.authorization.declined", map[string]any{
			"payment_id": payment.ID,
			"error_code": resp.ErrorCode,
		})
		return nil, pkgerrors.New(pkgerrors.CodeAuthorizationDeclined, "authorization declined")
	default:
		if err := s.markDeclined(ctx, payment, from, reasonBankError); err != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, callErr, "authorize payment")
	}
}

func (s *service) markAuthorized(ctx context.Context, payment *models.Payment, from enums.AuthStatus, hostLogKey, authCode string, extra map[string]any) (*time.Time, error) {
	expiresAt := s.now().Add(s.settings.AuthorizationTTL)
	updates := map[string]any{
		"auth_status":              enums.AuthStatusAuthorized,
		"is_active":                true,
		"authorized_amount":        payment.Amount,
		"authorization_reference":  optionalString(hostLogKey),
		"auth_code":                optionalString(authCode),
		"authorization_expires_at": expiresAt,
		"failure_reason":           nil,
	}
	for k, v := range extra {
		updates[k] = v
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		won, err := repo.TransitionPayment(ctx, payment.ID, from, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
		}
		if !won {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment changed while authorizing")
		}
		return repo.UpdateOrder(ctx, payment.OrderID, map[string]any{
			"authorized_amount":     payment.Amount,
			"pre_auth_host_log_key": optionalString(hostLogKey),
			"capture_status":        enums.CaptureStatusNotCaptured,
		})
	})
	if err != nil {
		return nil, err
	}

	s.info(ctx, "payments.authorization.approved", map[string]any{
		"payment_id": payment.ID,
		"xid":        payment.Xid,
		"amount":     payment.Amount.StringFixed(2),
	})
	return &expiresAt, nil
}

func (s *service) markDeclined(ctx context.Context, payment *models.Payment, from enums.AuthStatus, reason string) error {
	if _, err := s.repo.TransitionPayment(ctx, payment.ID, from, map[string]any{
		"auth_status":    enums.AuthStatusDeclined,
		"failure_reason": reason,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record declined payment")
	}
	return nil
}
