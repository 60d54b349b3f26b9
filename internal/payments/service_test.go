package payments

import (
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withThreeDS(params *ServiceParams) {
	params.Settings.ThreeDSecure = true
}

func redirect() bankAnswer {
	return bankAnswer{resp: &posnet.Response{
		Approved:     true,
		RedirectData: &posnet.RedirectData{Data1: "D1", Data2: "D2", Sign: "SIGN"},
	}}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestPreAuthorizeDirect(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder(t, "120.50", "0.10")
	h.bank.on("authorize", approved("HLK-AUTH"))

	result, err := h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
	require.NoError(t, err)
	assert.Equal(t, enums.AuthStatusAuthorized, result.Status)
	require.NotNil(t, result.ExpiresAt)
	assert.Equal(t, fixedNow.Add(7*24*time.Hour), *result.ExpiresAt)

	payment := h.loadPayment(t, result.PaymentID)
	assert.Equal(t, enums.AuthStatusAuthorized, payment.AuthStatus)
	assert.True(t, payment.IsActive)
	assert.Equal(t, "HLK-AUTH", *payment.AuthorizationReference)
	assert.Equal(t, "0366", payment.CardLastFour)
	assert.Equal(t, "453201", payment.CardBin)
	assert.Equal(t, hashmac.HashCardData("4532015112830366"), payment.CardHash)

	stored := h.loadOrder(t, order.ID)
	assert.True(t, dec("120.50").Equal(stored.AuthorizedAmount))
	assert.Equal(t, "HLK-AUTH", *stored.PreAuthHostLogKey)

	_, err = h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestPreAuthorizeRejectsInvalidCard(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder(t, "50.00", "0.10")
	input := cardInput(order.ID)
	input.Card.Number = "4532015112830367"
	input.Card.Cvv = "12"

	_, err := h.svc.PreAuthorize(context.Background(), input)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	problems, ok := pkgerrors.As(err).Details().(map[string]string)
	require.True(t, ok)
	assert.Contains(t, problems, "card_number")
	assert.Contains(t, problems, "cvv")
	assert.Zero(t, h.bank.count("authorize"))
}

func TestPreAuthorizeDeclined(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", declined("0051", "YETERSIZ BAKIYE"))

	result, err := h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAuthorizationDeclined))

	var payment models.Payment
	require.NoError(t, h.db.Where("order_id = ?", order.ID).First(&payment).Error)
	assert.Equal(t, enums.AuthStatusDeclined, payment.AuthStatus)
	assert.False(t, payment.IsActive)
}

func TestPreAuthorizeUnknownOutcomeLeavesPaymentPending(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", timedOut())

	_, err := h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutcomeUnknown))

	var payment models.Payment
	require.NoError(t, h.db.Where("order_id = ?", order.ID).First(&payment).Error)
	assert.Equal(t, enums.AuthStatusPending, payment.AuthStatus)
	assert.Len(t, h.reconciliations(t, enums.ReconciliationKindOutcomeUnknown), 1)
}

func TestPreAuthorizeRetryReusesHoldFoundByInquiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", timedOut())

	_, err := h.svc.PreAuthorize(ctx, cardInput(order.ID))
	require.Error(t, err)
	var first models.Payment
	require.NoError(t, h.db.Where("order_id = ?", order.ID).First(&first).Error)

	h.bank.on("inquire", inquiry(posnet.InquiryTransaction{State: posnet.StateAuth, HostLogKey: "HLK-LATE"}))
	result, err := h.svc.PreAuthorize(ctx, cardInput(order.ID))
	require.NoError(t, err)
	assert.Equal(t, enums.AuthStatusAuthorized, result.Status)
	assert.Equal(t, first.ID, result.PaymentID)
	assert.Equal(t, first.Xid, result.Xid)
	require.NotNil(t, result.ExpiresAt)

	assert.Equal(t, 1, h.bank.count("authorize"))
	assert.Equal(t, 1, h.bank.count("inquire"))
	var attempts int64
	require.NoError(t, h.db.Model(&models.Payment{}).Where("order_id = ?", order.ID).Count(&attempts).Error)
	assert.Equal(t, int64(1), attempts)
	assert.Equal(t, "HLK-LATE", *h.loadPayment(t, first.ID).AuthorizationReference)
}

func TestPreAuthorizeRetryAfterBankHasNoRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", timedOut(), approved("HLK-AUTH"))

	_, err := h.svc.PreAuthorize(ctx, cardInput(order.ID))
	require.Error(t, err)
	var first models.Payment
	require.NoError(t, h.db.Where("order_id = ?", order.ID).First(&first).Error)

	h.bank.on("inquire", inquiry())
	result, err := h.svc.PreAuthorize(ctx, cardInput(order.ID))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, result.PaymentID)
	assert.NotEqual(t, first.Xid, result.Xid)
	assert.Equal(t, 2, h.bank.count("authorize"))
	assert.Equal(t, enums.AuthStatusDeclined, h.loadPayment(t, first.ID).AuthStatus)
	assert.Equal(t, enums.AuthStatusAuthorized, h.loadPayment(t, result.PaymentID).AuthStatus)
}

func TestPreAuthorizeRetryStopsWhenInquiryFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", timedOut(), approved("HLK-AUTH"))

	_, err := h.svc.PreAuthorize(ctx, cardInput(order.ID))
	require.Error(t, err)

	_, err = h.svc.PreAuthorize(ctx, cardInput(order.ID))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutcomeUnknown))
	assert.Equal(t, 1, h.bank.count("authorize"))
	assert.Equal(t, 1, h.bank.count("inquire"))

	var pending int64
	require.NoError(t, h.db.Model(&models.Payment{}).
		Where("order_id = ? AND auth_status = ?", order.ID, enums.AuthStatusPending).
		Count(&pending).Error)
	assert.Equal(t, int64(1), pending)
}

func TestPreAuthorizeBlocksRepeatedFailures(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", declined("0051", "YETERSIZ BAKIYE"))

	for i := 0; i < 5; i++ {
		_, err := h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
		require.Error(t, err)
	}
	require.Equal(t, 5, h.bank.count("authorize"))

	_, err := h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAuthorizationDeclined))
	assert.Equal(t, 5, h.bank.count("authorize"))

	var blocked int64
	require.NoError(t, h.db.Model(&models.Payment{}).
		Where("order_id = ? AND auth_status = ?", order.ID, enums.AuthStatusBlocked).
		Count(&blocked).Error)
	assert.Equal(t, int64(1), blocked)
}

// startThreeDS pre-authorizes through 3-D Secure and returns the pending
// payment together with the merchant data handed to the storefront.
func startThreeDS(t *testing.T, h *harness, amount string) (*models.Payment, string) {
	t.Helper()
	order := h.seedOrder(t, amount, "0.10")
	h.bank.on("init_3ds", redirect())
	result, err := h.svc.PreAuthorize(context.Background(), cardInput(order.ID))
	require.NoError(t, err)
	require.Equal(t, enums.AuthStatusPending3DS, result.Status)
	require.NotNil(t, result.Redirect)
	require.NotEmpty(t, result.MerchantData)
	return h.loadPayment(t, result.PaymentID), result.MerchantData
}

func signedCallback(t *testing.T, payment *models.Payment, merchantData, mdStatus string) CallbackWithFullMac {
	t.Helper()
	amount := formatMinor(payment.Amount)
	mac, err := hashmac.ResponseMac(mdStatus, payment.Xid, amount, payment.Currency.String(), testMerchant, testTerminal, testEncKey)
	require.NoError(t, err)
	return CallbackWithFullMac{
		BankData:     "BANKPACKET",
		MerchantData: merchantData,
		Sign:         "SIGN",
		Mac:          mac,
		MdStatus:     mdStatus,
		Xid:          payment.Xid,
		Amount:       amount,
		Currency:     payment.Currency.String(),
		Eci:          "05",
		Cavv:         "AAABBBCCC",
	}
}

func TestValidateCallbackAuthorizes(t *testing.T) {
	h := newHarness(t, withThreeDS)
	payment, merchantData := startThreeDS(t, h, "75.25")
	h.bank.on("complete_3ds", approved("HLK-3DS"))

	result, err := h.svc.ValidateCallback(context.Background(), signedCallback(t, payment, merchantData, "1"))
	require.NoError(t, err)
	assert.Equal(t, enums.AuthStatusAuthorized, result.Status)
	assert.Equal(t, "HLK-3DS", result.HostLogKey)
	assert.Equal(t, "full authentication", result.MdStatusText)

	stored := h.loadPayment(t, payment.ID)
	assert.Equal(t, enums.AuthStatusAuthorized, stored.AuthStatus)
	assert.True(t, stored.IsActive)
	require.NotNil(t, stored.Eci)
	assert.Equal(t, "05", *stored.Eci)
}

func TestValidateCallbackRejectsReplay(t *testing.T) {
	h := newHarness(t, withThreeDS)
	payment, merchantData := startThreeDS(t, h, "75.25")
	h.bank.on("complete_3ds", approved("HLK-3DS"))
	callback := signedCallback(t, payment, merchantData, "1")

	_, err := h.svc.ValidateCallback(context.Background(), callback)
	require.NoError(t, err)

	_, err = h.svc.ValidateCallback(context.Background(), callback)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSecurity))
	assert.Equal(t, 1, h.bank.count("complete_3ds"))
	assert.Len(t, h.reconciliations(t, enums.ReconciliationKindSecurityIncident), 1)
}

func TestPreAuthorizeSupersedesAbandonedThreeDS(t *testing.T) {
	h := newHarness(t, withThreeDS)
	stale, merchantData := startThreeDS(t, h, "75.25")

	result, err := h.svc.PreAuthorize(context.Background(), cardInput(stale.OrderID))
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, result.PaymentID)
	assert.Equal(t, enums.AuthStatusVoided, h.loadPayment(t, stale.ID).AuthStatus)

	h.bank.on("complete_3ds", approved("HLK-3DS"))
	_, err = h.svc.ValidateCallback(context.Background(), signedCallback(t, stale, merchantData, "1"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSecurity))
	assert.Zero(t, h.bank.count("complete_3ds"))
}

func TestValidateCallbackSecurityViolations(t *testing.T) {
	cases := []struct {
		name   string
		tamper func(cb *CallbackWithFullMac, payment *models.Payment)
	}{
		{name: "mac mismatch", tamper: func(cb *CallbackWithFullMac, _ *models.Payment) {
			cb.Mac = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
		}},
		{name: "merchant data for another order", tamper: func(cb *CallbackWithFullMac, payment *models.Payment) {
			cb.MerchantData = EncodeMerchantData(payment.OrderID+100, payment.Amount, fixedNow)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, withThreeDS)
			payment, merchantData := startThreeDS(t, h, "40.00")
			callback := signedCallback(t, payment, merchantData, "1")
			tc.tamper(&callback, payment)

			_, err := h.svc.ValidateCallback(context.Background(), callback)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSecurity))
			assert.Equal(t, "payment could not be verified", pkgerrors.MetadataFor(pkgerrors.CodeSecurity).PublicMessage)
			assert.Zero(t, h.bank.count("complete_3ds"))
			assert.Equal(t, enums.AuthStatusPending3DS, h.loadPayment(t, payment.ID).AuthStatus)
			assert.Len(t, h.reconciliations(t, enums.ReconciliationKindSecurityIncident), 1)
		})
	}
}

func TestValidateCallbackRequiresSign(t *testing.T) {
	h := newHarness(t, withThreeDS)
	payment, merchantData := startThreeDS(t, h, "40.00")
	h.bank.on("complete_3ds", approved("HLK-3DS"))
	callback := signedCallback(t, payment, merchantData, "1")
	callback.Sign = ""

	result, err := h.svc.ValidateCallback(context.Background(), callback)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Zero(t, h.bank.count("complete_3ds"))
	assert.Equal(t, enums.AuthStatusPending3DS, h.loadPayment(t, payment.ID).AuthStatus)
}

func TestValidateCallbackBlocksFailedAuthentication(t *testing.T) {
	h := newHarness(t, withThreeDS)
	payment, merchantData := startThreeDS(t, h, "40.00")

	_, err := h.svc.ValidateCallback(context.Background(), signedCallback(t, payment, merchantData, "0"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAuthorizationDeclined))
	assert.Zero(t, h.bank.count("complete_3ds"))

	stored := h.loadPayment(t, payment.ID)
	assert.Equal(t, enums.AuthStatusBlocked, stored.AuthStatus)
	require.NotNil(t, stored.MdStatus)
	assert.Equal(t, "0", *stored.MdStatus)
}

func TestValidateCallbackDeferredResolution(t *testing.T) {
	h := newHarness(t, withThreeDS)
	payment, merchantData := startThreeDS(t, h, "40.00")
	signed := signedCallback(t, payment, merchantData, "1")
	h.bank.on("resolve", bankAnswer{resp: &posnet.Response{
		Approved: true,
		Resolved: &posnet.ResolvedMerchantData{
			Xid:      signed.Xid,
			Amount:   signed.Amount,
			Currency: signed.Currency,
			MdStatus: signed.MdStatus,
			Mac:      signed.Mac,
		},
	}})
	h.bank.on("complete_3ds", approved("HLK-3DS"))

	callback := ParseCallback(CallbackForm{BankPacket: "BANKPACKET", MerchantPacket: merchantData, Sign: "SIGN"})
	require.IsType(t, CallbackDeferredValidation{}, callback)

	result, err := h.svc.ValidateCallback(context.Background(), callback)
	require.NoError(t, err)
	assert.Equal(t, enums.AuthStatusAuthorized, result.Status)
	assert.Equal(t, 1, h.bank.count("resolve"))
}

func TestParseCallbackPicksVariant(t *testing.T) {
	full := ParseCallback(CallbackForm{BankPacket: "B", MerchantPacket: "M", Mac: "X", Xid: "YKB_1", Amount: "100"})
	assert.IsType(t, CallbackWithFullMac{}, full)

	deferred := ParseCallback(CallbackForm{BankPacket: "B", MerchantPacket: "M", Sign: "S"})
	assert.IsType(t, CallbackDeferredValidation{}, deferred)
}

func captureOrder(t *testing.T, h *harness, amount string) (*models.Order, *models.Payment) {
	t.Helper()
	order := h.seedOrder(t, amount, "0.10")
	payment := h.authorize(t, order)
	h.bank.on("capture", approved("HLK-CAPTURE"))
	_, err := h.svc.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	return order, payment
}

func TestRefund(t *testing.T) {
	h := newHarness(t, nil)
	order, payment := captureOrder(t, h, "100.00")
	h.bank.on("refund", approved("HLK-REFUND"))

	result, err := h.svc.Refund(context.Background(), RefundInput{OrderID: order.ID, Amount: dec("30.00"), Reason: "damaged item"})
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(result.TotalRefunded))
	assert.True(t, dec("70").Equal(result.RemainingFunds))

	child := h.loadPayment(t, result.RefundID)
	require.NotNil(t, child.OriginalPaymentID)
	assert.Equal(t, payment.ID, *child.OriginalPaymentID)
	assert.Equal(t, enums.AuthStatusAuthorized, child.AuthStatus)
	assert.True(t, dec("30").Equal(h.loadPayment(t, payment.ID).RefundedAmount))

	_, err = h.svc.Refund(context.Background(), RefundInput{OrderID: order.ID, Amount: dec("70.01")})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Equal(t, 1, h.bank.count("refund"))
}

func TestRefundCountsUnresolvedRefunds(t *testing.T) {
	h := newHarness(t, nil)
	order, payment := captureOrder(t, h, "100.00")
	h.bank.on("refund", timedOut(), approved("HLK-REFUND"))

	_, err := h.svc.Refund(context.Background(), RefundInput{OrderID: order.ID, Amount: dec("100.00")})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutcomeUnknown))

	_, err = h.svc.Refund(context.Background(), RefundInput{OrderID: order.ID, Amount: dec("0.01")})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Equal(t, 1, h.bank.count("refund"))
	assert.True(t, h.loadPayment(t, payment.ID).RefundedAmount.IsZero())
}

func TestReconcileRefundMatchesAmount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order, payment := captureOrder(t, h, "100.00")
	h.bank.on("refund", approved("HLK-R1"), timedOut())

	first, err := h.svc.Refund(ctx, RefundInput{OrderID: order.ID, Amount: dec("30.00")})
	require.NoError(t, err)
	_, err = h.svc.Refund(ctx, RefundInput{OrderID: order.ID, Amount: dec("20.00")})
	require.Error(t, err)

	h.bank.on("inquire", inquiry(
		posnet.InquiryTransaction{State: posnet.StateCapture, Amount: 10000, HostLogKey: "HLK-CAPTURE"},
		posnet.InquiryTransaction{State: posnet.StateReturn, Amount: 3000, HostLogKey: "HLK-R1"},
		posnet.InquiryTransaction{State: posnet.StateReturn, Amount: 2000, HostLogKey: "HLK-R2"},
	))

	report, err := h.svc.ReconcileUnknownOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Resolved: 1}, report)

	var second models.Payment
	require.NoError(t, h.db.Where("original_payment_id = ? AND id <> ?", payment.ID, first.RefundID).First(&second).Error)
	assert.Equal(t, enums.AuthStatusAuthorized, second.AuthStatus)
	require.NotNil(t, second.AuthorizationReference)
	assert.Equal(t, "HLK-R2", *second.AuthorizationReference)
	assert.True(t, dec("50").Equal(h.loadPayment(t, payment.ID).RefundedAmount))
}

func TestRefundRequiresCapture(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder(t, "100.00", "0.10")
	h.authorize(t, order)

	_, err := h.svc.Refund(context.Background(), RefundInput{OrderID: order.ID, Amount: dec("10")})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestExpireAuthorizations(t *testing.T) {
	h := newHarness(t, nil)
	older := h.authorize(t, h.seedOrder(t, "10.00", "0.10"))
	h.now = fixedNow.Add(3 * 24 * time.Hour)
	newer := h.authorize(t, h.seedOrder(t, "20.00", "0.10"))
	h.now = fixedNow.Add(8 * 24 * time.Hour)

	expired, err := h.svc.ExpireAuthorizations(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, enums.AuthStatusExpired, h.loadPayment(t, older.ID).AuthStatus)
	assert.Equal(t, enums.AuthStatusAuthorized, h.loadPayment(t, newer.ID).AuthStatus)
	assert.Len(t, h.reconciliations(t, enums.ReconciliationKindAuthorizationExpired), 1)

	expired, err = h.svc.ExpireAuthorizations(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestReconcileUnknownOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	authOrder := h.seedOrder(t, "50.00", "0.10")
	h.bank.on("authorize", timedOut())
	_, err := h.svc.PreAuthorize(ctx, cardInput(authOrder.ID))
	require.Error(t, err)

	captureOrder := h.seedOrder(t, "80.00", "0.10")
	h.authorize(t, captureOrder)
	h.bank.on("capture", timedOut())
	_, err = h.svc.Settle(ctx, captureOrder.ID)
	require.Error(t, err)

	h.bank.on("inquire",
		inquiry(posnet.InquiryTransaction{State: posnet.StateAuth, HostLogKey: "HLK-LATE"}),
		inquiry(posnet.InquiryTransaction{State: posnet.StateCapture, Amount: 8000}),
	)

	report, err := h.svc.ReconcileUnknownOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Resolved: 2}, report)

	var authorized models.Payment
	require.NoError(t, h.db.Where("order_id = ?", authOrder.ID).First(&authorized).Error)
	assert.Equal(t, enums.AuthStatusAuthorized, authorized.AuthStatus)
	assert.Equal(t, "HLK-LATE", *authorized.AuthorizationReference)
	assert.Equal(t, enums.CaptureStatusCaptured, h.loadOrder(t, captureOrder.ID).CaptureStatus)

	open, err := h.txlog.OpenReconciliations(ctx, enums.ReconciliationKindOutcomeUnknown, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}
