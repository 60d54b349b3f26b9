package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	reasonMacMismatch      = "mac_mismatch"
	reasonUnknownXid       = "unknown_xid"
	reasonMerchantMismatch = "merchant_data_mismatch"
	reasonAmountMismatch   = "amount_mismatch"
	reasonReplay           = "replayed_callback"
)

// Callback is the bank's 3-D Secure return. It is either a fully signed
// payload or one whose fields must first be resolved with the bank.
type Callback interface {
	envelope() (bankData, merchantData, sign string)
}

// CallbackWithFullMac carries every field the response MAC covers.
type CallbackWithFullMac struct {
	BankData     string
	MerchantData string
	Sign         string
	Mac          string
	MdStatus     string
	Xid          string
	Amount       string
	Currency     string
	Eci          string
	Cavv         string
}

func (c CallbackWithFullMac) envelope() (string, string, string) {
	return c.BankData, c.MerchantData, c.Sign
}

// CallbackDeferredValidation only carries the opaque envelope; the signed
// fields come back from a ResolveCallback call.
type CallbackDeferredValidation struct {
	BankData     string
	MerchantData string
	Sign         string
}

func (c CallbackDeferredValidation) envelope() (string, string, string) {
	return c.BankData, c.MerchantData, c.Sign
}

// CallbackForm is the raw form the bank posts back.
type CallbackForm struct {
	BankPacket     string `form:"BankPacket"`
	MerchantPacket string `form:"MerchantPacket"`
	Sign           string `form:"Sign"`
	Mac            string `form:"Mac"`
	MdStatus       string `form:"MdStatus"`
	Xid            string `form:"Xid"`
	Amount         string `form:"Amount"`
	Currency       string `form:"Currency"`
	Eci            string `form:"Eci"`
	Cavv           string `form:"Cavv"`
}

// ParseCallback picks the variant from the posted fields: a Mac together with
// the signed fields means the callback can be checked locally.
func ParseCallback(form CallbackForm) Callback {
	trim := strings.TrimSpace
	if trim(form.Mac) != "" && trim(form.Xid) != "" && trim(form.Amount) != "" {
		return CallbackWithFullMac{
			BankData:     trim(form.BankPacket),
			MerchantData: trim(form.MerchantPacket),
			Sign:         trim(form.Sign),
			Mac:          trim(form.Mac),
			MdStatus:     trim(form.MdStatus),
			Xid:          trim(form.Xid),
			Amount:       trim(form.Amount),
			Currency:     trim(form.Currency),
			Eci:          trim(form.Eci),
			Cavv:         trim(form.Cavv),
		}
	}
	return CallbackDeferredValidation{
		BankData:     trim(form.BankPacket),
		MerchantData: trim(form.MerchantPacket),
		Sign:         trim(form.Sign),
	}
}

// CallbackResult is the payment state after a validated callback.
type CallbackResult struct {
	OrderID      int64
	PaymentID    int64
	Status       enums.AuthStatus
	MdStatus     string
	MdStatusText string
	HostLogKey   string
}

// signedFields are the callback values covered by the response MAC.
type signedFields struct {
	mac      string
	mdStatus string
	xid      string
	amount   string
	currency string
	eci      string
	cavv     string
}

func (s *service) ValidateCallback(ctx context.Context, callback Callback) (*CallbackResult, error) {
	if callback == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback is required")
	}
	bankData, merchantData, sign := callback.envelope()
	if bankData == "" || merchantData == "" || sign == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback is missing bank data, merchant data or sign")
	}
	md, err := ParseMerchantData(merchantData)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid merchant data")
	}
	ctx = s.withOrder(ctx, md.OrderID)

	// Held through the bank call so a new pre-authorization cannot start
	// while this hold is being placed.
	release, err := s.locks.Acquire(ctx, md.OrderID)
	if err != nil {
		return nil, err
	}
	defer release()

	var fields signedFields
	switch cb := callback.(type) {
	case CallbackWithFullMac:
		fields = signedFields{
			mac:      cb.Mac,
			mdStatus: cb.MdStatus,
			xid:      cb.Xid,
			amount:   cb.Amount,
			currency: cb.Currency,
			eci:      cb.Eci,
			cavv:     cb.Cavv,
		}
	case CallbackDeferredValidation:
		fields, err = s.resolveCallback(ctx, md.OrderID, bankData, merchantData, sign)
		if err != nil {
			return nil, err
		}
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported callback")
	}

	check := s.signer.ValidateResponseMac(fields.mac, hashmac.ResponseFields{
		MdStatus: fields.mdStatus,
		Xid:      fields.xid,
		Amount:   fields.amount,
		Currency: fields.currency,
	})
	if !check.Valid() {
		if check.IsMismatch() {
			return nil, s.securityIncident(ctx, md.OrderID, 0, fields.xid, reasonMacMismatch)
		}
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback is missing signed fields")
	}

	payment, err := s.repo.FindPaymentByXid(ctx, fields.xid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.securityIncident(ctx, md.OrderID, 0, fields.xid, reasonUnknownXid)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if payment.OrderID != md.OrderID {
		return nil, s.securityIncident(ctx, md.OrderID, payment.ID, fields.xid, reasonMerchantMismatch)
	}
	if fields.amount != formatMinor(payment.Amount) || fields.currency != payment.Currency.String() {
		return nil, s.securityIncident(ctx, md.OrderID, payment.ID, fields.xid, reasonAmountMismatch)
	}
	if payment.AuthStatus != enums.AuthStatusPending3DS {
		return nil, s.securityIncident(ctx, md.OrderID, payment.ID, fields.xid, reasonReplay)
	}

	status := posnet.MdStatus(fields.mdStatus)
	result := &CallbackResult{
		OrderID:      payment.OrderID,
		PaymentID:    payment.ID,
		MdStatus:     fields.mdStatus,
		MdStatusText: status.Description(),
	}

	if !status.Permits() {
		won, err := s.repo.TransitionPayment(ctx, payment.ID, enums.AuthStatusPending3DS, map[string]any{
			"auth_status":    enums.AuthStatusBlocked,
			"md_status":      fields.mdStatus,
			"failure_reason": status.Description(),
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record 3-D Secure result")
		}
		if !won {
			return nil, s.securityIncident(ctx, md.OrderID, payment.ID, fields.xid, reasonReplay)
		}
		s.info(ctx, "payments.callback.md_status_blocked", map[string]any{
			"payment_id": payment.ID,
			"md_status":  fields.mdStatus,
		})
		return nil, pkgerrors.New(pkgerrors.CodeAuthorizationDeclined, reasonThreeDSBlocked).
			WithDetails(map[string]string{"md_status": fields.mdStatus, "description": status.Description()})
	}

	// Claiming the pending_3ds row makes any concurrent copy of this callback
	// lose the race and surface as a replay.
	won, err := s.repo.TransitionPayment(ctx, payment.ID, enums.AuthStatusPending3DS, map[string]any{
		"auth_status": enums.AuthStatusPending,
		"md_status":   fields.mdStatus,
		"eci":         optionalString(fields.eci),
		"cavv":        optionalString(fields.cavv),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim payment")
	}
	if !won {
		return nil, s.securityIncident(ctx, md.OrderID, payment.ID, fields.xid, reasonReplay)
	}

	amount := posnet.ToMinorUnits(payment.Amount)
	mac, err := s.requestMac(payment.Xid, amount, payment.Currency)
	if err != nil {
		return nil, err
	}
	refCtx := txlog.WithReference(ctx, txlog.Reference{OrderID: payment.OrderID, PaymentID: payment.ID})
	resp, callErr := s.gateway.CompleteThreeDS(refCtx, posnet.ThreeDSRequest{
		Xid:      payment.Xid,
		Amount:   amount,
		Currency: payment.Currency.String(),
		BankData: bankData,
		Mac:      mac,
	})
	if _, err := s.applyAuthorization(ctx, payment, enums.AuthStatusPending, resp, callErr, nil); err != nil {
		return nil, err
	}

	result.Status = enums.AuthStatusAuthorized
	result.HostLogKey = resp.HostLogKey
	return result, nil
}

// resolveCallback asks the bank to decrypt a callback that arrived without
// its signed fields.
func (s *service) resolveCallback(ctx context.Context, orderID int64, bankData, merchantData, sign string) (signedFields, error) {
	pending, err := s.repo.FindPendingThreeDS(ctx, orderID)
	if err != nil {
		return signedFields{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending payment")
	}
	if pending == nil {
		active, err := s.repo.FindActivePayment(ctx, orderID)
		if err != nil {
			return signedFields{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load active payment")
		}
		if active != nil {
			return signedFields{}, s.securityIncident(ctx, orderID, active.ID, active.Xid, reasonReplay)
		}
		return signedFields{}, pkgerrors.New(pkgerrors.CodeNotFound, "no payment awaiting 3-D Secure")
	}

	mac, err := s.requestMac(pending.Xid, posnet.ToMinorUnits(pending.Amount), pending.Currency)
	if err != nil {
		return signedFields{}, err
	}
	refCtx := txlog.WithReference(ctx, txlog.Reference{OrderID: orderID, PaymentID: pending.ID})
	resp, callErr := s.gateway.ResolveCallback(refCtx, posnet.ResolveRequest{
		Xid:          pending.Xid,
		BankData:     bankData,
		MerchantData: merchantData,
		Sign:         sign,
		Mac:          mac,
	})
	if callErr != nil {
		return signedFields{}, pkgerrors.Wrap(pkgerrors.CodeDependency, callErr, "resolve callback")
	}
	if resp == nil || !resp.Approved || resp.Resolved == nil {
		return signedFields{}, pkgerrors.New(pkgerrors.CodeAuthorizationDeclined, "bank could not resolve the callback")
	}
	return signedFields{
		mac:      resp.Resolved.Mac,
		mdStatus: resp.Resolved.MdStatus,
		xid:      resp.Resolved.Xid,
		amount:   resp.Resolved.Amount,
		currency: resp.Resolved.Currency,
	}, nil
}

// formatMinor renders an amount the way it appears in signed bank fields.
func formatMinor(amount decimal.Decimal) string {
	return strconv.FormatInt(posnet.ToMinorUnits(amount), 10)
}
