package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/angelmondragon/scalepay-backend/internal/fraud"
	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/internal/weighing"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/angelmondragon/scalepay-backend/pkg/metrics"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const defaultLockWait = 10 * time.Second

var defaultOverrideHardLimit = decimal.RequireFromString("0.50")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type riskScorer interface {
	Score(in fraud.Input) fraud.Assessment
}

// Service coordinates card authorization, 3-D Secure completion and the
// final capture of weight adjusted orders.
type Service interface {
	PreAuthorize(ctx context.Context, input PreAuthorizeInput) (*PreAuthorizeResult, error)
	ValidateCallback(ctx context.Context, callback Callback) (*CallbackResult, error)
	Settle(ctx context.Context, orderID int64) (*SettleResult, error)
	Refund(ctx context.Context, input RefundInput) (*RefundResult, error)
	ExpireAuthorizations(ctx context.Context, limit int) (int, error)
	ReconcileUnknownOutcomes(ctx context.Context, limit int) (ReconcileReport, error)
}

// Settings are the payment policies read from configuration.
type Settings struct {
	ThreeDSecure       bool
	AuthorizationTTL   time.Duration
	OverrideHardLimit  decimal.Decimal
	FraudEnabled       bool
	FailedAttemptsSpan time.Duration
	LockTTL            time.Duration
	LockWait           time.Duration
}

// SettingsFromConfig maps the loaded configuration onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ThreeDSecure:       cfg.Posnet.ThreeDSecure,
		AuthorizationTTL:   cfg.Posnet.AuthorizationTTL,
		OverrideHardLimit:  cfg.Settlement.OverrideHardLimit,
		FraudEnabled:       cfg.Fraud.Enabled,
		FailedAttemptsSpan: cfg.Fraud.FailedAttemptsSpan,
		LockTTL:            cfg.Settlement.LockTTL,
		LockWait:           defaultLockWait,
	}
}

// ServiceParams bundles the dependencies required to build the coordinator.
type ServiceParams struct {
	Repo     Repository
	Tx       txRunner
	Weighing weighing.Service
	TxLog    txlog.Service
	Gateway  posnet.Gateway
	Signer   hashmac.Signer
	Scorer   riskScorer
	Settings Settings
	// Locker is optional; without it settlement is serialised per process only.
	Locker  distributedLock
	Logger  *logger.Logger
	Metrics *metrics.PaymentMetrics
	Clock   func() time.Time
}

type service struct {
	repo     Repository
	tx       txRunner
	weighing weighing.Service
	txlog    txlog.Service
	gateway  posnet.Gateway
	signer   hashmac.Signer
	scorer   riskScorer
	settings Settings
	locks    *orderLocks
	logg     *logger.Logger
	metrics  *metrics.PaymentMetrics
	clock    func() time.Time
}

// NewService constructs the capture coordinator.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository is required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if params.Weighing == nil {
		return nil, fmt.Errorf("weighing service is required")
	}
	if params.TxLog == nil {
		return nil, fmt.Errorf("transaction log service is required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("bank gateway is required")
	}
	if params.Signer == nil {
		return nil, fmt.Errorf("mac signer is required")
	}
	if params.Scorer == nil {
		params.Scorer = fraud.Scorer{}
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	settings := params.Settings
	if settings.AuthorizationTTL <= 0 {
		settings.AuthorizationTTL = 7 * 24 * time.Hour
	}
	if settings.FailedAttemptsSpan <= 0 {
		settings.FailedAttemptsSpan = 24 * time.Hour
	}
	if !settings.OverrideHardLimit.IsPositive() {
		settings.OverrideHardLimit = defaultOverrideHardLimit
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = 30 * time.Second
	}
	if settings.LockWait <= 0 {
		settings.LockWait = defaultLockWait
	}

	return &service{
		repo:     params.Repo,
		tx:       params.Tx,
		weighing: params.Weighing,
		txlog:    params.TxLog,
		gateway:  params.Gateway,
		signer:   params.Signer,
		scorer:   params.Scorer,
		settings: settings,
		locks:    newOrderLocks(params.Locker, settings.LockTTL, settings.LockWait),
		logg:     params.Logger,
		metrics:  params.Metrics,
		clock:    params.Clock,
	}, nil
}

func (s *service) now() time.Time {
	return s.clock().UTC()
}

func (s *service) withOrder(ctx context.Context, orderID int64) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithOrderID(ctx, orderID)
}

func (s *service) info(ctx context.Context, msg string, fields map[string]any) {
	if s.logg == nil {
		return
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), msg)
}

func (s *service) warn(ctx context.Context, msg string, fields map[string]any) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(s.logg.WithFields(ctx, fields), msg)
}

func (s *service) logError(ctx context.Context, msg string, err error, fields map[string]any) {
	if s.logg == nil {
		return
	}
	s.logg.Error(s.logg.WithFields(ctx, fields), msg, err)
}

// requestMac signs xid, amount and currency for an outgoing bank request.
func (s *service) requestMac(xid string, amount int64, currency enums.Currency) (string, error) {
	mac, err := s.signer.RequestMac(hashmac.RequestFields{
		Xid:      xid,
		Amount:   strconv.FormatInt(amount, 10),
		Currency: currency.String(),
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "compute request mac")
	}
	return mac, nil
}

// recordUnknown files a reconciliation entry for a bank call whose outcome
// could not be observed. Failures are logged; the caller already has an error
// to return.
func (s *service) recordUnknown(ctx context.Context, payment *models.Payment, op enums.PosnetTransactionType, localState string, cause error) {
	details := ""
	if cause != nil {
		details = posnet.Mask(cause.Error())
	}
	if _, err := s.txlog.RecordReconciliation(ctx, txlog.ReconciliationInput{
		OrderID:    payment.OrderID,
		PaymentID:  payment.ID,
		Xid:        payment.Xid,
		Kind:       enums.ReconciliationKindOutcomeUnknown,
		LocalState: localState,
		BankState:  op.String() + " outcome unknown",
		Details:    details,
	}); err != nil {
		s.logError(ctx, "payments.reconciliation.write_failed", err, map[string]any{"xid": payment.Xid})
	}
	s.warn(ctx, "payments.outcome_unknown", map[string]any{
		"xid":              payment.Xid,
		"payment_id":       payment.ID,
		"transaction_type": op.String(),
	})
}

// securityIncident records a tampering suspicion and returns the error the
// caller must surface. Details stay internal.
func (s *service) securityIncident(ctx context.Context, orderID, paymentID int64, xid, reason string) error {
	if s.logg != nil {
		s.logg.Security(ctx, "payments.security_violation", map[string]any{
			"reason":     reason,
			"order_id":   orderID,
			"payment_id": paymentID,
			"xid":        xid,
		})
	}
	s.metrics.IncSecurityEvent(reason)
	if orderID > 0 || xid != "" {
		if _, err := s.txlog.RecordReconciliation(ctx, txlog.ReconciliationInput{
			OrderID:   orderID,
			PaymentID: paymentID,
			Xid:       xid,
			Kind:      enums.ReconciliationKindSecurityIncident,
			Details:   reason,
		}); err != nil {
			s.logError(ctx, "payments.reconciliation.write_failed", err, map[string]any{"xid": xid})
		}
	}
	return pkgerrors.New(pkgerrors.CodeSecurity, reason)
}

// outcomeUnknown makes sure callers see a retryable unknown outcome even when
// the gateway returned neither answer nor error.
func outcomeUnknown(callErr error) error {
	if pkgerrors.IsCode(callErr, pkgerrors.CodeOutcomeUnknown) {
		return callErr
	}
	return pkgerrors.Wrap(pkgerrors.CodeOutcomeUnknown, callErr, "bank outcome unknown")
}

func notFoundOr(err error, notFound, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, notFound)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
