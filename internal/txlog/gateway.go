package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/angelmondragon/scalepay-backend/pkg/metrics"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/google/uuid"
)

// AuditedGateway decorates a posnet.Gateway so every call writes an intent
// row, performs the call, then writes a result row. A crash between the two
// leaves a pending intent for reconciliation.
type AuditedGateway struct {
	next    posnet.Gateway
	repo    Repository
	logg    *logger.Logger
	metrics *metrics.PaymentMetrics
	timeout time.Duration
	now     func() time.Time
}

var _ posnet.Gateway = (*AuditedGateway)(nil)

// AuditOption configures optional decorator behavior.
type AuditOption func(*AuditedGateway)

// WithLogger sets the logger used for audit write failures.
func WithLogger(logg *logger.Logger) AuditOption {
	return func(g *AuditedGateway) { g.logg = logg }
}

// WithMetrics records call durations and outcomes.
func WithMetrics(m *metrics.PaymentMetrics) AuditOption {
	return func(g *AuditedGateway) { g.metrics = m }
}

// WithCallTimeout bounds every bank call.
func WithCallTimeout(timeout time.Duration) AuditOption {
	return func(g *AuditedGateway) { g.timeout = timeout }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuditOption {
	return func(g *AuditedGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewAuditedGateway wraps next with write-ahead audit logging.
func NewAuditedGateway(next posnet.Gateway, repo Repository, opts ...AuditOption) (*AuditedGateway, error) {
	if next == nil {
		return nil, errors.New("posnet gateway required")
	}
	if repo == nil {
		return nil, errors.New("transaction log repository required")
	}
	g := &AuditedGateway{next: next, repo: repo, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

type call struct {
	txType   enums.PosnetTransactionType
	xid      string
	amount   int64
	currency string
}

func (g *AuditedGateway) Authorize(ctx context.Context, req posnet.AuthRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{enums.PosnetTransactionTypeAuth, req.Xid, req.Amount, req.Currency}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.Authorize(ctx, req)
	})
}

func (g *AuditedGateway) InitiateThreeDS(ctx context.Context, req posnet.AuthRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{enums.PosnetTransactionTypeInit3DS, req.Xid, req.Amount, req.Currency}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.InitiateThreeDS(ctx, req)
	})
}

func (g *AuditedGateway) CompleteThreeDS(ctx context.Context, req posnet.ThreeDSRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{enums.PosnetTransactionTypeAuth, req.Xid, req.Amount, req.Currency}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.CompleteThreeDS(ctx, req)
	})
}

func (g *AuditedGateway) ResolveCallback(ctx context.Context, req posnet.ResolveRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{txType: enums.PosnetTransactionTypeResolve3DS, xid: req.Xid}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.ResolveCallback(ctx, req)
	})
}

func (g *AuditedGateway) Capture(ctx context.Context, req posnet.CaptureRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{enums.PosnetTransactionTypeCapture, req.Xid, req.Amount, req.Currency}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.Capture(ctx, req)
	})
}

func (g *AuditedGateway) Reverse(ctx context.Context, req posnet.ReverseRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{txType: enums.PosnetTransactionTypeReverse, xid: req.Xid}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.Reverse(ctx, req)
	})
}

func (g *AuditedGateway) Refund(ctx context.Context, req posnet.RefundRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{enums.PosnetTransactionTypeRefund, req.Xid, req.Amount, req.Currency}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.Refund(ctx, req)
	})
}

func (g *AuditedGateway) Inquire(ctx context.Context, req posnet.InquiryRequest) (*posnet.Response, error) {
	return g.audit(ctx, call{txType: enums.PosnetTransactionTypeInquiry, xid: req.Xid}, func(ctx context.Context) (*posnet.Response, error) {
		return g.next.Inquire(ctx, req)
	})
}

func (g *AuditedGateway) audit(ctx context.Context, c call, fn func(context.Context) (*posnet.Response, error)) (*posnet.Response, error) {
	ref := referenceFrom(ctx)
	correlationID := uuid.New()
	started := g.now()

	intent := &models.PosnetTransactionLog{
		CorrelationID:   correlationID,
		OrderID:         optionalID(ref.OrderID),
		PaymentID:       optionalID(ref.PaymentID),
		TransactionType: c.txType,
		Phase:           enums.PosnetLogPhaseIntent,
		Xid:             c.xid,
		Amount:          c.amount,
		Currency:        c.currency,
		Outcome:         enums.PosnetLogOutcomePending,
		RequestedAt:     started,
	}
	if err := g.repo.Create(ctx, intent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "write transaction intent")
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, callErr := fn(callCtx)

	finished := g.now()
	outcome := Classify(resp, callErr)
	result := &models.PosnetTransactionLog{
		CorrelationID:   correlationID,
		OrderID:         intent.OrderID,
		PaymentID:       intent.PaymentID,
		TransactionType: c.txType,
		Phase:           enums.PosnetLogPhaseResult,
		Xid:             c.xid,
		Amount:          c.amount,
		Currency:        c.currency,
		IsSuccess:       outcome == enums.PosnetLogOutcomeApproved,
		Outcome:         outcome,
		RequestedAt:     started,
		RespondedAt:     &finished,
		DurationMS:      finished.Sub(started).Milliseconds(),
	}
	fillResult(result, resp, callErr)

	// The result row must land even when the caller has gone away.
	if err := g.repo.Create(context.WithoutCancel(ctx), result); err != nil && g.logg != nil {
		logCtx := g.logg.WithFields(ctx, map[string]any{
			"correlation_id":   correlationID.String(),
			"xid":              c.xid,
			"transaction_type": c.txType.String(),
			"outcome":          outcome.String(),
		})
		g.logg.Error(logCtx, "posnet.audit.result_write_failed", err)
	}
	g.metrics.ObserveGatewayCall(c.txType.String(), outcome.String(), finished.Sub(started))

	if outcome == enums.PosnetLogOutcomeUnknown {
		return resp, pkgerrors.Wrap(pkgerrors.CodeOutcomeUnknown, callErr, "bank outcome unknown")
	}
	return resp, callErr
}

// Classify maps a gateway answer onto a log outcome. Timeouts and transport
// failures after the request may have left are unknown, not failed.
func Classify(resp *posnet.Response, err error) enums.PosnetLogOutcome {
	if err != nil {
		if errors.Is(err, posnet.ErrUnavailable) || pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			return enums.PosnetLogOutcomeError
		}
		return enums.PosnetLogOutcomeUnknown
	}
	if resp == nil {
		return enums.PosnetLogOutcomeUnknown
	}
	if resp.Approved {
		return enums.PosnetLogOutcomeApproved
	}
	return enums.PosnetLogOutcomeDeclined
}

func fillResult(entry *models.PosnetTransactionLog, resp *posnet.Response, callErr error) {
	if callErr != nil {
		msg := posnet.Mask(callErr.Error())
		entry.ErrorMessage = &msg
	}
	if resp == nil {
		return
	}
	entry.RequestXML = resp.RawRequest
	entry.ResponseXML = resp.RawResponse
	entry.HostLogKey = optionalString(resp.HostLogKey)
	entry.AuthCode = optionalString(resp.AuthCode)
	entry.ErrorCode = optionalString(resp.ErrorCode)
	if resp.ErrorMessage != "" {
		entry.ErrorMessage = optionalString(resp.ErrorMessage)
	}
	if resp.Resolved != nil {
		entry.MdStatus = optionalString(resp.Resolved.MdStatus)
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
