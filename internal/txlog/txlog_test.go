package txlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/pagination"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:txlog_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Payment{}, &models.PosnetTransactionLog{}, &models.ReconciliationLog{}))
	return db
}

// stubGateway answers every call with the configured response and error.
type stubGateway struct {
	resp  *posnet.Response
	err   error
	calls int
	block bool
}

func (s *stubGateway) answer(ctx context.Context) (*posnet.Response, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.resp, s.err
}

func (s *stubGateway) Authorize(ctx context.Context, _ posnet.AuthRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) InitiateThreeDS(ctx context.Context, _ posnet.AuthRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) CompleteThreeDS(ctx context.Context, _ posnet.ThreeDSRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) ResolveCallback(ctx context.Context, _ posnet.ResolveRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) Capture(ctx context.Context, _ posnet.CaptureRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) Reverse(ctx context.Context, _ posnet.ReverseRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) Refund(ctx context.Context, _ posnet.RefundRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func (s *stubGateway) Inquire(ctx context.Context, _ posnet.InquiryRequest) (*posnet.Response, error) {
	return s.answer(ctx)
}

func TestAuditedGatewayWritesIntentAndResult(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	stub := &stubGateway{resp: &posnet.Response{Approved: true, HostLogKey: "021000000155", RawRequest: "<capt/>", RawResponse: "<approved>1</approved>"}}
	gw, err := NewAuditedGateway(stub, repo)
	require.NoError(t, err)

	ctx := WithReference(context.Background(), Reference{OrderID: 42, PaymentID: 7})
	resp, err := gw.Capture(ctx, posnet.CaptureRequest{Xid: "X-42", HostLogKey: "021000000155", Amount: 10400, Currency: "TL"})
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	entries, err := repo.ListByOrderID(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	intent, result := entries[0], entries[1]
	assert.Equal(t, enums.PosnetLogPhaseIntent, intent.Phase)
	assert.Equal(t, enums.PosnetLogOutcomePending, intent.Outcome)
	assert.Equal(t, enums.PosnetLogPhaseResult, result.Phase)
	assert.Equal(t, enums.PosnetLogOutcomeApproved, result.Outcome)
	assert.True(t, result.IsSuccess)
	assert.Equal(t, intent.CorrelationID, result.CorrelationID)
	assert.Equal(t, int64(10400), result.Amount)
	require.NotNil(t, result.PaymentID)
	assert.Equal(t, int64(7), *result.PaymentID)
	require.NotNil(t, result.HostLogKey)
	assert.Equal(t, "021000000155", *result.HostLogKey)
	assert.Equal(t, "<capt/>", result.RequestXML)
}

func TestAuditedGatewayClassifiesDecline(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	stub := &stubGateway{resp: &posnet.Response{Approved: false, ErrorCode: "0148", ErrorMessage: "INSUFFICIENT FUNDS"}}
	gw, err := NewAuditedGateway(stub, repo)
	require.NoError(t, err)

	ctx := WithReference(context.Background(), Reference{OrderID: 1})
	resp, err := gw.Authorize(ctx, posnet.AuthRequest{Xid: "X-1", Amount: 100, Currency: "TL"})
	require.NoError(t, err)
	assert.False(t, resp.Approved)

	latest, err := repo.LatestResult(context.Background(), "X-1", enums.PosnetTransactionTypeAuth)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, enums.PosnetLogOutcomeDeclined, latest.Outcome)
	require.NotNil(t, latest.ErrorCode)
	assert.Equal(t, "0148", *latest.ErrorCode)
}

func TestAuditedGatewayTimeoutIsUnknownOutcome(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	stub := &stubGateway{block: true}
	gw, err := NewAuditedGateway(stub, repo, WithCallTimeout(20*time.Millisecond))
	require.NoError(t, err)

	ctx := WithReference(context.Background(), Reference{OrderID: 9})
	_, err = gw.Capture(ctx, posnet.CaptureRequest{Xid: "X-9", HostLogKey: "k", Amount: 100, Currency: "TL"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutcomeUnknown))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	latest, err := repo.LatestResult(context.Background(), "X-9", enums.PosnetTransactionTypeCapture)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, enums.PosnetLogOutcomeUnknown, latest.Outcome)
	assert.False(t, latest.IsSuccess)
}

func TestAuditedGatewayUnavailableIsError(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	cause := pkgerrors.Wrap(pkgerrors.CodeDependency, posnet.ErrUnavailable, "posnet request failed")
	gw, err := NewAuditedGateway(&stubGateway{err: cause}, repo)
	require.NoError(t, err)

	_, err = gw.Refund(context.Background(), posnet.RefundRequest{Xid: "X-3", HostLogKey: "k", Amount: 5, Currency: "TL"})
	require.Error(t, err)
	assert.False(t, pkgerrors.IsCode(err, pkgerrors.CodeOutcomeUnknown))

	latest, err := repo.LatestResult(context.Background(), "X-3", enums.PosnetTransactionTypeRefund)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, enums.PosnetLogOutcomeError, latest.Outcome)
}

func TestAuditedGatewayUnreadableAnswerIsUnknownOutcome(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	cause := pkgerrors.Wrap(pkgerrors.CodeDependency, posnet.ErrMalformedResponse, "decode posnet response")
	gw, err := NewAuditedGateway(&stubGateway{err: cause}, repo)
	require.NoError(t, err)

	_, err = gw.Capture(context.Background(), posnet.CaptureRequest{Xid: "X-4", HostLogKey: "k", Amount: 5, Currency: "TL"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutcomeUnknown))

	latest, err := repo.LatestResult(context.Background(), "X-4", enums.PosnetTransactionTypeCapture)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, enums.PosnetLogOutcomeUnknown, latest.Outcome)
}

func TestNewAuditedGatewayRequiresDependencies(t *testing.T) {
	_, err := NewAuditedGateway(nil, NewRepository(nil))
	assert.Error(t, err)
	_, err = NewAuditedGateway(&stubGateway{}, nil)
	assert.Error(t, err)
}

func TestServiceSuccessfulResultAndReconciliation(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	svc, err := NewService(repo)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := svc.SuccessfulResult(ctx, "X-5", enums.PosnetTransactionTypeCapture)
	require.NoError(t, err)
	assert.Nil(t, got)

	gw, err := NewAuditedGateway(&stubGateway{resp: &posnet.Response{Approved: true}}, repo)
	require.NoError(t, err)
	_, err = gw.Capture(WithReference(ctx, Reference{OrderID: 5}), posnet.CaptureRequest{Xid: "X-5", HostLogKey: "k", Amount: 1, Currency: "TL"})
	require.NoError(t, err)

	got, err = svc.SuccessfulResult(ctx, "X-5", enums.PosnetTransactionTypeCapture)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, enums.PosnetLogPhaseResult, got.Phase)

	_, err = svc.SuccessfulResult(ctx, "", enums.PosnetTransactionTypeCapture)
	assert.Error(t, err)

	entry, err := svc.RecordReconciliation(ctx, ReconciliationInput{OrderID: 5, Xid: "X-5", Kind: enums.ReconciliationKindOutcomeUnknown, LocalState: "not_captured"})
	require.NoError(t, err)

	open, err := svc.OpenReconciliations(ctx, enums.ReconciliationKindOutcomeUnknown, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, svc.ResolveReconciliation(ctx, entry.ID, "captured at bank"))
	open, err = svc.OpenReconciliations(ctx, enums.ReconciliationKindOutcomeUnknown, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = svc.RecordReconciliation(ctx, ReconciliationInput{Kind: "bogus", OrderID: 1})
	assert.Error(t, err)
}

func TestServiceOutcomePendingSeesIntentWithoutResult(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	svc, err := NewService(repo)
	require.NoError(t, err)
	ctx := context.Background()

	gw, err := NewAuditedGateway(&stubGateway{resp: &posnet.Response{Approved: true}}, repo)
	require.NoError(t, err)
	_, err = gw.Capture(WithReference(ctx, Reference{OrderID: 6}), posnet.CaptureRequest{Xid: "X-6", HostLogKey: "k", Amount: 1, Currency: "TL"})
	require.NoError(t, err)

	pending, err := svc.OutcomePending(ctx, "X-6", enums.PosnetTransactionTypeCapture)
	require.NoError(t, err)
	assert.False(t, pending)

	// The process stopped after the intent was written.
	require.NoError(t, db.Create(&models.PosnetTransactionLog{
		CorrelationID:   uuid.New(),
		TransactionType: enums.PosnetTransactionTypeCapture,
		Phase:           enums.PosnetLogPhaseIntent,
		Xid:             "X-7",
		Amount:          1,
		Outcome:         enums.PosnetLogOutcomePending,
		RequestedAt:     time.Now(),
	}).Error)

	pending, err = svc.OutcomePending(ctx, "X-7", enums.PosnetTransactionTypeCapture)
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = svc.OutcomePending(ctx, "X-7", enums.PosnetTransactionTypeReverse)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = svc.OutcomePending(ctx, " ", enums.PosnetTransactionTypeCapture)
	assert.Error(t, err)
}

func TestServiceFailedAuthorizationsByCard(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	svc, err := NewService(repo)
	require.NoError(t, err)
	ctx := context.Background()

	payment := &models.Payment{OrderID: 1, AuthStatus: enums.AuthStatusDeclined, Xid: "X-F", CardHash: "9b089351f8971ed7", Amount: decimal.NewFromInt(10)}
	require.NoError(t, db.Create(payment).Error)

	gw, err := NewAuditedGateway(&stubGateway{resp: &posnet.Response{Approved: false}}, repo)
	require.NoError(t, err)
	refCtx := WithReference(ctx, Reference{OrderID: 1, PaymentID: payment.ID})
	for i := 0; i < 3; i++ {
		_, err := gw.Authorize(refCtx, posnet.AuthRequest{Xid: "X-F", Amount: 1000, Currency: "TL"})
		require.NoError(t, err)
	}

	count, err := svc.FailedAuthorizations(ctx, "9b089351f8971ed7", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = svc.FailedAuthorizations(ctx, "0000000000000000", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestServiceListReconciliationsPages(t *testing.T) {
	db := newTestDB(t)
	svc, err := NewService(NewRepository(db))
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := &models.ReconciliationLog{
			OrderID:   optionalID(int64(i + 1)),
			Kind:      enums.ReconciliationKindAmountMismatch,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(entry).Error)
	}
	other := &models.ReconciliationLog{OrderID: optionalID(9), Kind: enums.ReconciliationKindSecurityIncident, CreatedAt: base}
	require.NoError(t, db.Create(other).Error)

	first, err := svc.ListReconciliations(ctx, ReconciliationQuery{Kind: "amount_mismatch", Page: pagination.Params{Limit: 3}})
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	assert.Equal(t, int64(5), *first.Items[0].OrderID)
	require.NotEmpty(t, first.NextCursor)

	second, err := svc.ListReconciliations(ctx, ReconciliationQuery{Kind: "amount_mismatch", Page: pagination.Params{Limit: 3, Cursor: first.NextCursor}})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, int64(1), *second.Items[1].OrderID)
	assert.Empty(t, second.NextCursor)

	all, err := svc.ListReconciliations(ctx, ReconciliationQuery{})
	require.NoError(t, err)
	assert.Len(t, all.Items, 6)

	_, err = svc.ListReconciliations(ctx, ReconciliationQuery{Kind: "bogus"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.ListReconciliations(ctx, ReconciliationQuery{Page: pagination.Params{Cursor: "%%%"}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestServiceResolveReconciliationOnlyOnce(t *testing.T) {
	db := newTestDB(t)
	svc, err := NewService(NewRepository(db))
	require.NoError(t, err)
	ctx := context.Background()

	entry, err := svc.RecordReconciliation(ctx, ReconciliationInput{OrderID: 3, Kind: enums.ReconciliationKindAmountMismatch})
	require.NoError(t, err)

	assert.True(t, pkgerrors.IsCode(svc.ResolveReconciliation(ctx, entry.ID, " "), pkgerrors.CodeValidation))
	require.NoError(t, svc.ResolveReconciliation(ctx, entry.ID, "refunded difference manually"))
	assert.True(t, pkgerrors.IsCode(svc.ResolveReconciliation(ctx, entry.ID, "again"), pkgerrors.CodeNotFound))

	resolved, err := svc.ListReconciliations(ctx, ReconciliationQuery{IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, resolved.Items, 1)
	require.NotNil(t, resolved.Items[0].Resolution)
	assert.Equal(t, "refunded difference manually", *resolved.Items[0].Resolution)

	open, err := svc.ListReconciliations(ctx, ReconciliationQuery{})
	require.NoError(t, err)
	assert.Empty(t, open.Items)
}
