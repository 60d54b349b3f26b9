package txlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/pagination"
)

// Service answers questions about past bank calls and records
// reconciliation anomalies.
type Service interface {
	// SuccessfulResult returns the approved result row for xid and type, or
	// nil when the bank never approved it.
	SuccessfulResult(ctx context.Context, xid string, txType enums.PosnetTransactionType) (*models.PosnetTransactionLog, error)
	LatestResult(ctx context.Context, xid string, txType enums.PosnetTransactionType) (*models.PosnetTransactionLog, error)
	// OutcomePending reports whether a call for xid and type went out without
	// an observed answer: the latest result is unknown, or an intent row never
	// got its result row.
	OutcomePending(ctx context.Context, xid string, txType enums.PosnetTransactionType) (bool, error)
	History(ctx context.Context, orderID int64) ([]models.PosnetTransactionLog, error)
	FailedAuthorizations(ctx context.Context, cardHash string, since time.Time) (int, error)
	RecordReconciliation(ctx context.Context, input ReconciliationInput) (*models.ReconciliationLog, error)
	OpenReconciliations(ctx context.Context, kind enums.ReconciliationKind, limit int) ([]models.ReconciliationLog, error)
	ListReconciliations(ctx context.Context, query ReconciliationQuery) (*ReconciliationPage, error)
	ResolveReconciliation(ctx context.Context, id int64, resolution string) error
}

// ReconciliationQuery is the operator listing request. An empty Kind lists
// every kind.
type ReconciliationQuery struct {
	Kind            string
	IncludeResolved bool
	Page            pagination.Params
}

// ReconciliationPage is one page of reconciliation entries.
type ReconciliationPage struct {
	Items      []models.ReconciliationLog
	NextCursor string
}

type service struct {
	repo Repository
	now  func() time.Time
}

// ReconciliationInput captures an anomaly between local and bank state.
type ReconciliationInput struct {
	OrderID    int64
	PaymentID  int64
	Xid        string
	Kind       enums.ReconciliationKind
	LocalState string
	BankState  string
	Details    string
}

// NewService wires a transaction log service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("transaction log repository required")
	}
	return &service{repo: repo, now: time.Now}, nil
}

func (s *service) SuccessfulResult(ctx context.Context, xid string, txType enums.PosnetTransactionType) (*models.PosnetTransactionLog, error) {
	if strings.TrimSpace(xid) == "" {
		return nil, fmt.Errorf("xid is required")
	}
	if !txType.IsValid() {
		return nil, fmt.Errorf("invalid transaction type %q", txType)
	}
	return s.repo.FindResult(ctx, xid, txType, enums.PosnetLogOutcomeApproved)
}

func (s *service) LatestResult(ctx context.Context, xid string, txType enums.PosnetTransactionType) (*models.PosnetTransactionLog, error) {
	if strings.TrimSpace(xid) == "" {
		return nil, fmt.Errorf("xid is required")
	}
	return s.repo.LatestResult(ctx, xid, txType)
}

func (s *service) OutcomePending(ctx context.Context, xid string, txType enums.PosnetTransactionType) (bool, error) {
	if strings.TrimSpace(xid) == "" {
		return false, fmt.Errorf("xid is required")
	}
	last, err := s.repo.LatestResult(ctx, xid, txType)
	if err != nil {
		return false, err
	}
	if last != nil && last.Outcome == enums.PosnetLogOutcomeUnknown {
		return true, nil
	}
	open, err := s.repo.CountOpenIntents(ctx, xid, txType)
	if err != nil {
		return false, err
	}
	return open > 0, nil
}

func (s *service) History(ctx context.Context, orderID int64) ([]models.PosnetTransactionLog, error) {
	if orderID <= 0 {
		return nil, fmt.Errorf("order id is required")
	}
	return s.repo.ListByOrderID(ctx, orderID)
}

func (s *service) FailedAuthorizations(ctx context.Context, cardHash string, since time.Time) (int, error) {
	if cardHash == "" {
		return 0, nil
	}
	count, err := s.repo.CountFailedAuthorizations(ctx, cardHash, since)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *service) RecordReconciliation(ctx context.Context, input ReconciliationInput) (*models.ReconciliationLog, error) {
	if !input.Kind.IsValid() {
		return nil, fmt.Errorf("invalid reconciliation kind %q", input.Kind)
	}
	if input.OrderID <= 0 && input.Xid == "" {
		return nil, fmt.Errorf("order id or xid is required")
	}

	entry := &models.ReconciliationLog{
		OrderID:    optionalID(input.OrderID),
		PaymentID:  optionalID(input.PaymentID),
		Xid:        input.Xid,
		Kind:       input.Kind,
		LocalState: input.LocalState,
		BankState:  input.BankState,
		Details:    input.Details,
	}
	if err := s.repo.CreateReconciliation(context.WithoutCancel(ctx), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) OpenReconciliations(ctx context.Context, kind enums.ReconciliationKind, limit int) ([]models.ReconciliationLog, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid reconciliation kind %q", kind)
	}
	return s.repo.ListOpenReconciliations(ctx, kind, limit)
}

func (s *service) ListReconciliations(ctx context.Context, query ReconciliationQuery) (*ReconciliationPage, error) {
	var filter ReconciliationFilter
	filter.IncludeResolved = query.IncludeResolved
	if kind := strings.TrimSpace(query.Kind); kind != "" {
		parsed, err := enums.ParseReconciliationKind(kind)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid reconciliation kind")
		}
		filter.Kind = &parsed
	}
	cursor, err := pagination.ParseCursor(query.Page.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(query.Page.Limit)
	rows, err := s.repo.ListReconciliations(ctx, filter, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reconciliations")
	}

	page := &ReconciliationPage{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		last := page.Items[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (s *service) ResolveReconciliation(ctx context.Context, id int64, resolution string) error {
	if id <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "reconciliation id is required")
	}
	if strings.TrimSpace(resolution) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "resolution is required")
	}
	err := s.repo.ResolveReconciliation(ctx, id, resolution, s.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "open reconciliation not found")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve reconciliation")
	}
	return nil
}
