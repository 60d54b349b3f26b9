package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/scalepay-backend/internal/payments"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

const defaultBatchSize = 100

type authorizationExpirer interface {
	ExpireAuthorizations(ctx context.Context, limit int) (int, error)
}

type outcomeReconciler interface {
	ReconcileUnknownOutcomes(ctx context.Context, limit int) (payments.ReconcileReport, error)
}

// AuthorizationExpiryJobParams configure the authorization expiry job.
type AuthorizationExpiryJobParams struct {
	Logger    *logger.Logger
	Payments  authorizationExpirer
	BatchSize int
}

// NewAuthorizationExpiryJob builds the job that releases holds whose window
// has passed without a capture.
func NewAuthorizationExpiryJob(params AuthorizationExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	return &authorizationExpiryJob{logg: params.Logger, payments: params.Payments, batchSize: params.BatchSize}, nil
}

type authorizationExpiryJob struct {
	logg      *logger.Logger
	payments  authorizationExpirer
	batchSize int
}

func (j *authorizationExpiryJob) Name() string {
	return "authorization-expiry"
}

func (j *authorizationExpiryJob) Run(ctx context.Context) error {
	expired, err := j.payments.ExpireAuthorizations(ctx, j.batchSize)
	if expired > 0 {
		j.logg.Info(j.logg.WithField(ctx, "expired", expired), "expired stale authorizations")
	}
	return err
}

// OutcomeReconcileJobParams configure the unknown outcome reconciliation job.
type OutcomeReconcileJobParams struct {
	Logger    *logger.Logger
	Payments  outcomeReconciler
	BatchSize int
}

// NewOutcomeReconcileJob builds the job that asks the bank about calls whose
// result was never observed.
func NewOutcomeReconcileJob(params OutcomeReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	return &outcomeReconcileJob{logg: params.Logger, payments: params.Payments, batchSize: params.BatchSize}, nil
}

type outcomeReconcileJob struct {
	logg      *logger.Logger
	payments  outcomeReconciler
	batchSize int
}

func (j *outcomeReconcileJob) Name() string {
	return "outcome-reconcile"
}

func (j *outcomeReconcileJob) Run(ctx context.Context) error {
	report, err := j.payments.ReconcileUnknownOutcomes(ctx, j.batchSize)
	if report.Resolved > 0 || report.Pending > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"resolved": report.Resolved,
			"pending":  report.Pending,
		}), "reconciled unknown bank outcomes")
	}
	return err
}
