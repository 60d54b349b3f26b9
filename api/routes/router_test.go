package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/scalepay-backend/internal/payments"
	"github.com/angelmondragon/scalepay-backend/internal/ratelimit"
	"github.com/angelmondragon/scalepay-backend/internal/weighing"
	"github.com/angelmondragon/scalepay-backend/pkg/auth"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

type stubPayments struct {
	payments.Service
	settled int64
}

func (s *stubPayments) Settle(_ context.Context, orderID int64) (*payments.SettleResult, error) {
	s.settled = orderID
	return &payments.SettleResult{OrderID: orderID, AlreadySettled: true}, nil
}

type stubWeighing struct {
	weighing.Service
}

func (s *stubWeighing) Adjustments(context.Context, int64) ([]models.WeightAdjustment, error) {
	return nil, nil
}

type memoryIdempotency struct {
	values map[string]string
}

func (m *memoryIdempotency) Get(_ context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *memoryIdempotency) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	switch v := value.(type) {
	case string:
		m.values[key] = v
	case []byte:
		m.values[key] = string(v)
	}
	return true, nil
}

func (m *memoryIdempotency) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

var staffCfg = config.StaffAuthConfig{Secret: "router-secret", Issuer: "scalepay-staff"}

func newTestRouter(t *testing.T, pay *stubPayments, limiter *ratelimit.Limiter) http.Handler {
	t.Helper()
	cfg := &config.Config{
		App:       config.AppConfig{Env: "dev", CORSOrigins: []string{"http://localhost:3000"}},
		StaffAuth: staffCfg,
	}
	params := Params{
		Config:      cfg,
		Logger:      logger.New(logger.Options{ServiceName: "router-test"}),
		Idempotency: &memoryIdempotency{values: map[string]string{}},
		Payments:    pay,
		Weighing:    &stubWeighing{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}
	if limiter != nil {
		params.Limiter = limiter
	}
	return NewRouter(params)
}

func bearer(t *testing.T, staffID int64, role enums.StaffRole) string {
	t.Helper()
	token, err := auth.MintStaffToken(staffCfg, time.Now(), time.Hour, auth.StaffTokenPayload{StaffID: staffID, Role: role})
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &stubPayments{}, nil)
	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouterStaffRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, &stubPayments{}, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/staff/orders/4/settle", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterSettleRoleGate(t *testing.T) {
	pay := &stubPayments{}
	router := newTestRouter(t, pay, nil)

	courier := httptest.NewRequest(http.MethodPost, "/api/v1/staff/orders/4/settle", nil)
	courier.Header.Set("Authorization", bearer(t, 2, enums.StaffRoleCourier))
	courier.Header.Set("Idempotency-Key", "settle-4")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, courier)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, pay.settled)

	operator := httptest.NewRequest(http.MethodPost, "/api/v1/staff/orders/4/settle", nil)
	operator.Header.Set("Authorization", bearer(t, 3, enums.StaffRoleOperator))
	operator.Header.Set("Idempotency-Key", "settle-4")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, operator)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4), pay.settled)
}

func TestRouterSettleRequiresIdempotencyKey(t *testing.T) {
	pay := &stubPayments{}
	router := newTestRouter(t, pay, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/staff/orders/4/settle", nil)
	req.Header.Set("Authorization", bearer(t, 3, enums.StaffRoleSystem))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, pay.settled)
}

func TestRouterThrottlesPreAuthorize(t *testing.T) {
	policy := ratelimit.DefaultPolicy()
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), policy)
	require.NoError(t, err)
	router := newTestRouter(t, &stubPayments{}, limiter)

	var last int
	for i := 0; i <= policy.PerMinute; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/preauthorize", strings.NewReader(`{}`))
		req.RemoteAddr = "198.51.100.4:1234"
		req.Header.Set("Idempotency-Key", "k")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRouterReconciliationsAreOperatorOnly(t *testing.T) {
	router := newTestRouter(t, &stubPayments{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/staff/reconciliations", nil)
	req.Header.Set("Authorization", bearer(t, 2, enums.StaffRoleCourier))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
