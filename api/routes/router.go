package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/scalepay-backend/api/controllers"
	paymentcontrollers "github.com/angelmondragon/scalepay-backend/api/controllers/payments"
	reconciliationcontrollers "github.com/angelmondragon/scalepay-backend/api/controllers/reconciliations"
	weighingcontrollers "github.com/angelmondragon/scalepay-backend/api/controllers/weighing"
	"github.com/angelmondragon/scalepay-backend/api/middleware"
	"github.com/angelmondragon/scalepay-backend/internal/payments"
	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/internal/weighing"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

// Endpoint names used as rate limit scopes.
const (
	EndpointPreAuthorize   = "preauthorize"
	EndpointPosnetCallback = "posnet_callback"
)

// Params carries everything the HTTP surface needs. The pingers, Idempotency,
// Limiter and Metrics may be nil.
type Params struct {
	Config      *config.Config
	Logger      *logger.Logger
	DBPinger    controllers.Pinger
	RedisPinger controllers.Pinger
	Idempotency middleware.IdempotencyStore
	Limiter     middleware.RequestLimiter
	Payments    payments.Service
	Weighing    weighing.Service
	TxLog       txlog.Service
	Metrics     http.Handler
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DBPinger, p.RedisPinger))
	})
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics)
	}

	critical := middleware.Idempotency(p.Idempotency, middleware.CriticalIdempotencyTTL, logg)
	standard := middleware.Idempotency(p.Idempotency, middleware.DefaultIdempotencyTTL, logg)

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.With(
			middleware.RateLimit(p.Limiter, EndpointPreAuthorize, logg),
			critical,
		).Post("/preauthorize", paymentcontrollers.PreAuthorize(p.Payments, logg))
		// the bank posts through the cardholder's browser without credentials
		r.With(
			middleware.RateLimit(p.Limiter, EndpointPosnetCallback, logg),
		).Post("/posnet/callback", paymentcontrollers.PosnetCallback(p.Payments, logg))
	})

	r.Route("/api/v1/staff", func(r chi.Router) {
		r.Use(middleware.StaffAuth(cfg.StaffAuth, logg))

		r.With(middleware.RequireRole(logg, enums.StaffRoleCourier)).
			Post("/weighing/events", weighingcontrollers.RecordWeighing(p.Weighing, logg))

		r.Route("/weight-adjustments", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.StaffRoleOperator))
			r.With(standard).Post("/{adjustmentId}/review", weighingcontrollers.ReviewAdjustment(p.Weighing, logg))
		})

		r.Route("/reconciliations", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.StaffRoleOperator))
			r.Get("/", reconciliationcontrollers.List(p.TxLog, logg))
			r.With(standard).Post("/{reconciliationId}/resolve", reconciliationcontrollers.Resolve(p.TxLog, logg))
		})

		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.With(middleware.RequireRole(logg, enums.StaffRoleOperator, enums.StaffRoleCourier)).
				Get("/weight-adjustments", weighingcontrollers.ListAdjustments(p.Weighing, logg))
			r.With(middleware.RequireRole(logg, enums.StaffRoleOperator)).
				Get("/transactions", reconciliationcontrollers.OrderHistory(p.TxLog, logg))
			r.With(middleware.RequireRole(logg, enums.StaffRoleOperator, enums.StaffRoleSystem), standard).
				Post("/settle", paymentcontrollers.Settle(p.Payments, logg))
			r.With(middleware.RequireRole(logg, enums.StaffRoleOperator), critical).
				Post("/refunds", paymentcontrollers.Refund(p.Payments, logg))
		})
	})

	return r
}
