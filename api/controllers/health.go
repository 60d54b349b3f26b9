package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/scalepay-backend/api/responses"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

const (
	envHeader    = "X-Scalepay-Env"
	readyTimeout = 2 * time.Second
)

// Pinger is anything the readiness check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings the database and, when configured, Redis. A nil pinger
// is reported as skipped.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbPinger, redisPinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := map[string]string{}
		failed := map[string]any{}
		for name, p := range map[string]Pinger{"database": dbPinger, "redis": redisPinger} {
			if p == nil {
				checks[name] = "skipped"
				continue
			}
			if err := p.Ping(ctx); err != nil {
				checks[name] = "down"
				failed[name] = err.Error()
				continue
			}
			checks[name] = "up"
		}

		if len(failed) > 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(failed))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
