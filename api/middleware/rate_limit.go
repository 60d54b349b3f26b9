package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/angelmondragon/scalepay-backend/api/responses"
	"github.com/angelmondragon/scalepay-backend/internal/ratelimit"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

// RequestLimiter decides whether a client may call an endpoint.
type RequestLimiter interface {
	Allow(ctx context.Context, ip, endpoint string) (ratelimit.Decision, error)
}

// RateLimit throttles each client IP on the named endpoint. A limiter outage
// fails open so card payments are not blocked by a cache problem.
func RateLimit(limiter RequestLimiter, endpoint string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := clientIP(r)

			decision, err := limiter.Allow(ctx, ip, endpoint)
			if err != nil {
				if logg != nil {
					logg.Error(logg.WithField(ctx, "endpoint", endpoint), "rate_limit.store_failed", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				if logg != nil {
					logg.Security(ctx, "rate_limit.blocked", map[string]any{
						"ip":          ip,
						"endpoint":    endpoint,
						"reason":      decision.Reason,
						"retry_after": decision.RetryAfterSeconds,
					})
				}
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
				err := pkgerrors.New(pkgerrors.CodeRateLimit, "too many requests").
					WithDetails(map[string]any{"retry_after_seconds": decision.RetryAfterSeconds})
				responses.WriteError(ctx, nil, w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the address used for throttling and fraud scoring.
func ClientIP(r *http.Request) string {
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
