package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/scalepay-backend/api/responses"
	pkgAuth "github.com/angelmondragon/scalepay-backend/pkg/auth"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
)

// StaffAuth validates a staff bearer token and seeds the request context
// with the staff identity.
func StaffAuth(cfg config.StaffAuthConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseStaffToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithStaff(r.Context(), claims.StaffID, claims.Role)
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"staff_id":   claims.StaffID,
					"staff_role": claims.Role.String(),
				})
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
