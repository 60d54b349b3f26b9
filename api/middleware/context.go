package middleware

import (
	"context"

	"github.com/angelmondragon/scalepay-backend/pkg/enums"
)

type contextKey string

const (
	ctxStaffID   contextKey = "staff_id"
	ctxStaffRole contextKey = "staff_role"
)

// StaffIDFromContext returns the authenticated staff member, zero when absent.
func StaffIDFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(ctxStaffID).(int64); ok {
		return v
	}
	return 0
}

func StaffRoleFromContext(ctx context.Context) enums.StaffRole {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxStaffRole).(enums.StaffRole); ok {
		return v
	}
	return ""
}

// WithStaff injects the staff identity into the context.
func WithStaff(ctx context.Context, staffID int64, role enums.StaffRole) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxStaffID, staffID)
	return context.WithValue(ctx, ctxStaffRole, role)
}
