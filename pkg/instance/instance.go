package instance

import (
	"os"

	"github.com/angelmondragon/scalepay-backend/pkg/env"
)

// GetID returns the process instance identifier used in logs and lock
// ownership. It falls back to the platform dyno name, then the hostname.
func GetID() string {
	if id := env.Get("SCALEPAY_INSTANCE_ID", os.Getenv("DYNO")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
