package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Posnet       PosnetConfig
	Settlement   SettlementConfig
	RateLimit    RateLimitConfig
	Fraud        FraudConfig
	FeatureFlags FeatureFlagsConfig
	Cron         CronConfig
	StaffAuth    StaffAuthConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	if err := cfg.RateLimit.validate(cfg.Redis); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SCALEPAY_APP_ENV" required:"true"`
	Port         string `envconfig:"SCALEPAY_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"SCALEPAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SCALEPAY_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma separated allow list for browser callers.
	CORSOrigins []string `envconfig:"SCALEPAY_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"SCALEPAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SCALEPAY_DB_DSN"`
	Driver string `envconfig:"SCALEPAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SCALEPAY_DB_HOST"`
	LegacyPort     int    `envconfig:"SCALEPAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SCALEPAY_DB_USER"`
	LegacyPassword string `envconfig:"SCALEPAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"SCALEPAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"SCALEPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SCALEPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SCALEPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SCALEPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SCALEPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig is optional; without an address the rate limiter and the
// settlement lock stay in-process.
type RedisConfig struct {
	URL          string        `envconfig:"SCALEPAY_REDIS_URL"`
	Address      string        `envconfig:"SCALEPAY_REDIS_ADDR"`
	Password     string        `envconfig:"SCALEPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"SCALEPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SCALEPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SCALEPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SCALEPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SCALEPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SCALEPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

// PosnetConfig holds the bank gateway endpoint and merchant secrets.
type PosnetConfig struct {
	URL              string        `envconfig:"SCALEPAY_POSNET_URL" required:"true"`
	MerchantNo       string        `envconfig:"SCALEPAY_POSNET_MERCHANT_NO" required:"true"`
	TerminalID       string        `envconfig:"SCALEPAY_POSNET_TERMINAL_ID" required:"true"`
	PosnetID         string        `envconfig:"SCALEPAY_POSNET_ID"`
	EncKey           string        `envconfig:"SCALEPAY_POSNET_ENC_KEY" required:"true"`
	Currency         string        `envconfig:"SCALEPAY_POSNET_CURRENCY" default:"TL"`
	Timeout          time.Duration `envconfig:"SCALEPAY_POSNET_TIMEOUT" default:"5s"`
	AuthorizationTTL time.Duration `envconfig:"SCALEPAY_POSNET_AUTHORIZATION_TTL" default:"168h"`
	ThreeDSecure     bool          `envconfig:"SCALEPAY_POSNET_3DS" default:"true"`
}

// SettlementConfig drives weight tolerance and the capture band.
type SettlementConfig struct {
	DefaultTolerance decimal.Decimal `envconfig:"SCALEPAY_SETTLEMENT_DEFAULT_TOLERANCE" default:"0.05"`
	// OverrideHardLimit caps admin approved captures at PreAuth x (1 + limit).
	OverrideHardLimit decimal.Decimal `envconfig:"SCALEPAY_SETTLEMENT_OVERRIDE_HARD_LIMIT" default:"0.50"`
	LockTTL           time.Duration   `envconfig:"SCALEPAY_SETTLEMENT_LOCK_TTL" default:"30s"`
}

func (s SettlementConfig) validate() error {
	if s.DefaultTolerance.IsNegative() || s.DefaultTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be in [0, 1)", EnvSettlementTolerance)
	}
	if s.OverrideHardLimit.LessThan(s.DefaultTolerance) {
		return fmt.Errorf("%s must not be below the default tolerance", EnvSettlementOverrideLimit)
	}
	return nil
}

// RateLimitConfig backend is auto, memory or redis. Auto shares history
// through Redis whenever it is configured.
type RateLimitConfig struct {
	Backend        string        `envconfig:"SCALEPAY_RATE_LIMIT_BACKEND" default:"auto"`
	PerMinute      int           `envconfig:"SCALEPAY_RATE_LIMIT_PER_MINUTE" default:"30"`
	PerHour        int           `envconfig:"SCALEPAY_RATE_LIMIT_PER_HOUR" default:"200"`
	MinuteBlockTTL time.Duration `envconfig:"SCALEPAY_RATE_LIMIT_MINUTE_BLOCK" default:"15m"`
	HourBlockTTL   time.Duration `envconfig:"SCALEPAY_RATE_LIMIT_HOUR_BLOCK" default:"30m"`
}

// UseRedis reports whether rate limit history lives in Redis.
func (r RateLimitConfig) UseRedis(redis RedisConfig) bool {
	switch strings.ToLower(r.Backend) {
	case RateLimitBackendRedis:
		return true
	case RateLimitBackendMemory:
		return false
	}
	return redis.Enabled()
}

func (r RateLimitConfig) validate(redis RedisConfig) error {
	switch strings.ToLower(r.Backend) {
	case RateLimitBackendAuto, RateLimitBackendMemory:
		return nil
	case RateLimitBackendRedis:
		if !redis.Enabled() {
			return fmt.Errorf("%s=redis requires a redis address", EnvRateLimitBackend)
		}
		return nil
	}
	return fmt.Errorf("%s must be one of auto, memory, redis", EnvRateLimitBackend)
}

type FraudConfig struct {
	Enabled            bool          `envconfig:"SCALEPAY_FRAUD_ENABLED" default:"true"`
	FailedAttemptsSpan time.Duration `envconfig:"SCALEPAY_FRAUD_FAILED_ATTEMPTS_SPAN" default:"24h"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"SCALEPAY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"SCALEPAY_AUTO_MIGRATE" default:"false"`
}

// StaffAuthConfig verifies bearer tokens minted by the staff identity
// service for couriers and operators. An empty secret rejects every token.
type StaffAuthConfig struct {
	Secret string `envconfig:"SCALEPAY_STAFF_JWT_SECRET"`
	Issuer string `envconfig:"SCALEPAY_STAFF_JWT_ISSUER" default:"scalepay-staff"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"SCALEPAY_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"SCALEPAY_CRON_LOCK_TTL" default:"4m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.Driver = DriverSQLite
		db.DSN = "file:scalepay.db?cache=shared"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
