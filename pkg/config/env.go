package config

// EnvPrefix is handed to envconfig; every field carries an explicit name so
// the prefix only matters for fields without a tag.
const EnvPrefix = "SCALEPAY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	RateLimitBackendAuto   = "auto"
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

const (
	EnvAppEnv = "SCALEPAY_APP_ENV"
	EnvPort   = "SCALEPAY_APP_PORT"

	EnvDBDSN  = "SCALEPAY_DB_DSN"
	EnvDBHost = "SCALEPAY_DB_HOST"
	EnvDBUser = "SCALEPAY_DB_USER"
	EnvDBName = "SCALEPAY_DB_NAME"

	EnvRedisURL = "SCALEPAY_REDIS_URL"

	EnvPosnetURL        = "SCALEPAY_POSNET_URL"
	EnvPosnetMerchantNo = "SCALEPAY_POSNET_MERCHANT_NO"
	EnvPosnetTerminalID = "SCALEPAY_POSNET_TERMINAL_ID"
	EnvPosnetEncKey     = "SCALEPAY_POSNET_ENC_KEY"

	EnvSettlementTolerance     = "SCALEPAY_SETTLEMENT_DEFAULT_TOLERANCE"
	EnvSettlementOverrideLimit = "SCALEPAY_SETTLEMENT_OVERRIDE_HARD_LIMIT"
	EnvUseSQLite               = "SCALEPAY_USE_SQLITE"
	EnvRateLimitBackend        = "SCALEPAY_RATE_LIMIT_BACKEND"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
