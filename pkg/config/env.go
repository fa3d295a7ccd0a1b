package config

const (
	EnvPrefix = "SHOPBILLING"

	EnvAppEnv  = "SHOPBILLING_APP_ENV"
	EnvAppPort = "SHOPBILLING_APP_PORT"

	EnvDBDSN    = "SHOPBILLING_DB_DSN"
	EnvDBDriver = "SHOPBILLING_DB_DRIVER"
	EnvDBHost   = "SHOPBILLING_DB_HOST"
	EnvDBUser   = "SHOPBILLING_DB_USER"
	EnvDBName   = "SHOPBILLING_DB_NAME"

	EnvRedisURL      = "SHOPBILLING_REDIS_URL"
	EnvWebhookSecret = "SHOPBILLING_WEBHOOK_SECRET"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	DefaultSQLiteDSN = "file:shopbilling.db?cache=shared&_busy_timeout=5000"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
