package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Stripe       StripeConfig
	Webhook      WebhookConfig
	Reconciler   ReconcilerConfig
	Entitlements EntitlementsConfig
	Metrics      MetricsConfig
	Gateway      GatewayConfig
	Cron         CronConfig
	API          APIConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SHOPBILLING_APP_ENV" required:"true"`
	Port         string `envconfig:"SHOPBILLING_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SHOPBILLING_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SHOPBILLING_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SHOPBILLING_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SHOPBILLING_DB_DSN"`
	Driver string `envconfig:"SHOPBILLING_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SHOPBILLING_DB_HOST"`
	LegacyPort     int    `envconfig:"SHOPBILLING_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SHOPBILLING_DB_USER"`
	LegacyPassword string `envconfig:"SHOPBILLING_DB_PASSWORD"`
	LegacyName     string `envconfig:"SHOPBILLING_DB_NAME"`
	LegacySSLMode  string `envconfig:"SHOPBILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SHOPBILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SHOPBILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SHOPBILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SHOPBILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// UsesSQLite reports whether the sqlite driver was selected.
func (db DBConfig) UsesSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"SHOPBILLING_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SHOPBILLING_REDIS_ADDR"`
	Password     string        `envconfig:"SHOPBILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"SHOPBILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SHOPBILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SHOPBILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SHOPBILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SHOPBILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SHOPBILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite          bool `envconfig:"SHOPBILLING_USE_SQLITE" default:"false"`
	AutoMigrate        bool `envconfig:"SHOPBILLING_AUTO_MIGRATE" default:"false"`
	DistributedLocking bool `envconfig:"SHOPBILLING_DISTRIBUTED_TENANT_LOCK" default:"true"`
	BigQueryExport     bool `envconfig:"SHOPBILLING_BIGQUERY_EXPORT" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"SHOPBILLING_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"SHOPBILLING_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"SHOPBILLING_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"SHOPBILLING_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic        string `envconfig:"SHOPBILLING_PUBSUB_BILLING_TOPIC" default:"sb-billing-events"`
	BillingSubscription string `envconfig:"SHOPBILLING_PUBSUB_BILLING_SUBSCRIPTION" default:"sb-billing-events-metrics"`
}

type BigQueryConfig struct {
	Dataset      string `envconfig:"SHOPBILLING_BIGQUERY_DATASET" default:"shopbilling"`
	MetricsTable string `envconfig:"SHOPBILLING_BIGQUERY_METRICS_TABLE" default:"metrics_snapshots"`
	ChangesTable string `envconfig:"SHOPBILLING_BIGQUERY_CHANGES_TABLE" default:"subscription_changes"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"SHOPBILLING_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"SHOPBILLING_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"SHOPBILLING_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"SHOPBILLING_OUTBOX_RETENTION" default:"720h"`
	PublishTimeout time.Duration `envconfig:"SHOPBILLING_OUTBOX_PUBLISH_TIMEOUT" default:"15s"`
	MaxBackoff     time.Duration `envconfig:"SHOPBILLING_OUTBOX_MAX_BACKOFF" default:"10s"`
	// OrderByTenant publishes with the tenant id as ordering key.
	OrderByTenant bool `envconfig:"SHOPBILLING_OUTBOX_ORDER_BY_TENANT" default:"true"`
}

type StripeConfig struct {
	APIKey     string            `envconfig:"SHOPBILLING_STRIPE_API_KEY"`
	Secret     string            `envconfig:"SHOPBILLING_STRIPE_SECRET"`
	Env        string            `envconfig:"SHOPBILLING_STRIPE_ENV" default:"test"`
	PlanPrices map[string]string `envconfig:"SHOPBILLING_STRIPE_PLAN_PRICES"`
	SuccessURL string            `envconfig:"SHOPBILLING_STRIPE_SUCCESS_URL" default:"http://localhost:3000/billing/success"`
	CancelURL  string            `envconfig:"SHOPBILLING_STRIPE_CANCEL_URL" default:"http://localhost:3000/billing"`
	ReturnURL  string            `envconfig:"SHOPBILLING_STRIPE_PORTAL_RETURN_URL" default:"http://localhost:3000/billing"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// WebhookConfig covers the inbound billing webhook boundary.
type WebhookConfig struct {
	Secret         string        `envconfig:"SHOPBILLING_WEBHOOK_SECRET" required:"true"`
	MaxBodyBytes   int64         `envconfig:"SHOPBILLING_WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	IdempotencyTTL time.Duration `envconfig:"SHOPBILLING_WEBHOOK_IDEMPOTENCY_TTL" default:"168h"`
	SignatureSkew  time.Duration `envconfig:"SHOPBILLING_WEBHOOK_SIGNATURE_TOLERANCE" default:"5m"`
}

type ReconcilerConfig struct {
	LockTimeout time.Duration `envconfig:"SHOPBILLING_RECONCILER_LOCK_TIMEOUT" default:"5s"`
	LockTTL     time.Duration `envconfig:"SHOPBILLING_RECONCILER_LOCK_TTL" default:"30s"`
	// ApplyTimeout bounds one event's transaction; LockTTL must exceed it.
	ApplyTimeout time.Duration `envconfig:"SHOPBILLING_RECONCILER_APPLY_TIMEOUT" default:"10s"`
	ReplayDelay  time.Duration `envconfig:"SHOPBILLING_RECONCILER_REPLAY_DELAY" default:"2m"`
}

type EntitlementsConfig struct {
	GracePeriod time.Duration `envconfig:"SHOPBILLING_ENTITLEMENTS_GRACE_PERIOD" default:"72h"`
	CacheTTL    time.Duration `envconfig:"SHOPBILLING_ENTITLEMENTS_CACHE_TTL" default:"30s"`
}

type MetricsConfig struct {
	Windows         []string      `envconfig:"SHOPBILLING_METRICS_WINDOWS" default:"7d,30d,90d"`
	RebuildDebounce time.Duration `envconfig:"SHOPBILLING_METRICS_REBUILD_DEBOUNCE" default:"2s"`
	RefreshInterval time.Duration `envconfig:"SHOPBILLING_METRICS_REFRESH_INTERVAL" default:"1m"`
}

type GatewayConfig struct {
	MaxAttempts    int           `envconfig:"SHOPBILLING_GATEWAY_MAX_ATTEMPTS" default:"4"`
	AttemptTimeout time.Duration `envconfig:"SHOPBILLING_GATEWAY_ATTEMPT_TIMEOUT" default:"5s"`
	BaseBackoff    time.Duration `envconfig:"SHOPBILLING_GATEWAY_BASE_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"SHOPBILLING_GATEWAY_MAX_BACKOFF" default:"3s"`
}

type CronConfig struct {
	Interval       time.Duration `envconfig:"SHOPBILLING_CRON_INTERVAL" default:"1m"`
	LockTTL        time.Duration `envconfig:"SHOPBILLING_CRON_LOCK_TTL" default:"5m"`
	ReplayBatch    int           `envconfig:"SHOPBILLING_CRON_REPLAY_BATCH" default:"100"`
	ExportInterval time.Duration `envconfig:"SHOPBILLING_CRON_EXPORT_INTERVAL" default:"15m"`
}

// APIConfig covers CORS and the command endpoint rate limits.
type APIConfig struct {
	CORSOrigins        []string      `envconfig:"SHOPBILLING_CORS_ORIGINS" default:"http://localhost:3000"`
	CommandWindow      time.Duration `envconfig:"SHOPBILLING_COMMAND_RATE_WINDOW" default:"1m"`
	CommandIPLimit     int           `envconfig:"SHOPBILLING_COMMAND_RATE_IP_LIMIT" default:"60"`
	CommandTenantLimit int           `envconfig:"SHOPBILLING_COMMAND_RATE_TENANT_LIMIT" default:"20"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite || db.UsesSQLite() {
		db.DSN = DefaultSQLiteDSN
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
