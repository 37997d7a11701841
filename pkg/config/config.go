package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "paygrid"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv   = "PAYGRID_APP_ENV"
	EnvRedisURL = "PAYGRID_REDIS_URL"
	EnvDBDSN    = "PAYGRID_DB_DSN"
	EnvDBHost   = "PAYGRID_DB_HOST"
	EnvDBUser   = "PAYGRID_DB_USER"
	EnvDBName   = "PAYGRID_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	GCP     GCPConfig
	PubSub  PubSubConfig
	Outbox   OutboxConfig
	Billing  BillingConfig
	Webhook  WebhookConfig
	Provider ProviderConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PAYGRID_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"PAYGRID_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAYGRID_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"PAYGRID_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PAYGRID_SERVICE_KIND" default:"billing-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"PAYGRID_DB_DSN"`
	Driver string `envconfig:"PAYGRID_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PAYGRID_DB_HOST"`
	LegacyPort     int    `envconfig:"PAYGRID_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PAYGRID_DB_USER"`
	LegacyPassword string `envconfig:"PAYGRID_DB_PASSWORD"`
	LegacyName     string `envconfig:"PAYGRID_DB_NAME"`
	LegacySSLMode  string `envconfig:"PAYGRID_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PAYGRID_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PAYGRID_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PAYGRID_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAYGRID_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PAYGRID_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PAYGRID_REDIS_ADDR"`
	Password     string        `envconfig:"PAYGRID_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAYGRID_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAYGRID_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAYGRID_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAYGRID_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAYGRID_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAYGRID_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PAYGRID_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PAYGRID_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PAYGRID_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic      string `envconfig:"PAYGRID_PUBSUB_BILLING_TOPIC" default:"paygrid-billing-events"`
	NotificationTopic string `envconfig:"PAYGRID_PUBSUB_NOTIFICATION_TOPIC" default:"paygrid-notification-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PAYGRID_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PAYGRID_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PAYGRID_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// BillingConfig tunes the scheduler worker. LeaseDuration bounds how long a
// claimed schedule stays invisible to other workers; it must sit comfortably
// above worst-case provider latency so crashed workers release quickly
// without letting live ones lose their claim mid-charge.
type BillingConfig struct {
	TickInterval      time.Duration `envconfig:"PAYGRID_BILLING_TICK_INTERVAL" default:"1m"`
	LeaseDuration     time.Duration `envconfig:"PAYGRID_BILLING_LEASE_DURATION" default:"5m"`
	BatchSize         int           `envconfig:"PAYGRID_BILLING_BATCH_SIZE" default:"100"`
	DefaultMaxRetries int           `envconfig:"PAYGRID_BILLING_DEFAULT_MAX_RETRIES" default:"3"`
}

func (b BillingConfig) validate() error {
	if b.LeaseDuration <= 0 {
		return fmt.Errorf("billing lease duration must be positive")
	}
	if b.TickInterval <= 0 {
		return fmt.Errorf("billing tick interval must be positive")
	}
	return nil
}

type WebhookConfig struct {
	GuardTTL time.Duration `envconfig:"PAYGRID_WEBHOOK_GUARD_TTL" default:"720h"`
}

// ProviderConfig carries the credentials for the payment provider adapters
// the worker registers at boot.
type ProviderConfig struct {
	SandboxID            string `envconfig:"PAYGRID_PROVIDER_SANDBOX_ID" default:"sandbox"`
	SandboxWebhookSecret string `envconfig:"PAYGRID_PROVIDER_SANDBOX_WEBHOOK_SECRET" default:"whsec_sandbox"`
	SandboxFeePercent    string `envconfig:"PAYGRID_PROVIDER_SANDBOX_FEE_PERCENT" default:"2.9"`
	SandboxFeeFixedCents int64  `envconfig:"PAYGRID_PROVIDER_SANDBOX_FEE_FIXED_CENTS" default:"30"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
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
