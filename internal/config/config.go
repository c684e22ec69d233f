package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Gateway      GatewayConfig
	Webhook      WebhookConfig
	Checkout     CheckoutConfig
	Retry        RetryConfig
	Verification VerificationConfig
	Intent       IntentConfig
	Telegram     TelegramConfig
	API          APIConfig
	Reconcile    ReconcileConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

// GatewayConfig holds the hosted-checkout gateway credentials.
type GatewayConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIVersion   string
	ReturnURL    string
	NotifyURL    string
	Timeout      time.Duration
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type CheckoutConfig struct {
	Timeout time.Duration
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

type VerificationConfig struct {
	Enabled          bool
	InitialDelay     time.Duration
	MaxRetries       int
	BatchConcurrency int
	BatchPause       time.Duration
}

type IntentConfig struct {
	VPA        string
	PayeeName  string
	RelayURL   string
	RelayToken string
}

type TelegramConfig struct {
	BotToken   string
	ReportChat string
}

type APIConfig struct {
	Key string
}

type ReconcileConfig struct {
	Cron          string
	SettlementTTL time.Duration
	BatchLimit    int
	// Grace is how long a succeeded attempt is left to in-process
	// verification before the sweep picks it up.
	Grace time.Duration
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 50)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 10)
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("GATEWAY_BASE_URL", "https://sandbox.cashfree.com")
	viper.SetDefault("GATEWAY_API_VERSION", "2023-08-01")
	viper.SetDefault("GATEWAY_TIMEOUT", "30s")
	viper.SetDefault("WEBHOOK_TOLERANCE", "300s")
	viper.SetDefault("CHECKOUT_TIMEOUT", "10m")
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	viper.SetDefault("RETRY_INITIAL_DELAY", "1s")
	viper.SetDefault("RETRY_MULTIPLIER", 2.0)
	viper.SetDefault("RETRY_MAX_DELAY", "30s")
	viper.SetDefault("VERIFY_ENABLED", true)
	viper.SetDefault("VERIFY_INITIAL_DELAY", "3s")
	viper.SetDefault("VERIFY_MAX_RETRIES", 5)
	viper.SetDefault("VERIFY_BATCH_CONCURRENCY", 5)
	viper.SetDefault("VERIFY_BATCH_PAUSE", "500ms")
	viper.SetDefault("RECONCILE_CRON", "*/5 * * * *")
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("SETTLEMENT_TTL", "72h")

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			Host:    viper.GetString("DB_HOST"),
			Port:    viper.GetString("DB_PORT"),
			Name:    viper.GetString("DB_NAME"),
			User:    viper.GetString("DB_USER"),
			Pass:    viper.GetString("DB_PASS"),
			Charset: viper.GetString("DB_CHARSET"),

			MaxOpenConns:    viper.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    viper.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: duration("DB_CONN_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		Gateway: GatewayConfig{
			BaseURL:      viper.GetString("GATEWAY_BASE_URL"),
			ClientID:     viper.GetString("GATEWAY_CLIENT_ID"),
			ClientSecret: viper.GetString("GATEWAY_CLIENT_SECRET"),
			APIVersion:   viper.GetString("GATEWAY_API_VERSION"),
			ReturnURL:    viper.GetString("GATEWAY_RETURN_URL"),
			NotifyURL:    viper.GetString("GATEWAY_NOTIFY_URL"),
			Timeout:      duration("GATEWAY_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:    viper.GetString("WEBHOOK_SECRET"),
			Tolerance: duration("WEBHOOK_TOLERANCE", 300*time.Second),
		},
		Checkout: CheckoutConfig{
			Timeout: duration("CHECKOUT_TIMEOUT", 10*time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:  viper.GetInt("RETRY_MAX_ATTEMPTS"),
			InitialDelay: duration("RETRY_INITIAL_DELAY", time.Second),
			Multiplier:   viper.GetFloat64("RETRY_MULTIPLIER"),
			MaxDelay:     duration("RETRY_MAX_DELAY", 30*time.Second),
		},
		Verification: VerificationConfig{
			Enabled:          viper.GetBool("VERIFY_ENABLED"),
			InitialDelay:     duration("VERIFY_INITIAL_DELAY", 3*time.Second),
			MaxRetries:       viper.GetInt("VERIFY_MAX_RETRIES"),
			BatchConcurrency: viper.GetInt("VERIFY_BATCH_CONCURRENCY"),
			BatchPause:       duration("VERIFY_BATCH_PAUSE", 500*time.Millisecond),
		},
		Intent: IntentConfig{
			VPA:        viper.GetString("INTENT_VPA"),
			PayeeName:  viper.GetString("INTENT_PAYEE_NAME"),
			RelayURL:   viper.GetString("INTENT_RELAY_URL"),
			RelayToken: viper.GetString("INTENT_RELAY_TOKEN"),
		},
		Telegram: TelegramConfig{
			BotToken:   viper.GetString("TELEGRAM_BOT_TOKEN"),
			ReportChat: viper.GetString("TELEGRAM_REPORT_CHAT"),
		},
		API: APIConfig{
			Key: viper.GetString("API_KEY"),
		},
		Reconcile: ReconcileConfig{
			Cron:          viper.GetString("RECONCILE_CRON"),
			SettlementTTL: duration("SETTLEMENT_TTL", 72*time.Hour),
			BatchLimit:    viper.GetInt("RECONCILE_BATCH_LIMIT"),
			Grace:         duration("RECONCILE_GRACE", 5*time.Minute),
		},
	}

	if cfg.Database.Name == "" {
		log.Println("WARNING: DB_NAME is not set")
	}
	if cfg.Webhook.Secret == "" {
		log.Println("WARNING: WEBHOOK_SECRET is not set, webhooks will be rejected")
	}
	if cfg.Gateway.ClientID == "" {
		log.Println("WARNING: GATEWAY_CLIENT_ID is not set")
	}

	return cfg, nil
}

// duration parses a duration key, falling back to def on a bad value.
func duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// DSN returns the MySQL DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=Local"
}

// IsDevelopment reports whether the service runs in development mode.
func (s ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}
