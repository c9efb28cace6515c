package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Payment  PaymentConfig
	Purchase PurchaseConfig
	Auth     AuthConfig
	Log      LogConfig
	Tickets  TicketsConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
	ConnectRetry  int
	MigrationsDir string
	AutoMigrate   bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
	Enabled bool
}

type TopicConfig struct {
	PurchaseCreated   string
	PurchasePaid      string
	PurchaseCancelled string
	PaymentOutcome    string
}

type PaymentConfig struct {
	// Provider selects the gateway adapter: "stripe" or "http".
	Provider            string
	Currency            string
	StripeSecretKey     string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string
	HTTPBaseURL         string
	HTTPAPIKey          string
	RequestTimeout      time.Duration
	MaxRetries          int
}

type PurchaseConfig struct {
	HoldTTL        time.Duration
	SweepInterval  time.Duration
	PaymentLockTTL time.Duration
}

type AuthConfig struct {
	OIDCIssuer string
	ClientID   string
	// DevSecret enables HS256 tokens instead of OIDC. Local use only.
	DevSecret string
}

type TicketsConfig struct {
	// PDFFontPath is a TTF font for printed tickets; empty prints QR codes only.
	PDFFontPath string
}

type LogConfig struct {
	Dir   string
	Level string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			DSN:           getEnv("POSTGRES_DSN", ""),
			MaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:   time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			ConnectRetry:  getEnvInt("DB_CONNECT_RETRIES", 5),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
			AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "purchase-service"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				PurchaseCreated:   getEnv("KAFKA_TOPIC_PURCHASE_CREATED", "ticketing.purchase.created"),
				PurchasePaid:      getEnv("KAFKA_TOPIC_PURCHASE_PAID", "ticketing.purchase.paid"),
				PurchaseCancelled: getEnv("KAFKA_TOPIC_PURCHASE_CANCELLED", "ticketing.purchase.cancelled"),
				PaymentOutcome:    getEnv("KAFKA_TOPIC_PAYMENT_OUTCOME", "ticketing.payment.outcome"),
			},
		},
		Payment: PaymentConfig{
			Provider:            strings.ToLower(getEnv("PAYMENT_PROVIDER", "stripe")),
			Currency:            strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          getEnv("PAYMENT_SUCCESS_URL", "http://localhost:3000/purchases/{purchase_id}/success"),
			CancelURL:           getEnv("PAYMENT_CANCEL_URL", "http://localhost:3000/purchases/{purchase_id}/cancel"),
			HTTPBaseURL:         getEnv("PAYMENT_GATEWAY_URL", ""),
			HTTPAPIKey:          getEnv("PAYMENT_GATEWAY_API_KEY", ""),
			RequestTimeout:      getEnvDuration("PAYMENT_REQUEST_TIMEOUT", 10*time.Second),
			MaxRetries:          getEnvInt("PAYMENT_MAX_RETRIES", 3),
		},
		Purchase: PurchaseConfig{
			HoldTTL:        getEnvDuration("PURCHASE_HOLD_TTL", 15*time.Minute),
			SweepInterval:  getEnvDuration("PURCHASE_SWEEP_INTERVAL", time.Minute),
			PaymentLockTTL: getEnvDuration("PAYMENT_LOCK_TTL", 30*time.Second),
		},
		Auth: AuthConfig{
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
			ClientID:   getEnv("OIDC_CLIENT_ID", ""),
			DevSecret:  getEnv("AUTH_DEV_SECRET", ""),
		},
		Log: LogConfig{
			Dir:   getEnv("LOG_DIR", "logs"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tickets: TicketsConfig{
			PDFFontPath: getEnv("TICKET_PDF_FONT", ""),
		},
	}
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN not set")
	}
	if c.Auth.OIDCIssuer == "" && c.Auth.DevSecret == "" {
		return fmt.Errorf("OIDC_ISSUER not set")
	}
	switch c.Payment.Provider {
	case "stripe":
		if c.Payment.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY not set")
		}
	case "http":
		if c.Payment.HTTPBaseURL == "" {
			return fmt.Errorf("PAYMENT_GATEWAY_URL not set")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.Payment.Provider)
	}
	if c.Purchase.HoldTTL <= 0 {
		return fmt.Errorf("PURCHASE_HOLD_TTL must be positive")
	}
	if c.Payment.MaxRetries < 0 {
		return fmt.Errorf("PAYMENT_MAX_RETRIES must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "15m") or a bare
// number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
