package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	// EnvPrefix — префикс переменных окружения сервиса.
	EnvPrefix = "SMSFLEX"
)

// Config описывает настройки запуска приложения.
// Структура сравнима по значению: списки задаются строками через запятую.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr включает хранение ключей идемпотентности в Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// CatalogSeed — строки прайса "country:service:base:cost", загружаемые при старте.
	CatalogSeed string
	// BalanceSeed — стартовые балансы "user=amount"; только для memory-хранилища.
	BalanceSeed string

	KafkaBrokers     string
	KafkaTopic       string
	RabbitMQURL      string
	RabbitMQExchange string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	JWTSecret      string
	JWTIssuer      string
	AdminToken     string
	AllowedOrigins string
	RequestTimeout time.Duration

	// MockProviders — идентификаторы встроенных тестовых провайдеров.
	MockProviders         string
	SMSActivateURL        string
	SMSActivateAPIKey     string
	SMSActivateRate       float64
	SMSActivateServiceMap string
	SMSActivateCountryMap string

	AttemptTimeout time.Duration
	StockTimeout   time.Duration
	DynamicPricing bool

	ExpirySchedule      string
	ReservationSchedule string
	ReservationGrace    time.Duration
	HealthSyncInterval  time.Duration

	TracingEnabled     bool
	TracingExporter    string
	TracingEndpoint    string
	TracingSampleRatio float64
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaTopic:       "smsflex.rental.events",
		RabbitMQExchange: "smsflex.events",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		RequestTimeout: 60 * time.Second,

		MockProviders:   "mock",
		SMSActivateURL:  "https://api.sms-activate.ae",
		SMSActivateRate: 5,

		AttemptTimeout: 15 * time.Second,
		StockTimeout:   3 * time.Second,
		DynamicPricing: true,

		ExpirySchedule:      "@every 1m",
		ReservationSchedule: "@every 2m",
		ReservationGrace:    10 * time.Minute,
		HealthSyncInterval:  15 * time.Second,

		TracingExporter:    "stdout",
		TracingSampleRatio: 1,
	}
}

// LoadConfig читает настройки из окружения с префиксом SMSFLEX_.
// envFile, если существует, подгружается в окружение до чтения; уже заданные переменные не перезаписываются.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	def := DefaultConfig()
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := map[string]any{
		"HTTP_ADDR":                      def.HTTPAddr,
		"GRPC_ADDR":                      def.GRPCAddr,
		"METRICS_ADDR":                   def.MetricsAddr,
		"LOG_LEVEL":                      def.LogLevel,
		"STORAGE_DRIVER":                 def.StorageDriver,
		"POSTGRES_DSN":                   def.PostgresDSN,
		"POSTGRES_AUTO_MIGRATE":          def.PostgresAutoMigrate,
		"REDIS_ADDR":                     def.RedisAddr,
		"REDIS_PASSWORD":                 def.RedisPassword,
		"REDIS_DB":                       def.RedisDB,
		"CATALOG_SEED":                   def.CatalogSeed,
		"BALANCE_SEED":                   def.BalanceSeed,
		"KAFKA_BROKERS":                  def.KafkaBrokers,
		"KAFKA_TOPIC":                    def.KafkaTopic,
		"RABBITMQ_URL":                   def.RabbitMQURL,
		"RABBITMQ_EXCHANGE":              def.RabbitMQExchange,
		"OUTBOX_POLL_INTERVAL":           def.OutboxPollInterval,
		"OUTBOX_BATCH_SIZE":              def.OutboxBatchSize,
		"OUTBOX_MAX_ATTEMPTS":            def.OutboxMaxAttempts,
		"OUTBOX_RETRY_DELAY":             def.OutboxRetryDelay,
		"IDEMPOTENCY_TTL":                def.IdempotencyTTL,
		"IDEMPOTENCY_CLEANUP_INTERVAL":   def.IdempotencyCleanupInterval,
		"IDEMPOTENCY_CLEANUP_BATCH_SIZE": def.IdempotencyCleanupBatchSize,
		"JWT_SECRET":                     def.JWTSecret,
		"JWT_ISSUER":                     def.JWTIssuer,
		"ADMIN_TOKEN":                    def.AdminToken,
		"ALLOWED_ORIGINS":                def.AllowedOrigins,
		"REQUEST_TIMEOUT":                def.RequestTimeout,
		"MOCK_PROVIDERS":                 def.MockProviders,
		"SMSACTIVATE_URL":                def.SMSActivateURL,
		"SMSACTIVATE_API_KEY":            def.SMSActivateAPIKey,
		"SMSACTIVATE_RATE":               def.SMSActivateRate,
		"SMSACTIVATE_SERVICE_MAP":        def.SMSActivateServiceMap,
		"SMSACTIVATE_COUNTRY_MAP":        def.SMSActivateCountryMap,
		"ATTEMPT_TIMEOUT":                def.AttemptTimeout,
		"STOCK_TIMEOUT":                  def.StockTimeout,
		"DYNAMIC_PRICING":                def.DynamicPricing,
		"EXPIRY_SCHEDULE":                def.ExpirySchedule,
		"RESERVATION_SCHEDULE":           def.ReservationSchedule,
		"RESERVATION_GRACE":              def.ReservationGrace,
		"HEALTH_SYNC_INTERVAL":           def.HealthSyncInterval,
		"TRACING_ENABLED":                def.TracingEnabled,
		"TRACING_EXPORTER":               def.TracingExporter,
		"TRACING_ENDPOINT":               def.TracingEndpoint,
		"TRACING_SAMPLE_RATIO":           def.TracingSampleRatio,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := Config{
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		GRPCAddr:    v.GetString("GRPC_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),

		StorageDriver:       strings.ToLower(strings.TrimSpace(v.GetString("STORAGE_DRIVER"))),
		PostgresDSN:         v.GetString("POSTGRES_DSN"),
		PostgresAutoMigrate: v.GetBool("POSTGRES_AUTO_MIGRATE"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		CatalogSeed: v.GetString("CATALOG_SEED"),
		BalanceSeed: v.GetString("BALANCE_SEED"),

		KafkaBrokers:     v.GetString("KAFKA_BROKERS"),
		KafkaTopic:       v.GetString("KAFKA_TOPIC"),
		RabbitMQURL:      v.GetString("RABBITMQ_URL"),
		RabbitMQExchange: v.GetString("RABBITMQ_EXCHANGE"),

		OutboxPollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
		OutboxBatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
		OutboxMaxAttempts:  v.GetInt("OUTBOX_MAX_ATTEMPTS"),
		OutboxRetryDelay:   v.GetDuration("OUTBOX_RETRY_DELAY"),

		IdempotencyTTL:              v.GetDuration("IDEMPOTENCY_TTL"),
		IdempotencyCleanupInterval:  v.GetDuration("IDEMPOTENCY_CLEANUP_INTERVAL"),
		IdempotencyCleanupBatchSize: v.GetInt("IDEMPOTENCY_CLEANUP_BATCH_SIZE"),

		JWTSecret:      v.GetString("JWT_SECRET"),
		JWTIssuer:      v.GetString("JWT_ISSUER"),
		AdminToken:     v.GetString("ADMIN_TOKEN"),
		AllowedOrigins: v.GetString("ALLOWED_ORIGINS"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),

		MockProviders:         v.GetString("MOCK_PROVIDERS"),
		SMSActivateURL:        v.GetString("SMSACTIVATE_URL"),
		SMSActivateAPIKey:     v.GetString("SMSACTIVATE_API_KEY"),
		SMSActivateRate:       v.GetFloat64("SMSACTIVATE_RATE"),
		SMSActivateServiceMap: v.GetString("SMSACTIVATE_SERVICE_MAP"),
		SMSActivateCountryMap: v.GetString("SMSACTIVATE_COUNTRY_MAP"),

		AttemptTimeout: v.GetDuration("ATTEMPT_TIMEOUT"),
		StockTimeout:   v.GetDuration("STOCK_TIMEOUT"),
		DynamicPricing: v.GetBool("DYNAMIC_PRICING"),

		ExpirySchedule:      v.GetString("EXPIRY_SCHEDULE"),
		ReservationSchedule: v.GetString("RESERVATION_SCHEDULE"),
		ReservationGrace:    v.GetDuration("RESERVATION_GRACE"),
		HealthSyncInterval:  v.GetDuration("HEALTH_SYNC_INTERVAL"),

		TracingEnabled:     v.GetBool("TRACING_ENABLED"),
		TracingExporter:    v.GetString("TRACING_EXPORTER"),
		TracingEndpoint:    v.GetString("TRACING_ENDPOINT"),
		TracingSampleRatio: v.GetFloat64("TRACING_SAMPLE_RATIO"),
	}

	// Конфигурация возвращается и при ошибке валидации, чтобы вызывающий мог настроить логгер.
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires SMSFLEX_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %q", c.StorageDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("SMSFLEX_JWT_SECRET is required"))
	}
	if c.KafkaBrokers != "" && c.RabbitMQURL != "" {
		errs = append(errs, errors.New("configure either kafka or rabbitmq as the outbox broker, not both"))
	}
	if c.MockProviders == "" && c.SMSActivateAPIKey == "" {
		errs = append(errs, errors.New("at least one provider must be configured"))
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing sample ratio must be within [0,1], got %v", c.TracingSampleRatio))
	}
	return errors.Join(errs...)
}

// splitList разбирает список через запятую, отбрасывая пустые элементы.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseMapping разбирает "tg=tgx,wa=wax" в карту.
func parseMapping(raw string) (map[string]string, error) {
	items := splitList(raw)
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid mapping entry %q, expected key=value", item)
		}
		out[key] = value
	}
	return out, nil
}
