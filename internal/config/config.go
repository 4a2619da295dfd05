package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName         = "GestorGastos"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultSessionTTL      = 12 * time.Hour
	defaultSQLitePath      = "gestorgastos.db"
	defaultAMQPExchange    = "identity.changes"
	defaultAttemptsPerMin  = 5
	devSessionSecret       = "dev-session-secret-change-me"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	sessionTTLEnvVar       = "SESSION_TTL"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Change feed backends.
const (
	FeedMemory = "memory"
	FeedRedis  = "redis"
	FeedAMQP   = "amqp"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LedgerBackend  string
	DatabaseURL    string
	SQLitePath     string
	FeedBackend    string
	RedisURL       string
	AMQPURL        string
	AMQPExchange   string
	SessionSecret  string
	SessionTTL     time.Duration
	AdminPassword  string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	AuthorizeAttemptsPerMinute int
	PinAttemptsPerMinute       int
}

// Load reads an optional .env file, then configuration values from the
// environment, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     getEnv("SQLITE_DB_PATH", defaultSQLitePath),
		RedisURL:       os.Getenv("REDIS_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", defaultAMQPExchange),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		SessionTTL:     defaultSessionTTL,
		AdminPassword:  os.Getenv("ADMIN_PASSWORD"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
	}
	cfg.LedgerBackend = strings.ToLower(getEnv("LEDGER_BACKEND", defaultLedgerBackend(cfg)))
	cfg.FeedBackend = strings.ToLower(getEnv("CHANGEFEED_BACKEND", defaultFeedBackend(cfg)))

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationEnv("", sessionTTLEnvVar, cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.AuthorizeAttemptsPerMinute, err = intEnv("AUTHORIZE_ATTEMPTS_PER_MINUTE", defaultAttemptsPerMin); err != nil {
		return Config{}, err
	}
	if cfg.PinAttemptsPerMinute, err = intEnv("PIN_ATTEMPTS_PER_MINUTE", defaultAttemptsPerMin); err != nil {
		return Config{}, err
	}

	if cfg.SessionSecret == "" && cfg.IsDev() {
		cfg.SessionSecret = devSessionSecret
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case LedgerMemory, LedgerSQLite:
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL must be set when LEDGER_BACKEND=%s", LedgerPostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	switch c.FeedBackend {
	case FeedMemory:
	case FeedRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL must be set when CHANGEFEED_BACKEND=%s", FeedRedis))
		}
	case FeedAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("AMQP_URL must be set when CHANGEFEED_BACKEND=%s", FeedAMQP))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHANGEFEED_BACKEND %q", c.FeedBackend))
	}

	if c.SessionSecret == "" {
		errs = append(errs, errors.New("SESSION_SECRET must be set"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}

	if !c.IsDev() {
		if c.LedgerBackend == LedgerMemory {
			errs = append(errs, fmt.Errorf("LEDGER_BACKEND=%s is not allowed when APP_ENV=%s", LedgerMemory, c.AppEnv))
		}
		if c.FeedBackend == FeedMemory {
			errs = append(errs, fmt.Errorf("CHANGEFEED_BACKEND=%s is not allowed when APP_ENV=%s", FeedMemory, c.AppEnv))
		}
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv))
		}
	}
	return errors.Join(errs...)
}

// IsDev reports whether the app runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func defaultLedgerBackend(c Config) string {
	if c.DatabaseURL != "" {
		return LedgerPostgres
	}
	return LedgerMemory
}

func defaultFeedBackend(c Config) string {
	if c.RedisURL != "" {
		return FeedRedis
	}
	return FeedMemory
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads whole seconds from secondsKey, else a Go duration from durationKey.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
