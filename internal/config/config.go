// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	IdentifierEmail    = "email"
	IdentifierUsername = "username"
)

// Flow holds the lifetime and attempt cap of one secret purpose.
type Flow struct {
	TTL         time.Duration
	MaxAttempts int
}

type Config struct {
	AppName     string
	Environment string
	Port        string

	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	SentryDSN   string
	CronSecret  string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	RegistrySeedFile string
	CORSOrigins      []string

	LoginIdentifier          string
	RequireEmailVerification bool
	TwoStepLogin             bool
	DeviceTrustTTL           time.Duration
	SessionTTL               time.Duration
	BcryptCost               int
	PasswordMinLength        int
	PasswordMaxLength        int
	PublicProfileID          int
	DefaultProfileID         int

	EmailVerification Flow
	PasswordReset     Flow
	LoginChallenge    Flow

	LoginMaxAttempts int
	LoginLockWindow  time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	CleanupRetention time.Duration
	CleanupBatchSize int

	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
}

// Load reads .env (when loadDotEnv is set) and the process environment.
// Only DATABASE_URL, REDIS_URL and JWT_SECRET are mandatory.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	redisURL, err := mustEnv("REDIS_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	cfg := FromEnv()
	cfg.DatabaseURL = databaseURL
	cfg.RedisURL = redisURL
	cfg.JWTSecret = jwtSecret

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv applies defaults for every optional setting.
func FromEnv() Config {
	return Config{
		AppName:     envOrDefault("APP_NAME", "txgate"),
		Environment: envOrDefault("APP_ENV", "development"),
		Port:        envOrDefault("PORT", "8080"),

		SentryDSN:  os.Getenv("SENTRY_DSN"),
		CronSecret: strings.TrimSpace(os.Getenv("CRON_SECRET")),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),

		RegistrySeedFile: strings.TrimSpace(os.Getenv("REGISTRY_SEED_FILE")),
		CORSOrigins:      envListOrDefault("CORS_ORIGINS", nil),

		LoginIdentifier:          strings.ToLower(envOrDefault("LOGIN_IDENTIFIER", IdentifierEmail)),
		RequireEmailVerification: EnvBoolOrDefault("REQUIRE_EMAIL_VERIFICATION", true),
		TwoStepLogin:             EnvBoolOrDefault("TWO_STEP_LOGIN", false),
		DeviceTrustTTL:           envDaysOrDefault("DEVICE_TRUST_DAYS", 30),
		SessionTTL:               envHoursOrDefault("SESSION_TTL_HOURS", 168),
		BcryptCost:               envIntOrDefault("BCRYPT_COST", 10),
		PasswordMinLength:        envIntOrDefault("PASSWORD_MIN_LENGTH", 8),
		PasswordMaxLength:        envIntOrDefault("PASSWORD_MAX_LENGTH", 200),
		PublicProfileID:          envIntOrDefault("PUBLIC_PROFILE_ID", 1),
		DefaultProfileID:         envIntOrDefault("DEFAULT_PROFILE_ID", 2),

		EmailVerification: Flow{
			TTL:         envSecondsOrDefault("VERIFY_EMAIL_TTL_SECONDS", 86400),
			MaxAttempts: envIntOrDefault("VERIFY_EMAIL_MAX_ATTEMPTS", 5),
		},
		PasswordReset: Flow{
			TTL:         envSecondsOrDefault("PASSWORD_RESET_TTL_SECONDS", 900),
			MaxAttempts: envIntOrDefault("PASSWORD_RESET_MAX_ATTEMPTS", 5),
		},
		LoginChallenge: Flow{
			TTL:         envSecondsOrDefault("LOGIN_CHALLENGE_TTL_SECONDS", 600),
			MaxAttempts: envIntOrDefault("LOGIN_CHALLENGE_MAX_ATTEMPTS", 5),
		},

		LoginMaxAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockWindow:  envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),

		RateLimitMax:    envIntOrDefault("TX_RATE_LIMIT_MAX", 60),
		RateLimitWindow: envSecondsOrDefault("TX_RATE_LIMIT_WINDOW_SECONDS", 60),

		CleanupRetention: envDaysOrDefault("AUTH_CLEANUP_RETENTION_DAYS", 14),
		CleanupBatchSize: envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),

		SMTPAddr:     strings.TrimSpace(os.Getenv("SMTP_ADDR")),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		MailFrom:     envOrDefault("MAIL_FROM", "no-reply@localhost"),
	}
}

func (c Config) Validate() error {
	if c.LoginIdentifier != IdentifierEmail && c.LoginIdentifier != IdentifierUsername {
		return fmt.Errorf("LOGIN_IDENTIFIER must be %q or %q", IdentifierEmail, IdentifierUsername)
	}
	if c.PasswordMinLength > c.PasswordMaxLength {
		return fmt.Errorf("PASSWORD_MIN_LENGTH exceeds PASSWORD_MAX_LENGTH")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
