package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, IdentifierEmail, cfg.LoginIdentifier)
	assert.True(t, cfg.RequireEmailVerification)
	assert.False(t, cfg.TwoStepLogin)
	assert.Equal(t, 10, cfg.BcryptCost)
	assert.Equal(t, 8, cfg.PasswordMinLength)
	assert.Equal(t, 200, cfg.PasswordMaxLength)
	assert.Equal(t, 15*time.Minute, cfg.PasswordReset.TTL)
	assert.Equal(t, 5, cfg.PasswordReset.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.EmailVerification.TTL)
	assert.Equal(t, 10*time.Minute, cfg.LoginChallenge.TTL)
	assert.Equal(t, 30*24*time.Hour, cfg.DeviceTrustTTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LOGIN_IDENTIFIER", "USERNAME")
	t.Setenv("TWO_STEP_LOGIN", "yes")
	t.Setenv("PASSWORD_RESET_MAX_ATTEMPTS", "3")
	t.Setenv("PASSWORD_RESET_TTL_SECONDS", "60")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("BCRYPT_COST", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, IdentifierUsername, cfg.LoginIdentifier)
	assert.True(t, cfg.TwoStepLogin)
	assert.Equal(t, 3, cfg.PasswordReset.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.PasswordReset.TTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 10, cfg.BcryptCost)
}

func TestLoad_RequiresCoreSettings(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_Validates(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/txgate")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("LOGIN_IDENTIFIER", "phone")
	_, err = Load(false)
	require.Error(t, err)

	t.Setenv("LOGIN_IDENTIFIER", "email")
	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/txgate", cfg.DatabaseURL)
}

func TestEnvBoolOrDefault(t *testing.T) {
	t.Setenv("FLAG", "off")
	assert.False(t, EnvBoolOrDefault("FLAG", true))
	t.Setenv("FLAG", "maybe")
	assert.True(t, EnvBoolOrDefault("FLAG", true))
}
