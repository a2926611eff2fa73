// Package recovery implements registration, email verification, password
// reset and login with optional two-step device confirmation.
//
// Every flow returns a response.Response. Unexpected failures are logged and
// surface as UnknownError; secondary writes that must not fail the flow go
// through bestEffort.
package recovery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"txgate/internal/config"
	"txgate/internal/mail"
	"txgate/internal/observability"
	"txgate/internal/request"
	"txgate/internal/response"
	"txgate/internal/session"
)

const DeviceCookieName = "device_token"

// Sessions is the part of the session manager the flows use.
type Sessions interface {
	Establish(ctx context.Context, userID string, profileID int, meta request.Meta) (session.Token, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllForUser(ctx context.Context, userID, except string) (int, error)
}

type Config struct {
	AppName                  string
	LoginIdentifier          string
	RequireEmailVerification bool
	TwoStepLogin             bool
	DeviceTrustTTL           time.Duration
	BcryptCost               int
	PasswordMinLength        int
	PasswordMaxLength        int
	DefaultProfileID         int
	EmailVerification        config.Flow
	PasswordReset            config.Flow
	LoginChallenge           config.Flow
	LoginMaxAttempts         int
	LoginLockWindow          time.Duration
	SecureCookies            bool
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		AppName:                  cfg.AppName,
		LoginIdentifier:          cfg.LoginIdentifier,
		RequireEmailVerification: cfg.RequireEmailVerification,
		TwoStepLogin:             cfg.TwoStepLogin,
		DeviceTrustTTL:           cfg.DeviceTrustTTL,
		BcryptCost:               cfg.BcryptCost,
		PasswordMinLength:        cfg.PasswordMinLength,
		PasswordMaxLength:        cfg.PasswordMaxLength,
		DefaultProfileID:         cfg.DefaultProfileID,
		EmailVerification:        cfg.EmailVerification,
		PasswordReset:            cfg.PasswordReset,
		LoginChallenge:           cfg.LoginChallenge,
		LoginMaxAttempts:         cfg.LoginMaxAttempts,
		LoginLockWindow:          cfg.LoginLockWindow,
		SecureCookies:            cfg.Environment != "development",
	}
}

type Engine struct {
	store    Store
	mailer   mail.Sender
	sessions Sessions
	logger   *observability.Logger
	cfg      Config
	now      func() time.Time

	// dummyHash is compared against when a login identifier is unknown so
	// both paths cost one bcrypt comparison.
	dummyHash string
}

func NewEngine(store Store, mailer mail.Sender, sessions Sessions, logger *observability.Logger, cfg Config) *Engine {
	dummy, err := hashPassword("txgate-unknown-identifier", cfg.BcryptCost)
	if err != nil {
		logger.Warn("dummy_hash_failed", map[string]any{"error": err.Error()})
	}
	return &Engine{
		store:     store,
		mailer:    mailer,
		sessions:  sessions,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		dummyHash: dummy,
	}
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return id.String(), nil
}

// unexpected logs err and converts it to the generic failure envelope.
func (e *Engine) unexpected(flow string, err error) response.Response {
	e.logger.Error("flow_failed", map[string]any{"flow": flow, "error": err})
	observability.CaptureError(err, map[string]string{"flow": flow})
	return response.UnknownError()
}

// bestEffort runs fn and only logs a failure. It reports whether fn succeeded.
func (e *Engine) bestEffort(action string, fields map[string]any, fn func() error) bool {
	if err := fn(); err != nil {
		logged := map[string]any{"action": action, "error": err}
		for k, v := range fields {
			logged[k] = v
		}
		e.logger.Warn("best_effort_failed", logged)
		return false
	}
	return true
}

func (e *Engine) deviceCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     DeviceCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(e.cfg.DeviceTrustTTL.Seconds()),
		HttpOnly: true,
		Secure:   e.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}
