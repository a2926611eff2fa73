package recovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"txgate/internal/config"
	"txgate/internal/request"
	"txgate/internal/response"
)

type IdentifierInput struct {
	Identifier string `json:"identifier"`
}

type SecretInput struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// lookupUser resolves an email or a username. Anything containing '@' is
// treated as an email.
func (e *Engine) lookupUser(ctx context.Context, identifier string) (User, error) {
	if strings.Contains(identifier, "@") {
		return e.store.GetUserByEmail(ctx, normalizeEmail(identifier))
	}
	return e.store.GetUserByUsername(ctx, normalizeUsername(identifier))
}

// loginUser resolves identifier under the configured login mode only.
func (e *Engine) loginUser(ctx context.Context, identifier string) (User, error) {
	if e.cfg.LoginIdentifier == config.IdentifierUsername {
		return e.store.GetUserByUsername(ctx, normalizeUsername(identifier))
	}
	return e.store.GetUserByEmail(ctx, normalizeEmail(identifier))
}

// RequestEmailVerification answers identically whether or not the account
// exists or still needs verification.
func (e *Engine) RequestEmailVerification(ctx context.Context, meta request.Meta, in IdentifierInput) response.Response {
	generic := response.Success("verification_requested", nil)

	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" {
		return response.InvalidParameters(response.Alert{Field: "identifier", Message: "required"})
	}

	user, err := e.lookupUser(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return generic
		}
		return e.unexpected("request_email_verification", err)
	}
	if !user.Active || user.Email == "" || user.Verified() {
		return generic
	}

	if err := e.issueEmailVerification(ctx, meta, user); err != nil {
		return e.unexpected("request_email_verification", err)
	}
	return generic
}

func (e *Engine) VerifyEmail(ctx context.Context, meta request.Meta, in SecretInput) response.Response {
	if alerts := secretAlerts(in); len(alerts) > 0 {
		return response.InvalidParameters(alerts...)
	}

	rec, result, err := e.validateSecret(ctx, KindEmailVerification, in.Token, in.Code, e.cfg.EmailVerification)
	if err != nil {
		return e.unexpected("verify_email", err)
	}
	if result != outcomeValid {
		return rejection(result)
	}

	if res, ok := e.consumeSecret("verify_email", func(at time.Time) (bool, error) {
		return e.store.ConsumeAndVerifyEmail(ctx, rec, at)
	}); !ok {
		return res
	}

	e.logger.Info("email_verified", map[string]any{"user_id": rec.UserID, "ip": meta.IP})
	return response.Success("email_verified", nil)
}

func secretAlerts(in SecretInput) []response.Alert {
	var alerts []response.Alert
	if strings.TrimSpace(in.Token) == "" {
		alerts = append(alerts, response.Alert{Field: "token", Message: "required"})
	}
	if strings.TrimSpace(in.Code) == "" {
		alerts = append(alerts, response.Alert{Field: "code", Message: "required"})
	}
	return alerts
}
