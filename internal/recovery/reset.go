package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"txgate/internal/request"
	"txgate/internal/response"
	"txgate/internal/secret"
)

type ResetPasswordInput struct {
	Token    string `json:"token"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

// RequestPasswordReset answers identically for unknown, unqualified and
// qualified identifiers. Only the last kind triggers a mail.
func (e *Engine) RequestPasswordReset(ctx context.Context, meta request.Meta, in IdentifierInput) response.Response {
	generic := response.Success("password_reset_requested", nil)

	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" {
		return response.InvalidParameters(response.Alert{Field: "identifier", Message: "required"})
	}

	user, err := e.lookupUser(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return generic
		}
		return e.unexpected("request_password_reset", err)
	}
	if !user.Active || user.Email == "" {
		return generic
	}

	if err := e.issuePasswordReset(ctx, meta, user); err != nil {
		return e.unexpected("request_password_reset", err)
	}
	return generic
}

func (e *Engine) issuePasswordReset(ctx context.Context, meta request.Meta, user User) error {
	now := e.now()
	fields := map[string]any{"user_id": user.ID}
	e.bestEffort("invalidate_password_resets", fields, func() error {
		_, err := e.store.InvalidatePasswordResets(ctx, user.ID, now)
		return err
	})
	e.bestEffort("invalidate_codes", fields, func() error {
		_, err := e.store.InvalidateOneTimeCodes(ctx, user.ID, PurposePasswordReset, now)
		return err
	})

	pair, err := secret.NewPair()
	if err != nil {
		return err
	}
	resetID, err := newID()
	if err != nil {
		return err
	}
	codeID, err := newID()
	if err != nil {
		return err
	}
	expiresAt := now.Add(e.cfg.PasswordReset.TTL)

	if err := e.store.CreatePasswordReset(ctx, PasswordReset{
		ID:          resetID,
		UserID:      user.ID,
		TokenHash:   pair.TokenHash,
		SentTo:      user.Email,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		RequestMeta: meta.Fields(),
	}); err != nil {
		return err
	}
	if err := e.store.CreateOneTimeCode(ctx, OneTimeCode{
		ID:        codeID,
		UserID:    user.ID,
		Purpose:   PurposePasswordReset,
		CodeHash:  pair.CodeHash,
		TokenHash: pair.TokenHash,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Meta:      meta.Fields(),
	}); err != nil {
		return err
	}

	if err := e.mailer.SendPasswordReset(ctx, user.Email, pair.Token, pair.Code, e.cfg.AppName); err != nil {
		return fmt.Errorf("send password reset: %w", err)
	}
	e.logger.Info("password_reset_issued", map[string]any{"user_id": user.ID, "ip": meta.IP})
	return nil
}

// VerifyPasswordReset checks a pair without consuming it.
func (e *Engine) VerifyPasswordReset(ctx context.Context, _ request.Meta, in SecretInput) response.Response {
	if alerts := secretAlerts(in); len(alerts) > 0 {
		return response.InvalidParameters(alerts...)
	}

	_, result, err := e.validateSecret(ctx, KindPasswordReset, in.Token, in.Code, e.cfg.PasswordReset)
	if err != nil {
		return e.unexpected("verify_password_reset", err)
	}
	if result != outcomeValid {
		return rejection(result)
	}
	return response.Success("password_reset_valid", nil)
}

// ResetPassword replaces the password hash while consuming the pair, then
// revokes the user's other sessions.
func (e *Engine) ResetPassword(ctx context.Context, meta request.Meta, in ResetPasswordInput) response.Response {
	alerts := secretAlerts(SecretInput{Token: in.Token, Code: in.Code})
	if msg, ok := e.checkPasswordLength(in.Password); !ok {
		alerts = append(alerts, response.Alert{Field: "password", Message: msg})
	}
	if len(alerts) > 0 {
		return response.InvalidParameters(alerts...)
	}

	rec, result, err := e.validateSecret(ctx, KindPasswordReset, in.Token, in.Code, e.cfg.PasswordReset)
	if err != nil {
		return e.unexpected("reset_password", err)
	}
	if result != outcomeValid {
		return rejection(result)
	}

	hash, err := hashPassword(in.Password, e.cfg.BcryptCost)
	if err != nil {
		return e.unexpected("reset_password", err)
	}

	if res, ok := e.consumeSecret("reset_password", func(at time.Time) (bool, error) {
		return e.store.ConsumeAndResetPassword(ctx, rec, hash, at)
	}); !ok {
		return res
	}

	keep := ""
	if meta.UserID == rec.UserID {
		keep = meta.SessionID
	}
	e.bestEffort("revoke_sessions", map[string]any{"user_id": rec.UserID}, func() error {
		_, err := e.sessions.RevokeAllForUser(ctx, rec.UserID, keep)
		return err
	})

	e.logger.Info("password_reset_completed", map[string]any{"user_id": rec.UserID, "ip": meta.IP})
	return response.Success("password_reset", nil)
}
