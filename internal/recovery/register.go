package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"txgate/internal/config"
	"txgate/internal/request"
	"txgate/internal/response"
	"txgate/internal/secret"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validEmail(email string) bool {
	if len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// Register creates an account under the default profile. When verification
// is required a verification pair is mailed before returning.
func (e *Engine) Register(ctx context.Context, meta request.Meta, in RegisterInput) response.Response {
	username := normalizeUsername(in.Username)
	email := normalizeEmail(in.Email)

	var alerts []response.Alert
	switch e.cfg.LoginIdentifier {
	case config.IdentifierUsername:
		if username == "" {
			alerts = append(alerts, response.Alert{Field: "username", Message: "required"})
		}
	default:
		if email == "" {
			alerts = append(alerts, response.Alert{Field: "email", Message: "required"})
		}
	}
	if username != "" && !usernamePattern.MatchString(username) {
		alerts = append(alerts, response.Alert{Field: "username", Message: "must be 3-32 characters of a-z, 0-9, '_', '.', '-'"})
	}
	if email != "" && !validEmail(email) {
		alerts = append(alerts, response.Alert{Field: "email", Message: "invalid email"})
	}
	if msg, ok := e.checkPasswordLength(in.Password); !ok {
		alerts = append(alerts, response.Alert{Field: "password", Message: msg})
	}
	if len(alerts) > 0 {
		return response.InvalidParameters(alerts...)
	}

	if email == "" && e.cfg.RequireEmailVerification {
		return response.EmailRequired()
	}

	exists, err := e.store.IdentityExists(ctx, username, email)
	if err != nil {
		return e.unexpected("register", err)
	}
	if exists {
		return response.AlreadyRegistered()
	}

	hash, err := hashPassword(in.Password, e.cfg.BcryptCost)
	if err != nil {
		return e.unexpected("register", err)
	}
	id, err := newID()
	if err != nil {
		return e.unexpected("register", err)
	}

	now := e.now()
	user := User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !e.cfg.RequireEmailVerification && email != "" {
		// Nothing will ever verify it, so treat the address as trusted.
		user.EmailVerifiedAt = &now
	}

	if err := e.store.CreateUser(ctx, user, e.cfg.DefaultProfileID); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return response.AlreadyRegistered()
		}
		return e.unexpected("register", err)
	}

	e.logger.Info("user_registered", map[string]any{"user_id": user.ID, "ip": meta.IP})

	pending := e.cfg.RequireEmailVerification
	if pending {
		if err := e.issueEmailVerification(ctx, meta, user); err != nil {
			return e.unexpected("register", err)
		}
	}

	return response.Success("registered", map[string]any{
		"user_id":                     user.ID,
		"email_verification_required": pending,
	})
}

// issueEmailVerification retires outstanding verification codes of user,
// stores a fresh pair and mails it.
func (e *Engine) issueEmailVerification(ctx context.Context, meta request.Meta, user User) error {
	now := e.now()
	e.bestEffort("invalidate_codes", map[string]any{"user_id": user.ID, "purpose": string(PurposeEmailVerification)}, func() error {
		_, err := e.store.InvalidateOneTimeCodes(ctx, user.ID, PurposeEmailVerification, now)
		return err
	})

	pair, err := secret.NewPair()
	if err != nil {
		return err
	}
	id, err := newID()
	if err != nil {
		return err
	}

	if err := e.store.CreateOneTimeCode(ctx, OneTimeCode{
		ID:        id,
		UserID:    user.ID,
		Purpose:   PurposeEmailVerification,
		CodeHash:  pair.CodeHash,
		TokenHash: pair.TokenHash,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.EmailVerification.TTL),
		Meta:      meta.Fields(),
	}); err != nil {
		return err
	}

	if err := e.mailer.SendEmailVerification(ctx, user.Email, pair.Token, pair.Code, e.cfg.AppName); err != nil {
		return fmt.Errorf("send email verification: %w", err)
	}
	return nil
}
