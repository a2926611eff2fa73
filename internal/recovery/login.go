package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"txgate/internal/request"
	"txgate/internal/response"
	"txgate/internal/secret"
)

type LoginInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login checks credentials and either establishes a session or, with
// two-step login on an untrusted device, mails a login challenge.
func (e *Engine) Login(ctx context.Context, meta request.Meta, in LoginInput) response.Response {
	identifier := strings.ToLower(strings.TrimSpace(in.Identifier))

	var alerts []response.Alert
	if identifier == "" {
		alerts = append(alerts, response.Alert{Field: "identifier", Message: "required"})
	}
	if in.Password == "" {
		alerts = append(alerts, response.Alert{Field: "password", Message: "required"})
	}
	if len(alerts) > 0 {
		return response.InvalidParameters(alerts...)
	}

	now := e.now()
	attempt, err := e.store.GetLoginAttempt(ctx, identifier)
	if err != nil {
		return e.unexpected("login", err)
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return lockedResponse(*attempt.LockedUntil, now)
	}

	user, err := e.loginUser(ctx, identifier)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return e.unexpected("login", err)
		}
		passwordMatches(e.dummyHash, in.Password)
		return e.failLogin(ctx, identifier, meta, now)
	}
	if !passwordMatches(user.PasswordHash, in.Password) || !user.Active {
		return e.failLogin(ctx, identifier, meta, now)
	}

	e.bestEffort("reset_login_attempts", map[string]any{"user_id": user.ID}, func() error {
		return e.store.ResetLoginAttempt(ctx, identifier)
	})

	if e.cfg.RequireEmailVerification && !user.Verified() {
		return response.EmailNotVerified()
	}

	if e.cfg.TwoStepLogin && !e.deviceTrusted(ctx, user.ID, meta.DeviceToken) {
		if user.Email == "" {
			return response.EmailRequired()
		}
		challengeToken, err := e.issueLoginChallenge(ctx, meta, user)
		if err != nil {
			return e.unexpected("login", err)
		}
		return response.VerificationRequired(map[string]any{"challenge_token": challengeToken})
	}

	return e.startSession(ctx, meta, user, "")
}

func (e *Engine) failLogin(ctx context.Context, identifier string, meta request.Meta, now time.Time) response.Response {
	lockedUntil, err := e.store.RegisterFailedAttempt(ctx, identifier, e.cfg.LoginMaxAttempts, e.cfg.LoginLockWindow, now)
	if err != nil {
		return e.unexpected("login", err)
	}
	e.logger.Warn("login_failed", map[string]any{"ip": meta.IP, "locked": lockedUntil != nil})
	if lockedUntil != nil {
		return lockedResponse(*lockedUntil, now)
	}
	return response.InvalidCredentials()
}

func lockedResponse(until, now time.Time) response.Response {
	res := response.TooManyRequests()
	res.Data = map[string]any{"retry_after": int(math.Ceil(until.Sub(now).Seconds()))}
	return res
}

// deviceTrusted reports whether token names a live trusted device of user.
// Lookup failures count as untrusted.
func (e *Engine) deviceTrusted(ctx context.Context, userID, token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}

	device, err := e.store.FindDevice(ctx, userID, secret.Hash(token))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Warn("device_lookup_failed", map[string]any{"user_id": userID, "error": err})
		}
		return false
	}
	now := e.now()
	if device.RevokedAt != nil || !now.Before(device.ExpiresAt) {
		return false
	}

	e.bestEffort("touch_device", map[string]any{"device_id": device.ID}, func() error {
		return e.store.TouchDevice(ctx, device.ID, now)
	})
	return true
}

func (e *Engine) issueLoginChallenge(ctx context.Context, meta request.Meta, user User) (string, error) {
	pair, err := secret.NewPair()
	if err != nil {
		return "", err
	}
	id, err := newID()
	if err != nil {
		return "", err
	}

	now := e.now()
	if err := e.store.CreateLoginChallenge(ctx, LoginChallenge{
		ID:          id,
		UserID:      user.ID,
		TokenHash:   pair.TokenHash,
		CodeHash:    pair.CodeHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.LoginChallenge.TTL),
		RequestMeta: meta.Fields(),
	}); err != nil {
		return "", err
	}

	if err := e.mailer.SendLoginChallenge(ctx, user.Email, pair.Token, pair.Code, e.cfg.AppName); err != nil {
		return "", fmt.Errorf("send login challenge: %w", err)
	}
	e.logger.Info("login_challenge_issued", map[string]any{"user_id": user.ID, "ip": meta.IP})
	return pair.Token, nil
}

// VerifyLoginChallenge consumes a challenge, establishes the session and
// remembers the device.
func (e *Engine) VerifyLoginChallenge(ctx context.Context, meta request.Meta, in SecretInput) response.Response {
	if alerts := secretAlerts(in); len(alerts) > 0 {
		return response.InvalidParameters(alerts...)
	}

	rec, result, err := e.validateSecret(ctx, KindLoginChallenge, in.Token, in.Code, e.cfg.LoginChallenge)
	if err != nil {
		return e.unexpected("verify_login_challenge", err)
	}
	if result != outcomeValid {
		return rejection(result)
	}
	if res, ok := e.consumeSecret("verify_login_challenge", func(at time.Time) (bool, error) {
		return e.store.ConsumeSecret(ctx, rec, at)
	}); !ok {
		return res
	}

	user, err := e.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return response.InvalidCredentials()
		}
		return e.unexpected("verify_login_challenge", err)
	}
	if !user.Active {
		return response.InvalidCredentials()
	}

	deviceToken := e.rememberDevice(ctx, meta, user.ID)
	return e.startSession(ctx, meta, user, deviceToken)
}

// rememberDevice stores a new trusted device and returns its raw token, or
// "" when it could not be stored.
func (e *Engine) rememberDevice(ctx context.Context, meta request.Meta, userID string) string {
	token, err := secret.NewToken()
	if err != nil {
		e.logger.Warn("device_token_failed", map[string]any{"user_id": userID, "error": err})
		return ""
	}
	id, err := newID()
	if err != nil {
		e.logger.Warn("device_token_failed", map[string]any{"user_id": userID, "error": err})
		return ""
	}

	now := e.now()
	fields := meta.Fields()
	stored := e.bestEffort("create_device", map[string]any{"user_id": userID}, func() error {
		return e.store.CreateDevice(ctx, UserDevice{
			ID:        id,
			UserID:    userID,
			TokenHash: secret.Hash(token),
			Label:     fields["user_agent"],
			Meta:      fields,
			CreatedAt: now,
			ExpiresAt: now.Add(e.cfg.DeviceTrustTTL),
		})
	})
	if !stored {
		return ""
	}
	return token
}

func (e *Engine) startSession(ctx context.Context, meta request.Meta, user User, deviceToken string) response.Response {
	profileID, err := e.store.GetUserProfile(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return e.unexpected("login", err)
		}
		e.logger.Warn("user_profile_missing", map[string]any{"user_id": user.ID})
		profileID = e.cfg.DefaultProfileID
	}

	token, err := e.sessions.Establish(ctx, user.ID, profileID, meta)
	if err != nil {
		return e.unexpected("login", err)
	}

	now := e.now()
	e.bestEffort("update_last_login", map[string]any{"user_id": user.ID}, func() error {
		return e.store.UpdateLastLogin(ctx, user.ID, now)
	})
	e.logger.Info("login_succeeded", map[string]any{"user_id": user.ID, "ip": meta.IP})

	res := response.Success("logged_in", token)
	if deviceToken != "" {
		res.Cookies = append(res.Cookies, e.deviceCookie(deviceToken))
	}
	return res
}

// Logout revokes the caller's session.
func (e *Engine) Logout(ctx context.Context, meta request.Meta) response.Response {
	if !meta.Authenticated() {
		return response.Unauthorized()
	}
	if err := e.sessions.Revoke(ctx, meta.SessionID); err != nil {
		return e.unexpected("logout", err)
	}
	e.logger.Info("logout", map[string]any{"user_id": meta.UserID})
	return response.Success("logged_out", nil)
}

type Profile struct {
	ID            string     `json:"id"`
	Username      string     `json:"username,omitempty"`
	Email         string     `json:"email,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	ProfileID     int        `json:"profile_id"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// Me returns the caller's account summary.
func (e *Engine) Me(ctx context.Context, meta request.Meta) response.Response {
	if !meta.Authenticated() {
		return response.Unauthorized()
	}
	user, err := e.store.GetUserByID(ctx, meta.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return response.Unauthorized()
		}
		return e.unexpected("me", err)
	}
	return response.Success("", Profile{
		ID:            user.ID,
		Username:      user.Username,
		Email:         user.Email,
		EmailVerified: user.Verified(),
		ProfileID:     meta.ProfileID,
		CreatedAt:     user.CreatedAt,
		LastLoginAt:   user.LastLoginAt,
	})
}
