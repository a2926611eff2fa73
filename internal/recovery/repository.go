package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"txgate/internal/db"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(database *sql.DB) *Repository {
	return &Repository{db: database}
}

const userColumns = `id, COALESCE(username, ''), COALESCE(email, ''), password_hash,
	email_verified_at, is_active, created_at, updated_at, last_login_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	var verifiedAt, lastLoginAt sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&verifiedAt, &user.Active, &user.CreatedAt, &user.UpdatedAt, &lastLoginAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	user.EmailVerifiedAt = timePtr(verifiedAt)
	user.LastLoginAt = timePtr(lastLoginAt)
	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (r *Repository) IdentityExists(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users
			WHERE ($1 <> '' AND username = $1) OR ($2 <> '' AND email = $2)
		)
	`, username, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return exists, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User, profileID int) error {
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, email, password_hash, email_verified_at, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, user.ID, nullString(user.Username), nullString(user.Email), user.PasswordHash,
			nullTime(user.EmailVerifiedAt), user.Active, user.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_profiles (user_id, profile_id, created_at)
			VALUES ($1, $2, $3)
		`, user.ID, profileID, user.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert user profile: %w", err)
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *Repository) GetUserProfile(ctx context.Context, userID string) (int, error) {
	var profileID int
	err := r.db.QueryRowContext(ctx, `SELECT profile_id FROM user_profiles WHERE user_id = $1`, userID).Scan(&profileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query user profile: %w", err)
	}
	return profileID, nil
}

func (r *Repository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func (r *Repository) CreateOneTimeCode(ctx context.Context, code OneTimeCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO one_time_codes (id, user_id, purpose, code_hash, token_hash, created_at, expires_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, code.ID, code.UserID, string(code.Purpose), code.CodeHash, code.TokenHash,
		code.CreatedAt.UTC(), code.ExpiresAt.UTC(), encodeMeta(code.Meta))
	if err != nil {
		return fmt.Errorf("insert one-time code: %w", err)
	}
	return nil
}

func (r *Repository) InvalidateOneTimeCodes(ctx context.Context, userID string, purpose Purpose, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE one_time_codes
		SET consumed_at = $3
		WHERE user_id = $1 AND purpose = $2 AND consumed_at IS NULL
	`, userID, string(purpose), at.UTC())
	if err != nil {
		return 0, fmt.Errorf("invalidate one-time codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repository) CreatePasswordReset(ctx context.Context, reset PasswordReset) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO password_resets (id, user_id, token_hash, sent_to, created_at, expires_at, request_meta, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, reset.ID, reset.UserID, reset.TokenHash, reset.SentTo, reset.CreatedAt.UTC(), reset.ExpiresAt.UTC(),
		encodeMeta(reset.RequestMeta), encodeMeta(reset.Meta))
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

func (r *Repository) InvalidatePasswordResets(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE password_resets
		SET used_at = $2
		WHERE user_id = $1 AND used_at IS NULL
	`, userID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("invalidate password resets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repository) CreateLoginChallenge(ctx context.Context, challenge LoginChallenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_challenges (id, user_id, token_hash, code_hash, created_at, expires_at, request_meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, challenge.ID, challenge.UserID, challenge.TokenHash, challenge.CodeHash,
		challenge.CreatedAt.UTC(), challenge.ExpiresAt.UTC(), encodeMeta(challenge.RequestMeta))
	if err != nil {
		return fmt.Errorf("insert login challenge: %w", err)
	}
	return nil
}

func (r *Repository) FindSecret(ctx context.Context, kind Kind, tokenHash string) (SecretRecord, error) {
	rec := SecretRecord{Kind: kind}
	var consumedAt sql.NullTime

	var row *sql.Row
	switch kind {
	case KindEmailVerification:
		row = r.db.QueryRowContext(ctx, `
			SELECT id, '', user_id, token_hash, code_hash, expires_at, consumed_at, attempt_count
			FROM one_time_codes
			WHERE token_hash = $1 AND purpose = $2
			ORDER BY created_at DESC
			LIMIT 1
		`, tokenHash, string(PurposeEmailVerification))
	case KindPasswordReset:
		row = r.db.QueryRowContext(ctx, `
			SELECT pr.id, COALESCE(otc.id::text, ''), pr.user_id, pr.token_hash, COALESCE(otc.code_hash, ''),
				pr.expires_at, pr.used_at, GREATEST(pr.attempt_count, COALESCE(otc.attempt_count, 0))
			FROM password_resets pr
			LEFT JOIN LATERAL (
				SELECT id, code_hash, attempt_count
				FROM one_time_codes
				WHERE user_id = pr.user_id AND purpose = $2 AND token_hash = pr.token_hash AND consumed_at IS NULL
				ORDER BY created_at DESC
				LIMIT 1
			) otc ON TRUE
			WHERE pr.token_hash = $1
		`, tokenHash, string(PurposePasswordReset))
	case KindLoginChallenge:
		row = r.db.QueryRowContext(ctx, `
			SELECT id, '', user_id, token_hash, code_hash, expires_at, verified_at, attempt_count
			FROM login_challenges
			WHERE token_hash = $1
		`, tokenHash)
	default:
		return SecretRecord{}, fmt.Errorf("unknown secret kind %q", kind)
	}

	err := row.Scan(&rec.ID, &rec.CodeID, &rec.UserID, &rec.TokenHash, &rec.CodeHash,
		&rec.ExpiresAt, &consumedAt, &rec.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SecretRecord{}, ErrNotFound
		}
		return SecretRecord{}, fmt.Errorf("query %s: %w", kind, err)
	}
	rec.ConsumedAt = timePtr(consumedAt)
	return rec, nil
}

func (r *Repository) IncrementSecretAttempts(ctx context.Context, rec SecretRecord) error {
	switch rec.Kind {
	case KindEmailVerification:
		return r.exec(ctx, "increment code attempts",
			`UPDATE one_time_codes SET attempt_count = attempt_count + 1 WHERE id = $1`, rec.ID)
	case KindPasswordReset:
		if err := r.exec(ctx, "increment reset attempts",
			`UPDATE password_resets SET attempt_count = attempt_count + 1 WHERE id = $1`, rec.ID); err != nil {
			return err
		}
		if rec.CodeID == "" {
			return nil
		}
		return r.exec(ctx, "increment code attempts",
			`UPDATE one_time_codes SET attempt_count = attempt_count + 1 WHERE id = $1`, rec.CodeID)
	case KindLoginChallenge:
		return r.exec(ctx, "increment challenge attempts",
			`UPDATE login_challenges SET attempt_count = attempt_count + 1 WHERE id = $1`, rec.ID)
	default:
		return fmt.Errorf("unknown secret kind %q", rec.Kind)
	}
}

func (r *Repository) ConsumeSecret(ctx context.Context, rec SecretRecord, at time.Time) (bool, error) {
	return r.consumeThen(ctx, rec, at, nil)
}

func (r *Repository) ConsumeAndVerifyEmail(ctx context.Context, rec SecretRecord, at time.Time) (bool, error) {
	return r.consumeThen(ctx, rec, at, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET email_verified_at = COALESCE(email_verified_at, $2), updated_at = $2
			WHERE id = $1
		`, rec.UserID, at.UTC()); err != nil {
			return fmt.Errorf("mark email verified: %w", err)
		}
		return nil
	})
}

func (r *Repository) ConsumeAndResetPassword(ctx context.Context, rec SecretRecord, passwordHash string, at time.Time) (bool, error) {
	return r.consumeThen(ctx, rec, at, func(ctx context.Context, tx db.DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users
			SET password_hash = $2, updated_at = $3
			WHERE id = $1
		`, rec.UserID, passwordHash, at.UTC())
		if err != nil {
			return fmt.Errorf("update password hash: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// consumeThen consumes rec and runs apply in the same transaction. apply is
// skipped when another caller consumed rec first.
func (r *Repository) consumeThen(ctx context.Context, rec SecretRecord, at time.Time, apply func(ctx context.Context, tx db.DBTX) error) (bool, error) {
	var won bool
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		ok, err := r.consumeRecord(ctx, tx, rec, at)
		if err != nil || !ok {
			return err
		}
		if apply != nil {
			if err := apply(ctx, tx); err != nil {
				return err
			}
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (r *Repository) consumeRecord(ctx context.Context, tx db.DBTX, rec SecretRecord, at time.Time) (bool, error) {
	switch rec.Kind {
	case KindEmailVerification:
		return r.consume(ctx, tx, `UPDATE one_time_codes SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, rec.ID, at)
	case KindLoginChallenge:
		return r.consume(ctx, tx, `UPDATE login_challenges SET verified_at = $2 WHERE id = $1 AND verified_at IS NULL`, rec.ID, at)
	case KindPasswordReset:
		ok, err := r.consume(ctx, tx, `UPDATE password_resets SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, rec.ID, at)
		if err != nil || !ok {
			return false, err
		}
		if rec.CodeID != "" {
			if _, err := r.consume(ctx, tx, `UPDATE one_time_codes SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, rec.CodeID, at); err != nil {
				return false, err
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown secret kind %q", rec.Kind)
	}
}

func (r *Repository) consume(ctx context.Context, q db.DBTX, query, id string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("consume secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume secret rows: %w", err)
	}
	return n == 1, nil
}

func (r *Repository) FindDevice(ctx context.Context, userID, tokenHash string) (UserDevice, error) {
	var device UserDevice
	var lastUsedAt, revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, label, created_at, last_used_at, expires_at, revoked_at
		FROM user_devices
		WHERE user_id = $1 AND token_hash = $2
	`, userID, tokenHash).Scan(&device.ID, &device.UserID, &device.TokenHash, &device.Label,
		&device.CreatedAt, &lastUsedAt, &device.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserDevice{}, ErrNotFound
		}
		return UserDevice{}, fmt.Errorf("query device: %w", err)
	}
	device.LastUsedAt = timePtr(lastUsedAt)
	device.RevokedAt = timePtr(revokedAt)
	return device, nil
}

func (r *Repository) CreateDevice(ctx context.Context, device UserDevice) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_devices (id, user_id, token_hash, label, meta, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, device.ID, device.UserID, device.TokenHash, device.Label, encodeMeta(device.Meta),
		device.CreatedAt.UTC(), device.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (r *Repository) TouchDevice(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "touch device", `UPDATE user_devices SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
}

func (r *Repository) GetLoginAttempt(ctx context.Context, identifier string) (LoginAttempt, error) {
	attempt := LoginAttempt{Identifier: identifier}

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE identifier = $1
	`, identifier).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	attempt.LockedUntil = timePtr(lockedUntil)
	return attempt, nil
}

// RegisterFailedAttempt bumps the counter under a row lock and returns the
// lock deadline once maxAttempts is reached.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, identifier string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	var result *time.Time
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		var failed int
		var lockedUntil sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT failed_attempts, locked_until
			FROM auth_login_attempts
			WHERE identifier = $1
			FOR UPDATE
		`, identifier).Scan(&failed, &lockedUntil)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock login attempt row: %w", err)
		}

		if lockedUntil.Valid && now.Before(lockedUntil.Time) {
			until := lockedUntil.Time.UTC()
			result = &until
			return nil
		}

		failed++
		var nextLock any
		if failed >= maxAttempts {
			until := now.UTC().Add(lockDuration)
			result = &until
			nextLock = until
			failed = 0
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_login_attempts (identifier, failed_attempts, locked_until, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (identifier)
			DO UPDATE SET
				failed_attempts = EXCLUDED.failed_attempts,
				locked_until = EXCLUDED.locked_until,
				updated_at = EXCLUDED.updated_at
		`, identifier, failed, nextLock, now.UTC()); err != nil {
			return fmt.Errorf("upsert failed login attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, identifier string) error {
	return r.exec(ctx, "reset login attempts", `DELETE FROM auth_login_attempts WHERE identifier = $1`, identifier)
}

func (r *Repository) exec(ctx context.Context, action, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func encodeMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
