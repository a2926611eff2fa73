package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type CleanupResult struct {
	DeletedOneTimeCodes    int64 `json:"deleted_one_time_codes"`
	DeletedPasswordResets  int64 `json:"deleted_password_resets"`
	DeletedLoginChallenges int64 `json:"deleted_login_challenges"`
	DeletedDevices         int64 `json:"deleted_devices"`
	DeletedLoginAttempts   int64 `json:"deleted_login_attempts"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(database *sql.DB) *Repository {
	return &Repository{db: database}
}

type staleQuery struct {
	name  string
	query string
	dest  *int64
}

// Cleanup deletes secrets, devices and login counters that expired or were
// used before now minus retention, at most batchSize rows per table.
func (r *Repository) Cleanup(ctx context.Context, retention time.Duration, batchSize int, now time.Time) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	cutoff := now.UTC().Add(-retention)

	var result CleanupResult
	queries := []staleQuery{
		{"one-time codes", `
			WITH stale AS (
				SELECT id FROM one_time_codes
				WHERE expires_at < $1 OR consumed_at < $1
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM one_time_codes t USING stale WHERE t.id = stale.id
		`, &result.DeletedOneTimeCodes},
		{"password resets", `
			WITH stale AS (
				SELECT id FROM password_resets
				WHERE expires_at < $1 OR used_at < $1
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM password_resets t USING stale WHERE t.id = stale.id
		`, &result.DeletedPasswordResets},
		{"login challenges", `
			WITH stale AS (
				SELECT id FROM login_challenges
				WHERE expires_at < $1 OR verified_at < $1
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM login_challenges t USING stale WHERE t.id = stale.id
		`, &result.DeletedLoginChallenges},
		{"devices", `
			WITH stale AS (
				SELECT id FROM user_devices
				WHERE expires_at < $1 OR revoked_at < $1
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM user_devices t USING stale WHERE t.id = stale.id
		`, &result.DeletedDevices},
		{"login attempts", `
			WITH stale AS (
				SELECT identifier FROM auth_login_attempts
				WHERE updated_at < $1 AND (locked_until IS NULL OR locked_until < $1)
				ORDER BY updated_at ASC
				LIMIT $2
			)
			DELETE FROM auth_login_attempts t USING stale WHERE t.identifier = stale.identifier
		`, &result.DeletedLoginAttempts},
	}

	for _, q := range queries {
		res, err := r.db.ExecContext(ctx, q.query, cutoff, batchSize)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("delete stale %s: %w", q.name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return CleanupResult{}, fmt.Errorf("stale %s rows affected: %w", q.name, err)
		}
		*q.dest = affected
	}

	return result, nil
}
