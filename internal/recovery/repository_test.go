package recovery

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewRepository(database), mock
}

func TestRepository_CreateUserDuplicate(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CreateUser(context.Background(), User{ID: "u1", Email: "a@x.com", PasswordHash: "h", Active: true, CreatedAt: now}, 2)
	require.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreateUserWithProfile(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", sql.NullString{}, sql.NullString{String: "a@x.com", Valid: true}, "h", sql.NullTime{}, true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_profiles`).WithArgs("u1", 2, now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateUser(context.Background(), User{ID: "u1", Email: "a@x.com", PasswordHash: "h", Active: true, CreatedAt: now}, 2)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetUserByEmailNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`FROM users WHERE email = \$1`).WithArgs("a@x.com").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUserByEmail(context.Background(), "a@x.com")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_FindSecretPasswordReset(t *testing.T) {
	repo, mock := newMockRepository(t)
	expires := time.Now().UTC().Add(time.Minute)

	rows := sqlmock.NewRows([]string{"id", "code_id", "user_id", "token_hash", "code_hash", "expires_at", "used_at", "attempts"}).
		AddRow("r1", "c1", "u1", "th", "ch", expires, nil, 2)
	mock.ExpectQuery(`(?s)FROM password_resets pr\s+LEFT JOIN LATERAL`).
		WithArgs("th", string(PurposePasswordReset)).
		WillReturnRows(rows)

	rec, err := repo.FindSecret(context.Background(), KindPasswordReset, "th")
	require.NoError(t, err)
	assert.Equal(t, SecretRecord{
		Kind: KindPasswordReset, ID: "r1", CodeID: "c1", UserID: "u1",
		TokenHash: "th", CodeHash: "ch", ExpiresAt: expires, Attempts: 2,
	}, rec)
}

func TestRepository_FindSecretUnknownKind(t *testing.T) {
	repo, _ := newMockRepository(t)
	_, err := repo.FindSecret(context.Background(), Kind("bogus"), "th")
	require.Error(t, err)
}

func TestRepository_ConsumeSecretLosesRace(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE one_time_codes SET consumed_at = \$2 WHERE id = \$1 AND consumed_at IS NULL`).
		WithArgs("c1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	won, err := repo.ConsumeAndVerifyEmail(context.Background(), SecretRecord{Kind: KindEmailVerification, ID: "c1", UserID: "u1"}, at)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ConsumeAndVerifyEmailMarksUser(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE one_time_codes SET consumed_at`).WithArgs("c1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users\s+SET email_verified_at`).WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	won, err := repo.ConsumeAndVerifyEmail(context.Background(), SecretRecord{Kind: KindEmailVerification, ID: "c1", UserID: "u1"}, at)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ConsumeAndResetPasswordRollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_resets SET used_at`).WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE one_time_codes SET consumed_at`).WithArgs("c1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users\s+SET password_hash`).WithArgs("u1", "new-hash", at).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	rec := SecretRecord{Kind: KindPasswordReset, ID: "r1", CodeID: "c1", UserID: "u1"}
	won, err := repo.ConsumeAndResetPassword(context.Background(), rec, "new-hash", at)
	require.Error(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ConsumeAndResetPasswordMissingUser(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_resets SET used_at`).WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users\s+SET password_hash`).WithArgs("u1", "new-hash", at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.ConsumeAndResetPassword(context.Background(), SecretRecord{Kind: KindPasswordReset, ID: "r1", UserID: "u1"}, "new-hash", at)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ConsumePasswordResetConsumesCode(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_resets SET used_at`).WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE one_time_codes SET consumed_at`).WithArgs("c1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	won, err := repo.ConsumeSecret(context.Background(), SecretRecord{Kind: KindPasswordReset, ID: "r1", CodeID: "c1"}, at)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RegisterFailedAttemptLocks(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FROM auth_login_attempts\s+WHERE identifier = \$1\s+FOR UPDATE`).
		WithArgs("a@x.com").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(4, nil))
	mock.ExpectExec(`INSERT INTO auth_login_attempts`).
		WithArgs("a@x.com", 0, now.Add(15*time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	until, err := repo.RegisterFailedAttempt(context.Background(), "a@x.com", 5, 15*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, until)
	assert.Equal(t, now.Add(15*time.Minute), *until)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetLoginAttemptMissingRow(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`FROM auth_login_attempts`).WithArgs("a@x.com").WillReturnError(sql.ErrNoRows)

	attempt, err := repo.GetLoginAttempt(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, LoginAttempt{Identifier: "a@x.com"}, attempt)
}

func TestEncodeMeta(t *testing.T) {
	assert.Equal(t, "{}", encodeMeta(nil))
	assert.JSONEq(t, `{"ip":"203.0.113.7"}`, encodeMeta(map[string]string{"ip": "203.0.113.7"}))
}
