package recovery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store is everything the engine needs from persistence.
type Store interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	IdentityExists(ctx context.Context, username, email string) (bool, error)
	CreateUser(ctx context.Context, user User, profileID int) error
	GetUserProfile(ctx context.Context, userID string) (int, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error

	CreateOneTimeCode(ctx context.Context, code OneTimeCode) error
	InvalidateOneTimeCodes(ctx context.Context, userID string, purpose Purpose, at time.Time) (int64, error)
	CreatePasswordReset(ctx context.Context, reset PasswordReset) error
	InvalidatePasswordResets(ctx context.Context, userID string, at time.Time) (int64, error)
	CreateLoginChallenge(ctx context.Context, challenge LoginChallenge) error

	// FindSecret returns the most recent record of kind whose token hash
	// matches, consumed or not.
	FindSecret(ctx context.Context, kind Kind, tokenHash string) (SecretRecord, error)
	IncrementSecretAttempts(ctx context.Context, record SecretRecord) error
	// ConsumeSecret marks the record consumed only if it still is not and
	// reports whether this call won.
	ConsumeSecret(ctx context.Context, record SecretRecord, at time.Time) (bool, error)
	// ConsumeAndVerifyEmail and ConsumeAndResetPassword apply the state
	// change a record authorizes together with its consumption. When the
	// change fails the record stays unconsumed.
	ConsumeAndVerifyEmail(ctx context.Context, record SecretRecord, at time.Time) (bool, error)
	ConsumeAndResetPassword(ctx context.Context, record SecretRecord, passwordHash string, at time.Time) (bool, error)

	FindDevice(ctx context.Context, userID, tokenHash string) (UserDevice, error)
	CreateDevice(ctx context.Context, device UserDevice) error
	TouchDevice(ctx context.Context, id string, at time.Time) error

	GetLoginAttempt(ctx context.Context, identifier string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, identifier string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, identifier string) error
}
