package recovery

import "time"

// Purpose names the flow a one-time code belongs to.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
)

// Kind selects which table family backs a secret record.
type Kind string

const (
	KindEmailVerification Kind = "email_verification"
	KindPasswordReset     Kind = "password_reset"
	KindLoginChallenge    Kind = "login_challenge"
)

type User struct {
	ID              string
	Username        string
	Email           string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastLoginAt     *time.Time
}

func (u User) Verified() bool {
	return u.EmailVerifiedAt != nil
}

type PasswordReset struct {
	ID           string
	UserID       string
	TokenHash    string
	SentTo       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UsedAt       *time.Time
	AttemptCount int
	RequestMeta  map[string]string
	Meta         map[string]string
}

type OneTimeCode struct {
	ID           string
	UserID       string
	Purpose      Purpose
	CodeHash     string
	TokenHash    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	AttemptCount int
	Meta         map[string]string
}

type LoginChallenge struct {
	ID           string
	UserID       string
	TokenHash    string
	CodeHash     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	VerifiedAt   *time.Time
	AttemptCount int
	RequestMeta  map[string]string
}

type UserDevice struct {
	ID         string
	UserID     string
	TokenHash  string
	Label      string
	Meta       map[string]string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// SecretRecord is the common shape validated by every flow. For password
// resets ID is the reset row and CodeID the correlated one-time code.
type SecretRecord struct {
	Kind       Kind
	ID         string
	CodeID     string
	UserID     string
	TokenHash  string
	CodeHash   string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	Attempts   int
}

type LoginAttempt struct {
	Identifier     string
	FailedAttempts int
	LockedUntil    *time.Time
}
