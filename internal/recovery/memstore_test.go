package recovery

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same consumption and lockout
// semantics as Repository.
type memStore struct {
	mu         sync.Mutex
	users      map[string]User
	profiles   map[string]int
	codes      []*OneTimeCode
	resets     []*PasswordReset
	challenges []*LoginChallenge
	devices    []*UserDevice
	attempts   map[string]*LoginAttempt

	incrementErr error
	findErr      error
	// verifyErr and passwordErr fail the next state change once, leaving
	// the record unconsumed as a rolled back transaction would.
	verifyErr   error
	passwordErr error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]User{},
		profiles: map[string]int{},
		attempts: map[string]*LoginAttempt{},
	}
}

func (s *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return User{}, ErrNotFound
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email != "" && u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username != "" && u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memStore) IdentityExists(_ context.Context, username, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityTaken(username, email), nil
}

func (s *memStore) identityTaken(username, email string) bool {
	for _, u := range s.users {
		if username != "" && u.Username == username {
			return true
		}
		if email != "" && u.Email == email {
			return true
		}
	}
	return false
}

func (s *memStore) CreateUser(_ context.Context, user User, profileID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identityTaken(user.Username, user.Email) {
		return ErrDuplicate
	}
	s.users[user.ID] = user
	s.profiles[user.ID] = profileID
	return nil
}

func (s *memStore) GetUserProfile(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	return 0, ErrNotFound
}

func (s *memStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.LastLoginAt = &at
		s.users[userID] = u
	}
	return nil
}

func (s *memStore) CreateOneTimeCode(_ context.Context, code OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, &code)
	return nil
}

func (s *memStore) InvalidateOneTimeCodes(_ context.Context, userID string, purpose Purpose, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.codes {
		if c.UserID == userID && c.Purpose == purpose && c.ConsumedAt == nil {
			c.ConsumedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreatePasswordReset(_ context.Context, reset PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, &reset)
	return nil
}

func (s *memStore) InvalidatePasswordResets(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.resets {
		if r.UserID == userID && r.UsedAt == nil {
			r.UsedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateLoginChallenge(_ context.Context, challenge LoginChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges = append(s.challenges, &challenge)
	return nil
}

func (s *memStore) FindSecret(_ context.Context, kind Kind, tokenHash string) (SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return SecretRecord{}, s.findErr
	}

	switch kind {
	case KindEmailVerification:
		if c := s.latestCode(PurposeEmailVerification, "", tokenHash, false); c != nil {
			return SecretRecord{Kind: kind, ID: c.ID, UserID: c.UserID, TokenHash: c.TokenHash, CodeHash: c.CodeHash,
				ExpiresAt: c.ExpiresAt, ConsumedAt: c.ConsumedAt, Attempts: c.AttemptCount}, nil
		}
	case KindPasswordReset:
		for i := len(s.resets) - 1; i >= 0; i-- {
			r := s.resets[i]
			if r.TokenHash != tokenHash {
				continue
			}
			rec := SecretRecord{Kind: kind, ID: r.ID, UserID: r.UserID, TokenHash: r.TokenHash,
				ExpiresAt: r.ExpiresAt, ConsumedAt: r.UsedAt, Attempts: r.AttemptCount}
			if c := s.latestCode(PurposePasswordReset, r.UserID, tokenHash, true); c != nil {
				rec.CodeID = c.ID
				rec.CodeHash = c.CodeHash
				rec.Attempts = max(rec.Attempts, c.AttemptCount)
			}
			return rec, nil
		}
	case KindLoginChallenge:
		for i := len(s.challenges) - 1; i >= 0; i-- {
			c := s.challenges[i]
			if c.TokenHash == tokenHash {
				return SecretRecord{Kind: kind, ID: c.ID, UserID: c.UserID, TokenHash: c.TokenHash, CodeHash: c.CodeHash,
					ExpiresAt: c.ExpiresAt, ConsumedAt: c.VerifiedAt, Attempts: c.AttemptCount}, nil
			}
		}
	}
	return SecretRecord{}, ErrNotFound
}

func (s *memStore) latestCode(purpose Purpose, userID, tokenHash string, activeOnly bool) *OneTimeCode {
	for i := len(s.codes) - 1; i >= 0; i-- {
		c := s.codes[i]
		if c.Purpose != purpose || c.TokenHash != tokenHash {
			continue
		}
		if userID != "" && c.UserID != userID {
			continue
		}
		if activeOnly && c.ConsumedAt != nil {
			continue
		}
		return c
	}
	return nil
}

func (s *memStore) IncrementSecretAttempts(_ context.Context, rec SecretRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}

	switch rec.Kind {
	case KindEmailVerification:
		s.codeByID(rec.ID).AttemptCount++
	case KindPasswordReset:
		for _, r := range s.resets {
			if r.ID == rec.ID {
				r.AttemptCount++
			}
		}
		if c := s.codeByID(rec.CodeID); c != nil {
			c.AttemptCount++
		}
	case KindLoginChallenge:
		for _, c := range s.challenges {
			if c.ID == rec.ID {
				c.AttemptCount++
			}
		}
	}
	return nil
}

func (s *memStore) codeByID(id string) *OneTimeCode {
	for _, c := range s.codes {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *memStore) ConsumeSecret(_ context.Context, rec SecretRecord, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(rec, at), nil
}

func (s *memStore) ConsumeAndVerifyEmail(_ context.Context, rec SecretRecord, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.consumable(rec) {
		return false, nil
	}
	if err := s.verifyErr; err != nil {
		s.verifyErr = nil
		return false, err
	}
	u, ok := s.users[rec.UserID]
	if !ok {
		return false, ErrNotFound
	}
	s.consumeLocked(rec, at)
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	s.users[rec.UserID] = u
	return true, nil
}

func (s *memStore) ConsumeAndResetPassword(_ context.Context, rec SecretRecord, passwordHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.consumable(rec) {
		return false, nil
	}
	if err := s.passwordErr; err != nil {
		s.passwordErr = nil
		return false, err
	}
	u, ok := s.users[rec.UserID]
	if !ok {
		return false, ErrNotFound
	}
	s.consumeLocked(rec, at)
	u.PasswordHash = passwordHash
	u.UpdatedAt = at
	s.users[rec.UserID] = u
	return true, nil
}

func (s *memStore) consumable(rec SecretRecord) bool {
	switch rec.Kind {
	case KindEmailVerification:
		c := s.codeByID(rec.ID)
		return c != nil && c.ConsumedAt == nil
	case KindPasswordReset:
		for _, r := range s.resets {
			if r.ID == rec.ID {
				return r.UsedAt == nil
			}
		}
	case KindLoginChallenge:
		for _, c := range s.challenges {
			if c.ID == rec.ID {
				return c.VerifiedAt == nil
			}
		}
	}
	return false
}

func (s *memStore) consumeLocked(rec SecretRecord, at time.Time) bool {
	if !s.consumable(rec) {
		return false
	}
	switch rec.Kind {
	case KindEmailVerification:
		s.codeByID(rec.ID).ConsumedAt = &at
	case KindPasswordReset:
		for _, r := range s.resets {
			if r.ID == rec.ID {
				r.UsedAt = &at
			}
		}
		if c := s.codeByID(rec.CodeID); c != nil && c.ConsumedAt == nil {
			c.ConsumedAt = &at
		}
	case KindLoginChallenge:
		for _, c := range s.challenges {
			if c.ID == rec.ID {
				c.VerifiedAt = &at
			}
		}
	}
	return true
}

func (s *memStore) FindDevice(_ context.Context, userID, tokenHash string) (UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.UserID == userID && d.TokenHash == tokenHash {
			return *d, nil
		}
	}
	return UserDevice{}, ErrNotFound
}

func (s *memStore) CreateDevice(_ context.Context, device UserDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, &device)
	return nil
}

func (s *memStore) TouchDevice(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			d.LastUsedAt = &at
		}
	}
	return nil
}

func (s *memStore) GetLoginAttempt(_ context.Context, identifier string) (LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[identifier]; ok {
		return *a, nil
	}
	return LoginAttempt{Identifier: identifier}, nil
}

func (s *memStore) RegisterFailedAttempt(_ context.Context, identifier string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[identifier]
	if !ok {
		a = &LoginAttempt{Identifier: identifier}
		s.attempts[identifier] = a
	}
	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		until := *a.LockedUntil
		return &until, nil
	}

	a.FailedAttempts++
	a.LockedUntil = nil
	if a.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		a.LockedUntil = &until
		a.FailedAttempts = 0
		return &until, nil
	}
	return nil, nil
}

func (s *memStore) ResetLoginAttempt(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, identifier)
	return nil
}
