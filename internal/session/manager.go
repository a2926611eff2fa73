package session

import (
	"context"
	"errors"

	"txgate/internal/request"
)

// Manager ties the Redis store to the token issuer.
type Manager struct {
	store  *Store
	issuer *Issuer
}

func NewManager(store *Store, issuer *Issuer) *Manager {
	return &Manager{store: store, issuer: issuer}
}

func (m *Manager) Establish(ctx context.Context, userID string, profileID int, meta request.Meta) (Token, error) {
	sess, err := m.store.Create(ctx, userID, profileID, meta.IP, meta.UserAgent)
	if err != nil {
		return Token{}, err
	}
	return m.issuer.Issue(sess)
}

// Authenticate validates the access token and checks that its session is
// still alive. Revoked sessions fail even while the token is unexpired.
func (m *Manager) Authenticate(ctx context.Context, accessToken string) (Session, error) {
	claims, err := m.issuer.Parse(accessToken)
	if err != nil {
		return Session{}, err
	}

	sess, err := m.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidToken
		}
		return Session{}, err
	}
	if sess.UserID != claims.UserID {
		return Session{}, ErrInvalidToken
	}
	return sess, nil
}

func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

func (m *Manager) RevokeAllForUser(ctx context.Context, userID, except string) (int, error) {
	return m.store.DeleteAllForUser(ctx, userID, except)
}
