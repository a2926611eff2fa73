package recovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"txgate/internal/config"
	"txgate/internal/response"
	"txgate/internal/secret"
)

type outcome int

const (
	outcomeValid outcome = iota
	outcomeNotFound
	outcomeConsumed
	outcomeExpired
	outcomeExhausted
	outcomeMismatch
)

func (o outcome) String() string {
	switch o {
	case outcomeValid:
		return "valid"
	case outcomeNotFound:
		return "not_found"
	case outcomeConsumed:
		return "consumed"
	case outcomeExpired:
		return "expired"
	case outcomeExhausted:
		return "exhausted"
	default:
		return "mismatch"
	}
}

// evaluate applies the checks in a fixed order: existence, consumption,
// expiry, attempt cap, then the code itself. The cap is checked before the
// code so a correct code after exhaustion is still refused.
func evaluate(rec SecretRecord, tokenHash, codeHash string, now time.Time, maxAttempts int) outcome {
	if !secret.Equal(rec.TokenHash, tokenHash) {
		return outcomeNotFound
	}
	if rec.ConsumedAt != nil {
		return outcomeConsumed
	}
	if !now.Before(rec.ExpiresAt) {
		return outcomeExpired
	}
	if rec.Attempts >= maxAttempts {
		return outcomeExhausted
	}
	if !secret.Equal(rec.CodeHash, codeHash) {
		return outcomeMismatch
	}
	return outcomeValid
}

func rejection(o outcome) response.Response {
	switch o {
	case outcomeExpired:
		return response.ExpiredToken()
	case outcomeExhausted:
		return response.TooManyRequests()
	default:
		return response.InvalidToken()
	}
}

// validateSecret looks the token up and evaluates it against code. A code
// mismatch increments the attempt counter on a best-effort basis.
func (e *Engine) validateSecret(ctx context.Context, kind Kind, token, code string, flow config.Flow) (SecretRecord, outcome, error) {
	token = strings.TrimSpace(token)
	code = strings.TrimSpace(code)
	if token == "" || code == "" {
		return SecretRecord{}, outcomeNotFound, nil
	}

	tokenHash := secret.Hash(token)
	rec, err := e.store.FindSecret(ctx, kind, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SecretRecord{}, outcomeNotFound, nil
		}
		return SecretRecord{}, outcomeNotFound, err
	}

	result := evaluate(rec, tokenHash, secret.Hash(code), e.now(), flow.MaxAttempts)
	if result == outcomeMismatch {
		e.bestEffort("increment_attempts", map[string]any{"kind": string(kind), "record_id": rec.ID}, func() error {
			return e.store.IncrementSecretAttempts(ctx, rec)
		})
	}
	if result != outcomeValid {
		e.logger.Info("secret_rejected", map[string]any{"kind": string(kind), "outcome": result.String(), "user_id": rec.UserID})
	}
	return rec, result, nil
}

// consumeSecret runs a store consumption of rec. A lost race reports
// InvalidToken.
func (e *Engine) consumeSecret(flow string, consume func(at time.Time) (bool, error)) (response.Response, bool) {
	won, err := consume(e.now())
	if err != nil {
		return e.unexpected(flow, err), false
	}
	if !won {
		return response.InvalidToken(), false
	}
	return response.Response{}, true
}
