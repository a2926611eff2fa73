package recovery

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt rejects inputs over 72 bytes, so longer
// passwords are digested first.
const bcryptInputLimit = 72

func passwordInput(plain string) []byte {
	if len(plain) <= bcryptInputLimit {
		return []byte(plain)
	}
	sum := sha256.Sum256([]byte(plain))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func hashPassword(plain string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(passwordInput(plain), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func passwordMatches(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), passwordInput(plain)) == nil
}

func (e *Engine) checkPasswordLength(plain string) (string, bool) {
	n := utf8.RuneCountInString(plain)
	switch {
	case n == 0:
		return "required", false
	case n < e.cfg.PasswordMinLength:
		return fmt.Sprintf("must be at least %d characters", e.cfg.PasswordMinLength), false
	case n > e.cfg.PasswordMaxLength:
		return fmt.Sprintf("must be at most %d characters", e.cfg.PasswordMaxLength), false
	}
	return "", true
}
