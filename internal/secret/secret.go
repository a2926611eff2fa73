// Package secret generates the token/code pairs used by the verification
// flows and the fingerprints that are stored in their place.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	tokenBytes = 32
	codeDigits = 6
)

// Pair is a freshly issued token and code. Only the hashes may be persisted.
type Pair struct {
	Token     string
	Code      string
	TokenHash string
	CodeHash  string
}

func NewPair() (Pair, error) {
	token, err := NewToken()
	if err != nil {
		return Pair{}, err
	}
	code, err := NewCode(codeDigits)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		Token:     token,
		Code:      code,
		TokenHash: Hash(token),
		CodeHash:  Hash(code),
	}, nil
}

// NewToken returns 32 random bytes, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewCode returns a numeric code of the given length, leading zeros kept.
func NewCode(digits int) (string, error) {
	if digits <= 0 {
		return "", fmt.Errorf("invalid code length %d", digits)
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("read random digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex fingerprints in constant time.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
