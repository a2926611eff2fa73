package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid access token")

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type Claims struct {
	SessionID string
	UserID    string
	ProfileID int
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Issue(sess Session) (Token, error) {
	now := time.Now().UTC()
	expiresAt := sess.ExpiresAt
	if expiresAt.IsZero() || expiresAt.Sub(now) > i.ttl {
		expiresAt = now.Add(i.ttl)
	}

	claims := jwt.MapClaims{
		"sub": sess.UserID,
		"sid": sess.ID,
		"prf": sess.ProfileID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"typ": "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Token{
		AccessToken: encoded,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

func (i *Issuer) Parse(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return Claims{}, ErrInvalidToken
	}

	sid, _ := claims["sid"].(string)
	sub, _ := claims["sub"].(string)
	profile, _ := claims["prf"].(float64)
	if sid == "" || sub == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{SessionID: sid, UserID: sub, ProfileID: int(profile)}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
