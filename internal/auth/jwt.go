// Package auth issues and verifies the consumer bearer tokens used by the
// HTTP API. Subject format is "consumer_id=<n>", HS256 signed.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

var subjectRe = regexp.MustCompile(`^consumer_id=([0-9]+)$`)

type Manager struct {
	secret []byte
	expiry time.Duration // 0 = tokens without exp
}

func NewManager(secret string, expiry time.Duration) *Manager {
	return &Manager{secret: []byte(secret), expiry: expiry}
}

// Issue signs a token for the consumer.
func (m *Manager) Issue(consumerID int64) (string, error) {
	claims := jwt.MapClaims{
		"sub": "consumer_id=" + strconv.FormatInt(consumerID, 10),
		"iat": time.Now().Unix(),
	}
	if m.expiry > 0 {
		claims["exp"] = time.Now().Add(m.expiry).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses the token and returns the consumer id from its subject.
func (m *Manager) Verify(token string) (int64, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return 0, ErrInvalidToken
	}
	match := subjectRe.FindStringSubmatch(sub)
	if match == nil {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}
