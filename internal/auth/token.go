package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenInvalid is returned when a token signature does not match its fields.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when a correctly signed token is past its expiry.
	ErrTokenExpired = errors.New("token has expired")
)

// DefaultTokenLifetime is how long an issued token stays valid.
const DefaultTokenLifetime = 15 * time.Minute

// SecretSize is the length of a generated signing secret.
const SecretSize = 64

// Token is a self-contained bearer credential. It is never stored; any
// holder of the signing secret can validate it.
type Token struct {
	Username string `json:"username"`
	Expiry   int64  `json:"expiry"`
	Key      string `json:"key"`
}

// ExpiresAt returns the token expiry as a time.
func (t Token) ExpiresAt() time.Time {
	return time.Unix(t.Expiry, 0)
}

// Authority issues and validates session tokens.
type Authority struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// AuthorityOption customizes an Authority.
type AuthorityOption func(*Authority)

// WithLifetime overrides DefaultTokenLifetime.
func WithLifetime(d time.Duration) AuthorityOption {
	return func(a *Authority) {
		if d > 0 {
			a.lifetime = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthority creates an Authority signing with secret. The secret is
// copied and never modified afterwards.
func NewAuthority(secret []byte, opts ...AuthorityOption) (*Authority, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	a := &Authority{
		secret:   append([]byte(nil), secret...),
		lifetime: DefaultTokenLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// GenerateSecret returns SecretSize random bytes.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return secret, nil
}

// Lifetime returns the configured token lifetime.
func (a *Authority) Lifetime() time.Duration {
	return a.lifetime
}

// Issue signs a new token for username.
func (a *Authority) Issue(username string) Token {
	expiry := a.now().Add(a.lifetime).Unix()
	return Token{
		Username: username,
		Expiry:   expiry,
		Key:      hex.EncodeToString(a.sign(username, expiry)),
	}
}

// Check returns nil for an authentic, unexpired token.
func (a *Authority) Check(t Token) error {
	got, err := hex.DecodeString(t.Key)
	if err != nil || len(got) != sha512.Size {
		return ErrTokenInvalid
	}
	if !hmac.Equal(got, a.sign(t.Username, t.Expiry)) {
		return ErrTokenInvalid
	}
	if a.now().Unix() > t.Expiry {
		return ErrTokenExpired
	}
	return nil
}

// Validate reports whether t is authentic and unexpired.
func (a *Authority) Validate(t Token) bool {
	return a.Check(t) == nil
}

// sign computes HMAC-SHA512(secret, username || expiry). The expiry is a
// fixed-width suffix so digits cannot move between the two fields.
func (a *Authority) sign(username string, expiry int64) []byte {
	var suffix [8]byte
	binary.BigEndian.PutUint64(suffix[:], uint64(expiry))

	mac := hmac.New(sha512.New, a.secret)
	mac.Write([]byte(username))
	mac.Write(suffix[:])
	return mac.Sum(nil)
}
