// Package auth implements password hashing with scrypt and stateless,
// HMAC-signed session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrMalformedDigest is returned when a stored digest cannot be parsed.
	ErrMalformedDigest = errors.New("malformed password digest")
	// ErrHashing is returned when the key-derivation function itself fails.
	ErrHashing = errors.New("password hashing failed")
)

const (
	digestScheme = "scrypt"
	saltLength   = 16

	// Stored digests may use a stronger work factor than the configured
	// one, within these margins. Anything beyond is treated as corrupt.
	maxLogNIncrease = 2
	maxRFactor      = 2
	maxPFactor      = 4
	maxKeyLen       = 128
)

// HashParams holds the scrypt work factor.
type HashParams struct {
	LogN   int `yaml:"log_n"`
	R      int `yaml:"r"`
	P      int `yaml:"p"`
	KeyLen int `yaml:"key_len"`
}

// DefaultHashParams returns the production work factor (N=32768, r=8, p=1).
func DefaultHashParams() HashParams {
	return HashParams{LogN: 15, R: 8, P: 1, KeyLen: 32}
}

func (p HashParams) sanitize() HashParams {
	def := DefaultHashParams()
	if p.LogN <= 1 || p.LogN > 30 {
		p.LogN = def.LogN
	}
	if p.R <= 0 {
		p.R = def.R
	}
	if p.P <= 0 {
		p.P = def.P
	}
	if p.KeyLen <= 0 {
		p.KeyLen = def.KeyLen
	}
	return p
}

// Hasher derives and verifies salted scrypt digests. The number of
// derivations running at once is bounded so CPU and memory heavy work
// cannot starve connection goroutines.
type Hasher struct {
	params HashParams
	limit  HashParams
	pool   *semaphore.Weighted
}

// NewHasher creates a Hasher. workers <= 0 sizes the pool to GOMAXPROCS.
func NewHasher(params HashParams, workers int) *Hasher {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	params = params.sanitize()
	return &Hasher{
		params: params,
		limit:  params.limit(),
		pool:   semaphore.NewWeighted(int64(workers)),
	}
}

// limit is the largest work factor Verify accepts from a stored digest:
// the stronger of p and the defaults, plus a margin.
func (p HashParams) limit() HashParams {
	def := DefaultHashParams()
	return HashParams{
		LogN:   max(p.LogN, def.LogN) + maxLogNIncrease,
		R:      max(p.R, def.R) * maxRFactor,
		P:      max(p.P, def.P) * maxPFactor,
		KeyLen: maxKeyLen,
	}
}

func (p HashParams) within(limit HashParams) bool {
	return p.LogN <= limit.LogN && p.R <= limit.R && p.P <= limit.P && p.KeyLen <= limit.KeyLen
}

// Hash returns a self-describing digest of password with a fresh random salt.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: read salt: %v", ErrHashing, err)
	}

	key, err := h.derive(ctx, []byte(password), salt, h.params)
	if err != nil {
		return "", err
	}
	return encodeDigest(h.params, salt, key), nil
}

// Verify reports whether password matches digest. A mismatch is not an error.
func (h *Hasher) Verify(ctx context.Context, digest, password string) (bool, error) {
	params, salt, want, err := decodeDigest(digest)
	if err != nil {
		return false, err
	}
	if !params.within(h.limit) {
		return false, fmt.Errorf("%w: work factor ln=%d,r=%d,p=%d exceeds limit",
			ErrMalformedDigest, params.LogN, params.R, params.P)
	}

	got, err := h.derive(ctx, []byte(password), salt, params)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (h *Hasher) derive(ctx context.Context, password, salt []byte, p HashParams) ([]byte, error) {
	if err := h.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.pool.Release(1)

	key, err := scrypt.Key(password, salt, 1<<p.LogN, p.R, p.P, p.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return key, nil
}

// $scrypt$ln=15,r=8,p=1$<salt>$<key>
func encodeDigest(p HashParams, salt, key []byte) string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$%s$ln=%d,r=%d,p=%d$%s$%s",
		digestScheme, p.LogN, p.R, p.P, enc.EncodeToString(salt), enc.EncodeToString(key))
}

func decodeDigest(digest string) (HashParams, []byte, []byte, error) {
	var p HashParams

	parts := strings.Split(digest, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != digestScheme {
		return p, nil, nil, ErrMalformedDigest
	}

	for _, field := range strings.Split(parts[2], ",") {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return p, nil, nil, ErrMalformedDigest
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return p, nil, nil, ErrMalformedDigest
		}
		switch name {
		case "ln":
			p.LogN = n
		case "r":
			p.R = n
		case "p":
			p.P = n
		default:
			return p, nil, nil, ErrMalformedDigest
		}
	}
	if p.LogN <= 1 || p.LogN > 30 || p.R == 0 || p.P == 0 {
		return p, nil, nil, ErrMalformedDigest
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[3])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, ErrMalformedDigest
	}
	key, err := enc.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrMalformedDigest
	}
	p.KeyLen = len(key)

	return p, salt, key, nil
}
