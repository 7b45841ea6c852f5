package auth

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastParams keeps tests quick; production uses DefaultHashParams.
var fastParams = HashParams{LogN: 10, R: 8, P: 1, KeyLen: 32}

func TestHasher_HashIsSalted(t *testing.T) {
	h := NewHasher(fastParams, 2)
	ctx := context.Background()

	first, err := h.Hash(ctx, "pass_1")
	require.NoError(t, err)
	second, err := h.Hash(ctx, "pass_1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "$scrypt$ln=10,r=8,p=1$"), first)
	assert.NotContains(t, first, "pass_1")
}

func TestHasher_Verify(t *testing.T) {
	h := NewHasher(fastParams, 2)
	ctx := context.Background()

	tests := []struct {
		name     string
		password string
		attempt  string
		want     bool
	}{
		{name: "matching password", password: "pass_1", attempt: "pass_1", want: true},
		{name: "mismatching password", password: "pass_1", attempt: "pass_2", want: false},
		{name: "empty password", password: "", attempt: "", want: true},
		{name: "unicode password", password: "密码123", attempt: "密码123", want: true},
		{name: "case matters", password: "Secret", attempt: "secret", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			digest, err := h.Hash(ctx, tt.password)
			require.NoError(t, err)

			ok, err := h.Verify(ctx, digest, tt.attempt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestHasher_VerifyUsesDigestParams(t *testing.T) {
	ctx := context.Background()
	old := NewHasher(HashParams{LogN: 9, R: 4, P: 1, KeyLen: 16}, 1)
	digest, err := old.Hash(ctx, "rotate-me")
	require.NoError(t, err)

	current := NewHasher(fastParams, 1)
	ok, err := current.Verify(ctx, digest, "rotate-me")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasher_MalformedDigest(t *testing.T) {
	h := NewHasher(fastParams, 1)
	ctx := context.Background()

	digests := []string{
		"",
		"plain-text",
		"$bcrypt$ln=10,r=8,p=1$c2FsdA$a2V5",
		"$scrypt$ln=10,r=8$c2FsdA",
		"$scrypt$ln=x,r=8,p=1$c2FsdA$a2V5",
		"$scrypt$ln=10,r=8,p=1,q=2$c2FsdA$a2V5",
		"$scrypt$ln=10,r=8,p=1$!!!$a2V5",
		"$scrypt$ln=10,r=8,p=1$c2FsdA$",
		"$scrypt$ln=64,r=8,p=1$c2FsdA$a2V5",
	}

	for _, digest := range digests {
		ok, err := h.Verify(ctx, digest, "anything")
		assert.ErrorIs(t, err, ErrMalformedDigest, "digest %q", digest)
		assert.False(t, ok)
	}
}

func TestHasher_RejectsExcessiveWorkFactor(t *testing.T) {
	h := NewHasher(fastParams, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	longKey := base64.RawStdEncoding.EncodeToString(make([]byte, 200))
	digests := []string{
		"$scrypt$ln=18,r=8,p=1$c2FsdA$a2V5",
		"$scrypt$ln=30,r=8,p=1$c2FsdA$a2V5",
		"$scrypt$ln=10,r=1000,p=1$c2FsdA$a2V5",
		"$scrypt$ln=10,r=8,p=64$c2FsdA$a2V5",
		"$scrypt$ln=10,r=8,p=1$c2FsdA$" + longKey,
	}

	for _, digest := range digests {
		ok, err := h.Verify(ctx, digest, "anything")
		assert.ErrorIs(t, err, ErrMalformedDigest, "digest %q", digest)
		assert.False(t, ok)
	}
}

func TestHashParams_Limit(t *testing.T) {
	limit := fastParams.limit()
	assert.Equal(t, HashParams{LogN: 17, R: 16, P: 4, KeyLen: maxKeyLen}, limit)
	assert.True(t, DefaultHashParams().within(limit))
	assert.False(t, HashParams{LogN: 18, R: 8, P: 1, KeyLen: 32}.within(limit))

	strong := HashParams{LogN: 20, R: 16, P: 2, KeyLen: 64}.limit()
	assert.Equal(t, 22, strong.LogN)
	assert.Equal(t, 32, strong.R)
	assert.Equal(t, 8, strong.P)
}

func TestHasher_PoolHonoursContext(t *testing.T) {
	h := NewHasher(fastParams, 1)

	// Occupy the only worker slot.
	require.NoError(t, h.pool.Acquire(context.Background(), 1))
	defer h.pool.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Hash(ctx, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHasher_ConcurrentUse(t *testing.T) {
	h := NewHasher(fastParams, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			digest, err := h.Hash(ctx, "shared")
			if err != nil {
				errs <- err
				return
			}
			if ok, err := h.Verify(ctx, digest, "shared"); err != nil || !ok {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent hash/verify failed: %v", err)
	}
}

func TestHashParams_Sanitize(t *testing.T) {
	p := HashParams{}.sanitize()
	assert.Equal(t, DefaultHashParams(), p)

	custom := HashParams{LogN: 12, R: 4, P: 2, KeyLen: 64}.sanitize()
	assert.Equal(t, HashParams{LogN: 12, R: 4, P: 2, KeyLen: 64}, custom)
}
