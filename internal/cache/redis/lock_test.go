package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_AcquireRelease(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	ok, err := lm.TryAcquire(ctx, "buy:M1", "tok-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lm.TryAcquire(ctx, "buy:M1", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := lm.Held(ctx, "buy:M1")
	require.NoError(t, err)
	assert.True(t, held)

	// a foreign token cannot release
	require.NoError(t, lm.Release(ctx, "buy:M1", "tok-b"))
	held, err = lm.Held(ctx, "buy:M1")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, lm.Release(ctx, "buy:M1", "tok-a"))
	held, err = lm.Held(ctx, "buy:M1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockManager_TTLExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	ok, err := lm.TryAcquire(ctx, "buy:M1", "tok", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = lm.TryAcquire(ctx, "buy:M1", "tok2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
