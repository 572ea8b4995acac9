package redislock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/lock"
)

var _ lock.Locker = (*Locker)(nil)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestLocker_LockAndRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := New(client)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "ledger:user-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"ledger:user-1"))

	unlock()
	assert.False(t, mr.Exists(keyPrefix+"ledger:user-1"))
}

func TestLocker_SecondHolderWaits(t *testing.T) {
	client, _ := setupTestRedis(t)
	l := New(client, WithRetryDelay(time.Millisecond))

	unlock, err := l.Lock(context.Background(), "user-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "user-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := l.Lock(context.Background(), "user-1")
	require.NoError(t, err)
	unlock2()
}

func TestLocker_ReleaseDoesNotFreeForeignLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := New(client, WithTTL(time.Second))

	unlock, err := l.Lock(context.Background(), "user-1")
	require.NoError(t, err)

	// The first holder's lease expires and someone else takes the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(keyPrefix+"user-1", "other-token"))

	unlock()

	got, err := mr.Get(keyPrefix + "user-1")
	require.NoError(t, err)
	assert.Equal(t, "other-token", got)
}
