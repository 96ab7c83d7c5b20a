package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestAccountLockMutualExclusion(t *testing.T) {
	_, client := newMiniRedis(t)
	ctx := context.Background()

	first := NewAccountLock(client, 42, "req-1", time.Second)
	second := NewAccountLock(client, 42, "req-2", time.Second)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者不能释放
	assert.ErrorIs(t, second.Unlock(ctx), ErrNotHeld)

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	mr, client := newMiniRedis(t)
	ctx := context.Background()

	l := NewPayoutRunLock(client, "2024-05-01", "node-a", 10*time.Second)
	require.NoError(t, l.Lock(ctx, time.Millisecond, 1))

	mr.FastForward(11 * time.Second)

	other := NewPayoutRunLock(client, "2024-05-01", "node-b", 10*time.Second)
	require.NoError(t, other.Lock(ctx, time.Millisecond, 1))
	assert.ErrorIs(t, l.Unlock(ctx), ErrNotHeld)
}

func TestLockGivesUpAfterRetries(t *testing.T) {
	_, client := newMiniRedis(t)
	ctx := context.Background()

	holder := NewAccountLock(client, 1, "a", time.Minute)
	require.NoError(t, holder.Lock(ctx, time.Millisecond, 1))

	waiter := NewAccountLock(client, 1, "b", time.Minute)
	assert.ErrorIs(t, waiter.Lock(ctx, time.Millisecond, 3), ErrLockFailed)
}

func TestLockRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ctx := context.Background()

	l := NewAccountLock(client, 7, "req", time.Second)
	mock.ExpectSetNX(l.Key(), "req", time.Second).SetErr(errors.New("connection refused"))

	err := l.Lock(ctx, time.Millisecond, 3)
	assert.EqualError(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}
