package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store SessionStore) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)

	require.NoError(t, store.Set(ctx, 10, &Session{State: StateAwaitingSize, Prompt: "a fox"}))
	s, err = store.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, &Session{State: StateAwaitingSize, Prompt: "a fox"}, s)

	other, err := store.Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, other.State)

	require.NoError(t, store.Reset(ctx, 10))
	s, err = store.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)
	assert.Empty(t, s.Prompt)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(time.Minute))
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, 1, &Session{State: StateAwaitingCoupon}))
	now = now.Add(59 * time.Second)
	s, _ := store.Get(ctx, 1)
	assert.Equal(t, StateAwaitingCoupon, s.State)

	now = now.Add(time.Second)
	s, _ = store.Get(ctx, 1)
	assert.Equal(t, StateIdle, s.State)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, 1, &Session{State: StateAwaitingPrompt}))

	s, _ := store.Get(ctx, 1)
	s.State = StateAwaitingCoupon
	again, _ := store.Get(ctx, 1)
	assert.Equal(t, StateAwaitingPrompt, again.State)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, 30*time.Minute)
	exerciseStore(t, store)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, 5, &Session{State: StateAwaitingPrompt}))
	assert.Equal(t, 30*time.Minute, mr.TTL("imagebot:session:5"))

	mr.FastForward(31 * time.Minute)
	s, err := store.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State)
}

func TestRedisStoreCorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set("imagebot:session:9", "{not json"))

	_, err := NewRedisStore(client, time.Minute).Get(context.Background(), 9)
	assert.ErrorContains(t, err, "decode session")
}
