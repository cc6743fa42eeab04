package resume

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Store 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultRedisConfig()
	config.Addr = mr.Addr()
	config.TTL = time.Minute

	store, err := NewRedisStore(context.Background(), config, nil, zap.NewNop())
	require.NoError(t, err)

	return mr, store
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "feed")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "feed", "42"))
	token, err := store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, "42", token)
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	_, err := store.Load(ctx, "feed")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "feed", "99"))
	token, err := store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, "99", token)

	assert.True(t, mr.Exists("routeclient:resume:feed"))
}

func TestRedisStore_TTL(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "feed", "1"))

	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "feed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Closed(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Load(context.Background(), "feed")
	assert.Error(t, err)
	assert.Error(t, store.Save(context.Background(), "feed", "1"))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	config := DefaultRedisConfig()
	config.Addr = addr
	config.MaxRetries = -1

	_, err = NewRedisStore(context.Background(), config, nil, nil)
	assert.Error(t, err)
}
