// shared/pkg/redis/redis_test.go
package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisClient(mr.Addr())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestClient_GetSetDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_SetNXAndExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	stored, err := c.SetNX(ctx, "processed:CARD_GATEWAY:evt_1", "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.SetNX(ctx, "processed:CARD_GATEWAY:evt_1", "1", time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)

	mr.FastForward(2 * time.Hour)
	ok, err := c.Exists(ctx, "processed:CARD_GATEWAY:evt_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Ping(t *testing.T) {
	c, mr := newTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}
