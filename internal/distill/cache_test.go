package distill

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCachedCallerHitsAfterFirstSuccess(t *testing.T) {
	mr, rdb := newTestRedis(t)
	next := &fakeCaller{responses: []string{`{"a":1}`}}
	c := NewCachedCaller(next, rdb, time.Hour, nil)

	for i := 0; i < 3; i++ {
		out, err := c.GenerateJSON(context.Background(), "same prompt")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, out)
	}
	assert.Equal(t, 1, next.calls())

	key := CacheKey("fake-model", "same prompt")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestCachedCallerSkipsFailures(t *testing.T) {
	mr, rdb := newTestRedis(t)
	next := &fakeCaller{errs: []error{assertErr("status 500")}}
	c := NewCachedCaller(next, rdb, time.Hour, nil)

	_, err := c.GenerateJSON(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, mr.Exists(CacheKey("fake-model", "p")))
}

func TestCachedCallerSurvivesRedisOutage(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()
	next := &fakeCaller{responses: []string{"ok"}}
	c := NewCachedCaller(next, rdb, time.Hour, nil)

	out, err := c.GenerateJSON(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCacheKeySeparatesModels(t *testing.T) {
	assert.NotEqual(t, CacheKey("a", "p"), CacheKey("b", "p"))
	assert.Equal(t, CacheKey("a", "p"), CacheKey("a", "p"))
}
