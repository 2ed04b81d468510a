package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayCacheWithoutRedis(t *testing.T) {
	ctx := context.Background()
	c := NewReplayCache(nil, time.Hour)

	require.NoError(t, c.Set(ctx, "txn-1", 42))
	id, ok, err := c.Get(ctx, "txn-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, id)
}

func TestReplayKey(t *testing.T) {
	assert.Equal(t, "sale:txn:abc", replayKey("abc"))
}
