package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaleLockerWithoutRedis(t *testing.T) {
	l := NewSaleLocker(nil, 5*time.Second)
	assert.Equal(t, 50, l.maxRetries)

	release, err := l.Acquire(context.Background(), "txn-1")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	var nilLocker *SaleLocker
	release, err = nilLocker.Acquire(context.Background(), "txn-1")
	require.NoError(t, err)
	release()
}

func TestSaleLockerRetriesAtLeastOnce(t *testing.T) {
	l := NewSaleLocker(nil, 10*time.Millisecond)
	assert.Equal(t, 1, l.maxRetries)
	assert.Equal(t, "sale:lock:txn:abc", lockKey("abc"))
}
