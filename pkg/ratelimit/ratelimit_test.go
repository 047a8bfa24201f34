package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiter(t *testing.T) {
	d, err := Take(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, d)
}

func TestLocalTake(t *testing.T) {
	l := NewLocalLimiter(100, 1)

	_, err := Take(context.Background(), l)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Take(ctx, l)
	assert.Error(t, err)
}

func TestRedisTake(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})

	l := NewRedisLimiter(c, 10)
	_, err := Take(context.Background(), l)
	require.NoError(t, err)

	s.Close()
	_, err = Take(context.Background(), l)
	assert.Error(t, err)
}

func TestThrottledTransport(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewThrottledTransport(time.Second, 10, nil)}
	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, int32(3), hits.Load())
}
