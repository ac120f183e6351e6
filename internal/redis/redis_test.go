package redis

import (
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := Init(Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Same(t, c, Client())

	// Later calls reuse the first client.
	again, err := Init(Config{Host: "unused", Port: 1})
	require.NoError(t, err)
	assert.Same(t, c, again)

	require.NoError(t, Close())
}

func TestWaitReadyGivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, waitReady(c, 1, time.Millisecond))

	mr.Close()
	err := waitReady(c, 2, time.Millisecond)
	assert.ErrorContains(t, err, "after 2 attempts")
}
