package redis

import (
	"context"
	"testing"

	"wisefido-monitor/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_PingAndClose(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.RedisConfig{Addr: mr.Addr(), DB: 2}
	client := NewRedisClient(cfg)
	require.NoError(t, Ping(context.Background(), client))

	// 写入选中的 DB
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	v, err := mr.DB(2).Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, Close(client))
	assert.Error(t, Ping(context.Background(), client))
}

func TestPing_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	defer client.Close()

	mr.Close()
	assert.Error(t, Ping(context.Background(), client))
}

func TestClose_NilClient(t *testing.T) {
	assert.NoError(t, Close(nil))
}
