package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/testutil"
)

func TestConnectRedis(t *testing.T) {
	existing := testutil.Redis(t)
	host, port, err := net.SplitHostPort(existing.Options().Addr)
	require.NoError(t, err)

	client, err := ConnectRedis(context.Background(), config.RedisConfig{Host: host, Port: port, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
}

func TestConnectRedisUnreachable(t *testing.T) {
	_, err := ConnectRedis(context.Background(), config.RedisConfig{Host: "127.0.0.1", Port: "1", Timeout: 200 * time.Millisecond})
	require.Error(t, err)
}
