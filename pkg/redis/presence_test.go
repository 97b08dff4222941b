package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真实 Redis：REDIS_ADDR=localhost:6379 go test ./pkg/redis/...
func useTestRedis(t *testing.T) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, c.Ping(context.Background()).Err())
	UseClient(c)
	t.Cleanup(func() {
		_ = c.Close()
		UseClient(nil)
	})
}

func TestPresenceLifecycle(t *testing.T) {
	useTestRedis(t)
	ctx := context.Background()
	ws := "test-" + uuid.NewString()
	p := Presence{Instance: "i-1"}

	require.NoError(t, p.SetOnline(ctx, ws, "alice"))
	online, err := IsUserOnline(ctx, ws, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	data, err := GetUserPresence(ctx, ws, "alice")
	require.NoError(t, err)
	assert.Equal(t, "i-1", data.Instance)

	users, err := GetOnlineUsers(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	require.NoError(t, p.Refresh(ctx, ws, "alice"))
	require.NoError(t, p.SetOffline(ctx, ws, "alice"))
	users, err = GetOnlineUsers(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Error(t, p.Refresh(ctx, ws, "alice"), "refreshing an offline user fails")
}

func TestRelayRoundTrip(t *testing.T) {
	useTestRedis(t)
	relay := NewRelay("test-relay-" + uuid.NewString())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []byte, 1)
	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx, func(p []byte) {
			select {
			case got <- p:
			default:
			}
		})
	}()

	// 订阅建立前发布的消息会丢失，重复发布直到收到
	require.Eventually(t, func() bool {
		_ = relay.Publish(context.Background(), []byte(`{"event":"x"}`))
		select {
		case p := <-got:
			return string(p) == `{"event":"x"}`
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
