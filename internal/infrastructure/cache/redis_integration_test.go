//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisPlanCache_Integration(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)
	cache := NewRedisPlanCache(client)

	plan, err := cache.Get(ctx, "ul_plan:1")
	require.NoError(t, err)
	assert.Nil(t, plan)

	require.NoError(t, cache.Set(ctx, "ul_plan:1", samplePlan(), time.Minute))
	plan, err = cache.Get(ctx, "ul_plan:1")
	require.NoError(t, err)
	assert.Equal(t, samplePlan(), plan)

	ttl, err := client.TTL(ctx, "ul_plan:1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, cache.Delete(ctx, "ul_plan:1"))
	plan, err = cache.Get(ctx, "ul_plan:1")
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestRedisProcessedEventStore_Integration(t *testing.T) {
	ctx := context.Background()
	store := NewRedisProcessedEventStore(startRedis(t), "")

	isNew, err := store.MarkProcessed(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = store.MarkProcessed(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, isNew)

	seen, err := store.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
