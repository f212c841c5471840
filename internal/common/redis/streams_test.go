package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStreams_PublishReadAck(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, CreateConsumerGroup(ctx, client, "band:events", "workers"))
	// 重复创建不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "band:events", "workers"))

	id, err := PublishToStream(ctx, client, "band:events", map[string]interface{}{
		"key":      "k-1",
		"attempts": 2,
		"payload":  []byte(`{"a":1}`),
		"final":    true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := ReadFromStream(ctx, client, "band:events", "workers", "c-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "k-1", msgs[0].Field("key"))
	assert.Equal(t, 2, msgs[0].IntField("attempts", 0))
	assert.Equal(t, `{"a":1}`, msgs[0].Field("payload"))
	assert.Equal(t, "true", msgs[0].Field("final"))
	assert.Equal(t, "", msgs[0].Field("missing"))

	require.NoError(t, AckMessage(ctx, client, "band:events", "workers", msgs[0].ID))
	pending, err := client.XPending(ctx, "band:events", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestReadFromStream_Empty(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	require.NoError(t, CreateConsumerGroup(ctx, client, "s", "g"))

	msgs, err := ReadFromStream(ctx, client, "s", "g", "c", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReadPendingFromStream_RecoversUnacked(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	require.NoError(t, CreateConsumerGroup(ctx, client, "s", "g"))

	_, err := PublishToStream(ctx, client, "s", map[string]interface{}{"key": "k-1"})
	require.NoError(t, err)
	msgs, err := ReadFromStream(ctx, client, "s", "g", "c", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// 未确认：重启后仍可读到
	pending, err := ReadPendingFromStream(ctx, client, "s", "g", "c", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "k-1", pending[0].Field("key"))

	require.NoError(t, AckMessage(ctx, client, "s", "g", pending[0].ID))
	pending, err = ReadPendingFromStream(ctx, client, "s", "g", "c", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
