package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-band/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisQueue(t *testing.T, client *redis.Client, store *repository.MemoryStore, c *clock) *RedisQueue {
	t.Helper()
	cfg := testQueueConfig()
	cfg.Backend = "redis"
	q, err := NewRedisQueue(context.Background(), client, cfg, store, zap.NewNop())
	require.NoError(t, err)
	q.SetClock(c.Now)
	return q
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisQueue_EnqueueDedupAndAck(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	q := newRedisQueue(t, client, nil, newClock())

	ok, err := q.Enqueue(ctx, "k-1", []byte(`{"device_id":"dev-1"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Enqueue(ctx, "k-1", []byte(`{"device_id":"dev-1"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k-1", got[0].Key)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, `{"device_id":"dev-1"}`, string(got[0].Payload))

	require.NoError(t, q.Ack(ctx, got[0]))
	pending, err := client.XPending(ctx, "band:test", "g").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisQueue_RetryAndPark(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	store := repository.NewMemoryStore()
	c := newClock()
	q := newRedisQueue(t, client, store, c)
	cause := errors.New("postgres unavailable")

	_, err := q.Enqueue(ctx, "k-1", []byte(`{}`))
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	for attempt := 1; attempt < 3; attempt++ {
		parked, err := q.Retry(ctx, got[0], cause)
		require.NoError(t, err)
		assert.False(t, parked)

		none, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Empty(t, none, "retry must wait for backoff")

		c.Advance(Backoff(attempt, time.Second, 30*time.Second))
		got, err = q.Dequeue(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, attempt+1, got[0].Attempts)
	}

	parked, err := q.Retry(ctx, got[0], cause)
	require.NoError(t, err)
	assert.True(t, parked)

	dlq, err := client.XRange(ctx, "band:test:dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "k-1", dlq[0].Values["key"])
	assert.Equal(t, "3", dlq[0].Values["attempts"])
	assert.Equal(t, "postgres unavailable", dlq[0].Values["error"])

	dls, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].Attempts)

	pending, err := client.XPending(ctx, "band:test", "g").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisQueue_RecoversPendingAfterRestart(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	c := newClock()

	q1 := newRedisQueue(t, client, nil, c)
	_, err := q1.Enqueue(ctx, "k-1", []byte(`{}`))
	require.NoError(t, err)
	got, err := q1.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	// 未 Ack 即"崩溃"

	q2 := newRedisQueue(t, client, nil, c)
	again, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].ID, again[0].ID)
	require.NoError(t, q2.Ack(ctx, again[0]))

	none, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisQueue_PendingRecoverySplitsAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	c := newClock()

	q1 := newRedisQueue(t, client, nil, c)
	for _, k := range []string{"k-1", "k-2", "k-3", "k-4", "k-5", "k-6"} {
		_, err := q1.Enqueue(ctx, k, []byte(`{}`))
		require.NoError(t, err)
	}
	got, err := q1.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 6)
	// 未 Ack 即"崩溃"

	cfg := testQueueConfig()
	cfg.Backend = "redis"
	cfg.BatchSize = 2
	q2, err := NewRedisQueue(ctx, client, cfg, nil, zap.NewNop())
	require.NoError(t, err)

	const workers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counts  = map[string]int{}
		callErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := q2.Dequeue(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				callErr = err
				return
			}
			for _, m := range d {
				counts[m.ID]++
			}
		}()
	}
	wg.Wait()
	require.NoError(t, callErr)

	// 每条未确认消息只交给一个 worker
	require.Len(t, counts, 6)
	for id, n := range counts {
		assert.Equal(t, 1, n, id)
	}

	// 恢复完成后不会再次读出仍未确认的消息
	none, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}
