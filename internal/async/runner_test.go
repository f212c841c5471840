package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunner_RunsAndRecovers(t *testing.T) {
	r := NewRunner(4, time.Second, zap.NewNop())
	var n int32

	assert.True(t, r.Go("ok", func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		return nil
	}))
	assert.True(t, r.Go("fails", func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		return errors.New("boom")
	}))
	assert.True(t, r.Go("panics", func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		panic("boom")
	}))
	r.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&n))

	// panic 之后依旧可以提交
	assert.True(t, r.Go("after", func(ctx context.Context) error { return nil }))
	r.Wait()
}

func TestRunner_DropsWhenFull(t *testing.T) {
	r := NewRunner(1, time.Second, zap.NewNop())
	release := make(chan struct{})

	require.True(t, r.Go("blocker", func(ctx context.Context) error {
		<-release
		return nil
	}))
	assert.False(t, r.Go("dropped", func(ctx context.Context) error { return nil }))

	close(release)
	r.Wait()
	assert.True(t, r.Go("again", func(ctx context.Context) error { return nil }))
	r.Wait()
}

func TestRunner_TaskContextHasTimeout(t *testing.T) {
	r := NewRunner(1, 20*time.Millisecond, zap.NewNop())
	var expired int32

	r.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		atomic.StoreInt32(&expired, 1)
		return ctx.Err()
	})
	r.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&expired))
}

func TestRunner_CloseRejectsNewTasks(t *testing.T) {
	r := NewRunner(2, time.Second, zap.NewNop())
	var ran int32
	r.Go("a", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.False(t, r.Go("late", func(ctx context.Context) error { return nil }))
}
