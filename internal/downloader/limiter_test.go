package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedLimiter_Unlimited(t *testing.T) {
	l := NewSpeedLimiter(0)

	assert.Equal(t, int64(0), l.Limit())

	// Must not block regardless of size.
	done := make(chan struct{})

	go func() {
		_ = l.WaitN(context.Background(), 100*1024*1024)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitN blocked with no limit configured")
	}
}

func TestSpeedLimiter_Limit(t *testing.T) {
	l := NewSpeedLimiter(1024)
	assert.Equal(t, int64(1024), l.Limit())

	l.SetLimit(2048)
	assert.Equal(t, int64(2048), l.Limit())

	l.SetLimit(0)
	assert.Equal(t, int64(0), l.Limit())
}

func TestSpeedLimiter_WaitNLargerThanBurst(t *testing.T) {
	// The burst floor is 64KiB; a request above it must be granted in
	// installments rather than erroring out.
	l := NewSpeedLimiter(50 * 1024 * 1024)

	err := l.WaitN(context.Background(), 2*minBurst+17)
	require.NoError(t, err)
}

func TestSpeedLimiter_WaitNCancelled(t *testing.T) {
	l := NewSpeedLimiter(1) // 1 byte/sec: the second request must wait

	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)

	go func() {
		errs <- l.WaitN(ctx, 2*minBurst)
	}()

	cancel()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitN did not honor context cancellation")
	}
}
