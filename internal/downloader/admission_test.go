package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireAsync(a *Admission, id string) chan error {
	errs := make(chan error, 1)

	go func() {
		errs <- a.Acquire(context.Background(), id, &Coordinator{})
	}()

	return errs
}

func waitAdmitted(t *testing.T, a *Admission, id string) {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		if _, ok := a.Get(id); ok {
			return
		}

		select {
		case <-deadline:
			t.Fatalf("download %s was never admitted", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAdmission_ImmediateUnderLimit(t *testing.T) {
	a := NewAdmission(2)

	require.NoError(t, a.Acquire(context.Background(), "a", &Coordinator{}))
	require.NoError(t, a.Acquire(context.Background(), "b", &Coordinator{}))

	assert.Equal(t, 2, a.ActiveCount())
	assert.Equal(t, 0, a.QueuedCount())
}

func TestAdmission_DuplicateRejected(t *testing.T) {
	a := NewAdmission(1)

	require.NoError(t, a.Acquire(context.Background(), "a", &Coordinator{}))

	err := a.Acquire(context.Background(), "a", &Coordinator{})
	assert.ErrorIs(t, err, ErrAlreadyAdmitted)
}

func TestAdmission_FIFOOrder(t *testing.T) {
	a := NewAdmission(1)

	require.NoError(t, a.Acquire(context.Background(), "first", &Coordinator{}))

	secondErr := acquireAsync(a, "second")

	// Give the second waiter time to enqueue before the third arrives.
	require.Eventually(t, func() bool { return a.QueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	thirdErr := acquireAsync(a, "third")
	require.Eventually(t, func() bool { return a.QueuedCount() == 2 }, time.Second, 5*time.Millisecond)

	a.Release("first")
	require.NoError(t, <-secondErr)
	waitAdmitted(t, a, "second")

	_, thirdActive := a.Get("third")
	assert.False(t, thirdActive, "third must wait for second to release")

	a.Release("second")
	require.NoError(t, <-thirdErr)
	waitAdmitted(t, a, "third")
}

func TestAdmission_CancelWhileQueued(t *testing.T) {
	a := NewAdmission(1)

	require.NoError(t, a.Acquire(context.Background(), "running", &Coordinator{}))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)

	go func() {
		errs <- a.Acquire(ctx, "waiting", &Coordinator{})
	}()

	require.Eventually(t, func() bool { return a.QueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	err := <-errs
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.QueuedCount())

	// The slot must still be usable by others.
	a.Release("running")
	require.NoError(t, a.Acquire(context.Background(), "next", &Coordinator{}))
}

func TestAdmission_RaisingLimitPromotes(t *testing.T) {
	a := NewAdmission(1)

	require.NoError(t, a.Acquire(context.Background(), "a", &Coordinator{}))

	bErr := acquireAsync(a, "b")
	cErr := acquireAsync(a, "c")

	require.Eventually(t, func() bool { return a.QueuedCount() == 2 }, time.Second, 5*time.Millisecond)

	a.SetLimit(3)

	require.NoError(t, <-bErr)
	require.NoError(t, <-cErr)
	assert.Equal(t, 3, a.ActiveCount())
}

func TestAdmission_LoweringLimitKeepsRunners(t *testing.T) {
	a := NewAdmission(2)

	require.NoError(t, a.Acquire(context.Background(), "a", &Coordinator{}))
	require.NoError(t, a.Acquire(context.Background(), "b", &Coordinator{}))

	a.SetLimit(1)

	// Both keep their slots; only future admissions see the lower limit.
	assert.Equal(t, 2, a.ActiveCount())

	errs := acquireAsync(a, "c")
	require.Eventually(t, func() bool { return a.QueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	a.Release("a")

	_, cActive := a.Get("c")
	assert.False(t, cActive, "c must wait until active count drops below the new limit")

	a.Release("b")
	require.NoError(t, <-errs)
}

func TestAdmission_ReleaseIsIdempotent(t *testing.T) {
	a := NewAdmission(1)

	require.NoError(t, a.Acquire(context.Background(), "a", &Coordinator{}))

	a.Release("a")
	a.Release("a") // second release of the same id must be a no-op

	require.NoError(t, a.Acquire(context.Background(), "b", &Coordinator{}))
	assert.Equal(t, 1, a.ActiveCount())
}
