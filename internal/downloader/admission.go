package downloader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/xtreamdl/media_downloader/internal/download"
)

// ErrAlreadyAdmitted is returned when a second coordinator tries to run for
// a download id that already holds a slot or is waiting for one.
var ErrAlreadyAdmitted = errors.New("download already admitted or queued")

type admissionWaiter struct {
	id          string
	coordinator *Coordinator
	queuedAt    time.Time
	ready       chan struct{}
}

// Admission bounds the number of downloads running concurrently. Waiters are
// admitted FIFO by queue time, ties broken by id. It also owns the registry
// of active coordinators, so "who is running right now" has exactly one
// answer in the process.
type Admission struct {
	mu     sync.Mutex
	limit  int
	active map[string]*Coordinator
	queue  []*admissionWaiter
}

// NewAdmission creates an admission controller with the given slot count.
func NewAdmission(limit int) *Admission {
	if limit < 1 {
		limit = 1
	}

	return &Admission{
		limit:  limit,
		active: make(map[string]*Coordinator),
	}
}

// Acquire blocks until the download is granted a slot or the context is
// cancelled. On success the coordinator is registered as the single active
// coordinator for the id.
func (a *Admission) Acquire(ctx context.Context, id string, c *Coordinator) error {
	a.mu.Lock()

	if _, ok := a.active[id]; ok {
		a.mu.Unlock()

		return ErrAlreadyAdmitted
	}

	for _, w := range a.queue {
		if w.id == id {
			a.mu.Unlock()

			return ErrAlreadyAdmitted
		}
	}

	if len(a.active) < a.limit && len(a.queue) == 0 {
		a.active[id] = c
		a.mu.Unlock()

		return nil
	}

	w := &admissionWaiter{
		id:          id,
		coordinator: c,
		queuedAt:    time.Now(),
		ready:       make(chan struct{}),
	}
	a.enqueueLocked(w)
	a.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		defer a.mu.Unlock()

		select {
		case <-w.ready:
			// Admitted between cancellation and locking: hand the slot back.
			delete(a.active, id)
			a.promoteLocked()
		default:
			a.removeWaiterLocked(id)
		}

		return ctx.Err()
	}
}

// Release frees the slot held by id, exactly once, and promotes the next
// queued waiter if any.
func (a *Admission) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[id]; !ok {
		return
	}

	delete(a.active, id)
	a.promoteLocked()
}

// SetLimit changes the concurrency limit at runtime. Raising it promotes
// queued waiters immediately; lowering it only affects future admissions,
// already-running downloads keep their slots.
func (a *Admission) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.limit = limit
	a.promoteLocked()
}

// Limit returns the configured concurrency limit.
func (a *Admission) Limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.limit
}

// Get returns the active coordinator for a download id, if any.
func (a *Admission) Get(id string) (*Coordinator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.active[id]

	return c, ok
}

// ActiveCount returns how many downloads currently hold a slot.
func (a *Admission) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.active)
}

// QueuedCount returns how many downloads are waiting for a slot.
func (a *Admission) QueuedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.queue)
}

// ActiveSnapshots samples every active coordinator. Used by the progress
// broadcaster at its tick rate.
func (a *Admission) ActiveSnapshots() []download.Snapshot {
	a.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(a.active))

	for _, c := range a.active {
		coordinators = append(coordinators, c)
	}
	a.mu.Unlock()

	snapshots := make([]download.Snapshot, 0, len(coordinators))
	for _, c := range coordinators {
		snapshots = append(snapshots, c.Snapshot(false))
	}

	return snapshots
}

func (a *Admission) enqueueLocked(w *admissionWaiter) {
	a.queue = append(a.queue, w)

	sort.SliceStable(a.queue, func(i, j int) bool {
		if a.queue[i].queuedAt.Equal(a.queue[j].queuedAt) {
			return a.queue[i].id < a.queue[j].id
		}

		return a.queue[i].queuedAt.Before(a.queue[j].queuedAt)
	})
}

func (a *Admission) promoteLocked() {
	for len(a.queue) > 0 && len(a.active) < a.limit {
		w := a.queue[0]
		a.queue = a.queue[1:]
		a.active[w.id] = w.coordinator
		close(w.ready)
	}
}

func (a *Admission) removeWaiterLocked(id string) {
	for i, w := range a.queue {
		if w.id == id {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)

			return
		}
	}
}
