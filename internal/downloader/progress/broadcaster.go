package progress

import (
	"context"
	"sync"
	"time"

	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
)

const (
	// EventProgress carries a download snapshot.
	EventProgress = "progress"
	// EventHeartbeat lets subscribers detect a dead channel during idle
	// periods.
	EventHeartbeat = "heartbeat"

	subscriberBuffer = 64
)

// Event is one message on the progress stream.
type Event struct {
	Type string `json:"type"`
	download.Snapshot
}

// Sampler exposes the progress of every currently active download.
type Sampler interface {
	ActiveSnapshots() []download.Snapshot
}

// Broadcaster samples active coordinators at a fixed interval and pushes
// compact snapshots to subscribers. Emission rate is decoupled from the
// byte-level event rate: a snapshot goes out only when a download changed
// since the last sample. Terminal transitions are published immediately via
// Publish, bypassing the tick.
type Broadcaster struct {
	sampler           Sampler
	sampleInterval    time.Duration
	heartbeatInterval time.Duration

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	last   map[string]download.Snapshot
}

// NewBroadcaster creates a broadcaster over the given sampler. Zero
// intervals default to 1s sampling and 30s heartbeats.
func NewBroadcaster(sampler Sampler, sampleInterval, heartbeatInterval time.Duration) *Broadcaster {
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}

	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	return &Broadcaster{
		sampler:           sampler,
		sampleInterval:    sampleInterval,
		heartbeatInterval: heartbeatInterval,
		subs:              make(map[int]chan Event),
		last:              make(map[string]download.Snapshot),
	}
}

// Subscribe registers a new progress consumer. The returned cancel func must
// be called to release the subscription. Slow consumers lose events rather
// than blocking the engine.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish pushes a snapshot to all subscribers immediately. Used for status
// transitions so subscribers can react without waiting for the next tick.
// A terminal snapshot also retires the download from the change tracker: no
// further progress events are emitted for it.
func (b *Broadcaster) Publish(snapshot download.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := download.ParseStatus(snapshot.Status); ok && s.Terminal() {
		delete(b.last, snapshot.DownloadID)
	} else {
		b.last[snapshot.DownloadID] = snapshot
	}

	b.sendLocked(Event{Type: EventProgress, Snapshot: snapshot})
}

// Run drives sampling and heartbeats until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	sample := time.NewTicker(b.sampleInterval)
	defer sample.Stop()

	heartbeat := time.NewTicker(b.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("progress broadcaster shutting down")
			b.closeAll()

			return
		case <-sample.C:
			b.sampleOnce()
		case <-heartbeat.C:
			b.mu.Lock()
			b.sendLocked(Event{Type: EventHeartbeat})
			b.mu.Unlock()
		}
	}
}

func (b *Broadcaster) sampleOnce() {
	snapshots := b.sampler.ActiveSnapshots()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range snapshots {
		if prev, ok := b.last[s.DownloadID]; ok && prev == s {
			continue
		}

		b.last[s.DownloadID] = s
		b.sendLocked(Event{Type: EventProgress, Snapshot: s})
	}
}

func (b *Broadcaster) sendLocked(e Event) {
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
