package download

import (
	"strings"
	"time"
)

// TotalUnknown is the total_bytes value used before the source has been
// probed, or when the server never reports a content length.
const TotalUnknown int64 = -1

// Status is the lifecycle state of a download.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus returns the Status matching the given string, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(s)) {
	case StatusQueued, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(strings.ToLower(s)), true
	}

	return "", false
}

// ContentType is the catalog content kind a download originates from.
type ContentType string

const (
	ContentLive   ContentType = "live"
	ContentVod    ContentType = "vod"
	ContentSeries ContentType = "series"
)

// ChunkState is the per-chunk fetch state.
type ChunkState string

const (
	ChunkPending ChunkState = "pending"
	ChunkActive  ChunkState = "active"
	ChunkDone    ChunkState = "done"
	ChunkFailed  ChunkState = "failed"
)

// Chunk is one contiguous byte range of the resource, fetched and written
// independently. Ranges are end-exclusive: the chunk covers [Start, End).
type Chunk struct {
	Index   int
	Start   int64
	End     int64
	Written int64
	State   ChunkState
}

// Size returns the number of bytes the chunk covers.
func (c *Chunk) Size() int64 {
	return c.End - c.Start
}

// Remaining returns the number of bytes still to fetch for the chunk.
func (c *Chunk) Remaining() int64 {
	return c.Size() - c.Written
}

// Download is one unit of work tracked by the engine and persisted by the
// download repository. Mutable counters are owned exclusively by the
// coordinator while the download is active.
type Download struct {
	ID          string
	ContentType ContentType
	StreamID    string
	Title       string
	SourceURL   string
	FilePath    string

	Status          Status
	ProgressPct     float64
	SpeedBPS        int64
	TotalBytes      int64
	DownloadedBytes int64
	Chunks          int
	ErrorMessage    string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Snapshot is the compact progress message pushed to subscribers.
// Status is set only when the download transitioned state; an empty status
// means "still downloading, progress only".
type Snapshot struct {
	DownloadID      string  `json:"download_id"`
	ProgressPct     float64 `json:"progress_pct"`
	SpeedBPS        int64   `json:"speed_bps"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Status          string  `json:"status,omitempty"`
}

// Snapshot builds a progress snapshot from the download's current counters.
// withStatus controls whether the status field is carried.
func (d *Download) Snapshot(withStatus bool) Snapshot {
	s := Snapshot{
		DownloadID:      d.ID,
		ProgressPct:     d.ProgressPct,
		SpeedBPS:        d.SpeedBPS,
		DownloadedBytes: d.DownloadedBytes,
		TotalBytes:      d.TotalBytes,
	}

	if withStatus {
		s.Status = string(d.Status)
	}

	return s
}

// Progress returns the completion percentage for the given counters, or 0
// when the total is unknown.
func Progress(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return float64(downloaded) * 100 / float64(total)
}
