package download

import (
	"errors"
	"fmt"
)

// ErrInterruptedByRestart is assigned by the recovery manager to records
// left in a transient state by an unclean shutdown. Coordinator and worker
// state do not survive a process restart, so such records cannot resume.
var ErrInterruptedByRestart = errors.New("download interrupted by restart")

// SourceUnavailableError represents a probe or initial connect failure.
// It fails the download immediately; there is no retry at this layer.
type SourceUnavailableError struct {
	URL        string // Source URL that could not be reached
	StatusCode int    // HTTP status code, if applicable (0 for transport errors)
	Err        error  // Underlying error, if any
}

func (e *SourceUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source unavailable (HTTP %d): %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("source unavailable: %s", e.URL)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// ChunkTransientError represents a network blip mid-transfer (connection
// reset, timeout, 5xx, short body). Workers retry these with backoff; a
// transient error never surfaces past the worker on its own.
type ChunkTransientError struct {
	Index      int    // Chunk index within the download's plan
	StatusCode int    // HTTP status code, if applicable
	Reason     string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *ChunkTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure on chunk %d (HTTP %d): %s", e.Index, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("transient failure on chunk %d: %s", e.Index, e.Reason)
}

func (e *ChunkTransientError) Unwrap() error {
	return e.Err
}

// ChunkExhaustedError is reported when a chunk spends its whole retry
// budget. It fails the whole download: partial success of other chunks does
// not yield a partial file.
type ChunkExhaustedError struct {
	Index    int   // Chunk index within the download's plan
	Attempts int   // Number of attempts made, including the first
	Err      error // Last transient error observed
}

func (e *ChunkExhaustedError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts", e.Index, e.Attempts)
}

func (e *ChunkExhaustedError) Unwrap() error {
	return e.Err
}

// WriteError represents a destination failure (filesystem full, permission
// denied). It is never retried.
type WriteError struct {
	Path string // Destination path that could not be written
	Err  error  // Underlying error, if any
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cannot write destination %s", e.Path)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
