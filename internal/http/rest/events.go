package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xtreamdl/media_downloader/internal/downloader/progress"
	"github.com/xtreamdl/media_downloader/internal/logctx"
)

// Subscriber hands out progress event streams.
type Subscriber interface {
	Subscribe() (<-chan progress.Event, func())
}

// EventsHandler streams download progress as server-sent events. Heartbeats
// keep idle connections alive so clients can tell a quiet stream from a dead
// one.
type EventsHandler struct {
	subscriber Subscriber
}

func NewEventsHandler(subscriber Subscriber) *EventsHandler {
	return &EventsHandler{subscriber: subscriber}
}

func (h *EventsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.Stream)

	return r
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	// The server-wide write timeout would sever the stream; lift it for this
	// connection only.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.subscriber.Subscribe()
	defer cancel()

	logger.Debug("progress stream opened")

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("progress stream closed by client")

			return
		case e, open := <-events:
			if !open {
				logger.Debug("progress stream closed by broadcaster")

				return
			}

			if err := writeEvent(w, e); err != nil {
				logger.Debug("progress stream write failed", "err", err)

				return
			}

			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e progress.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte("event: " + e.Type + "\n")); err != nil {
		return err
	}

	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		return err
	}

	_, err = w.Write([]byte("\n\n"))

	return err
}
