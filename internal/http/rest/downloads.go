package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xtreamdl/media_downloader/internal/catalog"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/downloader"
	"github.com/xtreamdl/media_downloader/internal/logctx"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

// Engine is the download engine surface the REST layer needs.
type Engine interface {
	Enqueue(ctx context.Context, req downloader.EnqueueRequest) (*download.Download, error)
	Pause(id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string, deleteFile bool) error
	GetStatus(ctx context.Context, id string) (download.Snapshot, error)
	ApplySettings(s storage.Settings)
	Settings() storage.Settings
}

// DownloadHandler serves the download management endpoints.
type DownloadHandler struct {
	engine   Engine
	repo     storage.DownloadReadRepository
	resolver catalog.Resolver
}

// NewDownloadHandler creates a new download handler. resolver may be nil; in
// that case every enqueue request must carry an explicit source_url and
// file_path.
func NewDownloadHandler(engine Engine, repo storage.DownloadReadRepository, resolver catalog.Resolver) *DownloadHandler {
	return &DownloadHandler{
		engine:   engine,
		repo:     repo,
		resolver: resolver,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/pause", h.Pause)
	r.Post("/{id}/resume", h.Resume)
	r.Delete("/{id}", h.Delete)

	return r
}

type downloadResponse struct {
	ID              string     `json:"id"`
	ContentType     string     `json:"content_type"`
	StreamID        string     `json:"stream_id"`
	Title           string     `json:"title"`
	SourceURL       string     `json:"source_url"`
	FilePath        string     `json:"file_path"`
	Status          string     `json:"status"`
	ProgressPct     float64    `json:"progress_pct"`
	SpeedBPS        int64      `json:"speed_bps"`
	TotalBytes      int64      `json:"total_bytes"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	Chunks          int        `json:"chunks"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func newDownloadResponse(d *download.Download) downloadResponse {
	return downloadResponse{
		ID:              d.ID,
		ContentType:     string(d.ContentType),
		StreamID:        d.StreamID,
		Title:           d.Title,
		SourceURL:       d.SourceURL,
		FilePath:        d.FilePath,
		Status:          string(d.Status),
		ProgressPct:     d.ProgressPct,
		SpeedBPS:        d.SpeedBPS,
		TotalBytes:      d.TotalBytes,
		DownloadedBytes: d.DownloadedBytes,
		Chunks:          d.Chunks,
		ErrorMessage:    d.ErrorMessage,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		CompletedAt:     d.CompletedAt,
	}
}

// overlay folds a live snapshot over the persisted counters.
func (r *downloadResponse) overlay(s download.Snapshot) {
	r.ProgressPct = s.ProgressPct
	r.SpeedBPS = s.SpeedBPS
	r.DownloadedBytes = s.DownloadedBytes
	r.TotalBytes = s.TotalBytes

	if s.Status != "" {
		r.Status = s.Status
	}
}

type createDownloadRequest struct {
	ContentType string `json:"content_type"`
	StreamID    string `json:"stream_id"`
	Title       string `json:"title"`
	Extension   string `json:"extension"`
	SeriesName  string `json:"series_name"`
	SeasonNum   int    `json:"season_num"`

	// Optional overrides; when both are set the catalog resolver is skipped.
	SourceURL string `json:"source_url"`
	FilePath  string `json:"file_path"`
}

// List returns all downloads, optionally filtered by status and content_type.
func (h *DownloadHandler) List(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	downloads, err := h.repo.GetDownloads(r.Context())
	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)

		return
	}

	statusFilter := r.URL.Query().Get("status")
	typeFilter := r.URL.Query().Get("content_type")

	out := make([]downloadResponse, 0, len(downloads))

	for _, d := range downloads {
		if statusFilter != "" && string(d.Status) != statusFilter {
			continue
		}

		if typeFilter != "" && string(d.ContentType) != typeFilter {
			continue
		}

		out = append(out, newDownloadResponse(&d))
	}

	writeJSON(w, http.StatusOK, out)
}

// Create resolves the content reference and enqueues the download.
func (h *DownloadHandler) Create(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req createDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	contentType, ok := parseContentType(req.ContentType)
	if !ok {
		http.Error(w, "invalid content_type", http.StatusBadRequest)

		return
	}

	sourceURL, filePath := req.SourceURL, req.FilePath

	if sourceURL == "" || filePath == "" {
		if h.resolver == nil {
			http.Error(w, "source_url and file_path are required", http.StatusBadRequest)

			return
		}

		if req.StreamID == "" {
			http.Error(w, "stream_id is required", http.StatusBadRequest)

			return
		}

		resolved, err := h.resolver.Resolve(r.Context(), catalog.Ref{
			ContentType: contentType,
			StreamID:    req.StreamID,
			Title:       req.Title,
			Extension:   req.Extension,
			SeriesName:  req.SeriesName,
			SeasonNum:   req.SeasonNum,
		})
		if err != nil {
			logger.Error("failed to resolve content reference", "stream_id", req.StreamID, "err", err)
			http.Error(w, "failed to resolve content reference", http.StatusBadGateway)

			return
		}

		if sourceURL == "" {
			sourceURL = resolved.SourceURL
		}

		if filePath == "" {
			filePath = resolved.FilePath
		}
	}

	d, err := h.engine.Enqueue(r.Context(), downloader.EnqueueRequest{
		ContentType: contentType,
		StreamID:    req.StreamID,
		Title:       req.Title,
		SourceURL:   sourceURL,
		FilePath:    filePath,
	})
	if err != nil {
		logger.Error("failed to enqueue download", "err", err)
		http.Error(w, "failed to enqueue download", http.StatusInternalServerError)

		return
	}

	logger.Info("download enqueued", "download_id", d.ID, "title", d.Title)

	writeJSON(w, http.StatusCreated, newDownloadResponse(d))
}

// Get returns one download, with live counters when it is active.
func (h *DownloadHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.repo.GetDownload(r.Context(), id)
	if err != nil {
		writeRepoError(w, r, err, "failed to load download")

		return
	}

	resp := newDownloadResponse(d)

	if snap, err := h.engine.GetStatus(r.Context(), id); err == nil {
		resp.overlay(snap)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Pause requests a cooperative pause. The transition is persisted once the
// chunk workers have drained, so the response only acknowledges the request.
func (h *DownloadHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Pause(id); err != nil {
		if errors.Is(err, downloader.ErrNotActive) {
			http.Error(w, "download is not active", http.StatusConflict)

			return
		}

		writeRepoError(w, r, err, "failed to pause download")

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Resume re-admits a paused download.
func (h *DownloadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Resume(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "download not found", http.StatusNotFound)
		case errors.Is(err, downloader.ErrAlreadyAdmitted):
			http.Error(w, "download is already running", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusConflict)
		}

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Delete cancels the download if needed and removes its record.
// ?delete_file=true also removes the data on disk.
func (h *DownloadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleteFile := r.URL.Query().Get("delete_file") == "true"

	if err := h.engine.Delete(r.Context(), id, deleteFile); err != nil {
		writeRepoError(w, r, err, "failed to delete download")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseContentType(s string) (download.ContentType, bool) {
	switch download.ContentType(s) {
	case download.ContentLive, download.ContentVod, download.ContentSeries:
		return download.ContentType(s), true
	}

	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeRepoError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	logctx.LoggerFromContext(r.Context()).Error(msg, "err", err)
	http.Error(w, msg, http.StatusInternalServerError)
}
