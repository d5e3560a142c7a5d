package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xtreamdl/media_downloader/internal/logctx"
	"github.com/xtreamdl/media_downloader/internal/storage"
)

// SettingsHandler serves the runtime engine settings. Changes are persisted
// and applied to the engine immediately: the admission limit and speed limit
// take effect right away, the chunk count on the next plan.
type SettingsHandler struct {
	engine Engine
	repo   storage.SettingsRepository
}

func NewSettingsHandler(engine Engine, repo storage.SettingsRepository) *SettingsHandler {
	return &SettingsHandler{engine: engine, repo: repo}
}

func (h *SettingsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.Get)
	r.Put("/", h.Update)

	return r
}

type settingsPayload struct {
	MaxConcurrentDownloads int   `json:"max_concurrent_downloads"`
	DownloadChunks         int   `json:"download_chunks"`
	SpeedLimitBPS          int64 `json:"speed_limit_bps"`
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Settings()

	writeJSON(w, http.StatusOK, settingsPayload{
		MaxConcurrentDownloads: s.MaxConcurrentDownloads,
		DownloadChunks:         s.DownloadChunks,
		SpeedLimitBPS:          s.SpeedLimitBPS,
	})
}

func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var p settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if p.MaxConcurrentDownloads < 1 || p.DownloadChunks < 1 || p.SpeedLimitBPS < 0 {
		http.Error(w, "settings out of range", http.StatusBadRequest)

		return
	}

	s := storage.Settings{
		MaxConcurrentDownloads: p.MaxConcurrentDownloads,
		DownloadChunks:         p.DownloadChunks,
		SpeedLimitBPS:          p.SpeedLimitBPS,
	}

	if err := h.repo.SaveSettings(r.Context(), &s); err != nil {
		logger.Error("failed to persist settings", "err", err)
		http.Error(w, "failed to persist settings", http.StatusInternalServerError)

		return
	}

	h.engine.ApplySettings(s)

	logger.Info("settings updated",
		"max_concurrent_downloads", s.MaxConcurrentDownloads,
		"download_chunks", s.DownloadChunks,
		"speed_limit_bps", s.SpeedLimitBPS,
	)

	writeJSON(w, http.StatusOK, p)
}
