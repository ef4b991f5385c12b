package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/universe"
	"github.com/price-cache/pkg/models"
)

// UniverseService is the slice of the universe manager the API exposes.
type UniverseService interface {
	Entries(ctx context.Context) ([]models.UniverseEntry, *models.UniverseListMetadata, error)
	Refresh(ctx context.Context, force bool) (*universe.RefreshResult, error)
}

// UniverseHandler handles symbol universe API requests.
type UniverseHandler struct {
	universe UniverseService
	logger   *logrus.Entry
}

// NewUniverseHandler creates a new universe handler.
func NewUniverseHandler(universeSvc UniverseService, logger *logrus.Logger) *UniverseHandler {
	return &UniverseHandler{
		universe: universeSvc,
		logger:   logger.WithField("component", "universe-api"),
	}
}

// RegisterRoutes registers universe API routes.
func (h *UniverseHandler) RegisterRoutes(router *mux.Router) {
	uni := router.PathPrefix("/api/v1/universe").Subrouter()
	uni.HandleFunc("", h.GetUniverse).Methods("GET")
	uni.HandleFunc("/refresh", h.RefreshUniverse).Methods("POST")
}

// GetUniverse handles GET /api/v1/universe
func (h *UniverseHandler) GetUniverse(w http.ResponseWriter, r *http.Request) {
	entries, meta, err := h.universe.Entries(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get universe constituents")
		writeError(w, http.StatusInternalServerError, "failed to get universe constituents")
		return
	}

	response := map[string]interface{}{
		"count":        len(entries),
		"constituents": entries,
	}
	if meta != nil {
		response["refreshed_at"] = meta.RefreshedAt
		response["source"] = meta.Source
	}

	writeJSON(w, http.StatusOK, response)
}

// RefreshUniverse handles POST /api/v1/universe/refresh?force=
func (h *UniverseHandler) RefreshUniverse(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	result, err := h.universe.Refresh(r.Context(), force)
	if err != nil {
		h.logger.WithError(err).Error("Universe refresh failed")
		writeError(w, http.StatusBadGateway, "universe refresh failed")
		return
	}

	if result.Skipped {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "skipped",
			"reason": "constituent list is still fresh",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "refreshed",
		"ticker_count": result.TickerCount,
		"added":        result.Added,
		"removed":      result.Removed,
	})
}
