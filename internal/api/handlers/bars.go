package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/upstream"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// BarReader is the slice of the cache manager the bars API serves from.
type BarReader interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) ([]models.Bar, error)
	GetCacheStatus(ctx context.Context, symbol string) (*models.SymbolMetadata, error)
	InvalidateTicker(ctx context.Context, symbol string) (int64, error)
}

// BarsHandler handles daily bar API requests.
type BarsHandler struct {
	bars   BarReader
	cfg    *config.Config
	logger *logrus.Entry
}

// NewBarsHandler creates a new bars handler.
func NewBarsHandler(bars BarReader, cfg *config.Config, logger *logrus.Logger) *BarsHandler {
	return &BarsHandler{
		bars:   bars,
		cfg:    cfg,
		logger: logger.WithField("component", "bars-api"),
	}
}

// RegisterRoutes registers bar and cache-control API routes.
func (h *BarsHandler) RegisterRoutes(router *mux.Router) {
	bars := router.PathPrefix("/api/v1/bars").Subrouter()
	bars.HandleFunc("/{symbol}", h.GetBars).Methods("GET")

	cache := router.PathPrefix("/api/v1/cache").Subrouter()
	cache.HandleFunc("/status/{symbol}", h.GetStatus).Methods("GET")
	cache.HandleFunc("/{symbol}", h.InvalidateSymbol).Methods("DELETE")
}

// GetBars handles GET /api/v1/bars/{symbol}?start=&end=&force_refresh=
func (h *BarsHandler) GetBars(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := strings.ToUpper(strings.TrimSpace(vars["symbol"]))

	query := r.URL.Query()
	start, err := parseDate(query.Get("start"), h.cfg.HistoricalStart())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start date, expected YYYY-MM-DD")
		return
	}
	end, err := parseDate(query.Get("end"), models.Day(time.Now().UTC()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end date, expected YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end date must not be before start date")
		return
	}
	forceRefresh := query.Get("force_refresh") == "true"

	bars, err := h.bars.GetBars(r.Context(), symbol, start, end, forceRefresh)
	if err != nil {
		if upstream.IsRateLimited(err) {
			writeError(w, http.StatusTooManyRequests, "upstream rate limited, try again later")
			return
		}
		h.logger.WithError(err).WithField("symbol", symbol).Error("Failed to get bars")
		writeError(w, http.StatusInternalServerError, "failed to get bars")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"start":     start.Format(dateLayout),
		"end":       end.Format(dateLayout),
		"bar_count": len(bars),
		"bars":      bars,
	})
}

// GetStatus handles GET /api/v1/cache/status/{symbol}
func (h *BarsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := strings.ToUpper(strings.TrimSpace(vars["symbol"]))

	meta, err := h.bars.GetCacheStatus(r.Context(), symbol)
	if err != nil {
		h.logger.WithError(err).WithField("symbol", symbol).Error("Failed to get cache status")
		writeError(w, http.StatusInternalServerError, "failed to get cache status")
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, "no cached data for "+symbol)
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

// InvalidateSymbol handles DELETE /api/v1/cache/{symbol}
func (h *BarsHandler) InvalidateSymbol(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := strings.ToUpper(strings.TrimSpace(vars["symbol"]))

	removed, err := h.bars.InvalidateTicker(r.Context(), symbol)
	if err != nil {
		h.logger.WithError(err).WithField("symbol", symbol).Error("Failed to invalidate symbol")
		writeError(w, http.StatusInternalServerError, "failed to invalidate symbol")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"symbol":  symbol,
		"removed": removed,
	}).Info("Symbol cache invalidated")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"removed": removed,
	})
}
