package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/state"
	"metal-oracle-watcher/internal/watcher"
)

// AdminStore is the state surface the HTTP boundary reads and mutates.
type AdminStore interface {
	Status(ctx context.Context) metals.WatcherStatus
	KillSwitch(ctx context.Context) bool
	SetKillSwitch(ctx context.Context, active bool) error
	Override(ctx context.Context) *state.OverridePrices
	SetOverride(ctx context.Context, prices metals.Prices, aux decimal.Decimal, expiresAt time.Time) error
	ClearOverride(ctx context.Context) error
	LastFetch(ctx context.Context) *state.FetchRecord
	LastUpdate(ctx context.Context) *state.UpdateRecord
	History(ctx context.Context, limit int64) ([]state.Snapshot, error)
}

// TickForcer triggers an immediate out-of-schedule cycle.
type TickForcer interface {
	ForceTick(ctx context.Context) error
}

// Handlers binds the HTTP routes to the watcher state.
type Handlers struct {
	store   AdminStore
	watcher TickForcer
	logger  zerolog.Logger
}

// NewHandlers constructs the route handlers.
func NewHandlers(store AdminStore, tick TickForcer, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:   store,
		watcher: tick,
		logger:  logger.With().Str("component", "http_handlers").Logger(),
	}
}

// Health reports process liveness.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status     metals.WatcherStatus  `json:"status"`
	KillSwitch bool                  `json:"kill_switch"`
	Override   *state.OverridePrices `json:"override,omitempty"`
}

// Status reports the persisted watcher status, kill switch, and any active
// override.
func (h *Handlers) Status(c echo.Context) error {
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, statusResponse{
		Status:     h.store.Status(ctx),
		KillSwitch: h.store.KillSwitch(ctx),
		Override:   h.store.Override(ctx),
	})
}

type pricesResponse struct {
	LastFetch  *state.FetchRecord  `json:"last_fetch"`
	LastUpdate *state.UpdateRecord `json:"last_update"`
}

// Prices reports the most recent fetch and on-chain update records.
func (h *Handlers) Prices(c echo.Context) error {
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, pricesResponse{
		LastFetch:  h.store.LastFetch(ctx),
		LastUpdate: h.store.LastUpdate(ctx),
	})
}

// History returns the newest-first snapshot list, capped by the limit query
// parameter.
func (h *Handlers) History(c echo.Context) error {
	var limit int64
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = parsed
	}

	snapshots, err := h.store.History(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("history read failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":     len(snapshots),
		"snapshots": snapshots,
	})
}

type killSwitchRequest struct {
	Active bool `json:"active"`
}

// SetKillSwitch flips the manual pause flag.
func (h *Handlers) SetKillSwitch(c echo.Context) error {
	var req killSwitchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.store.SetKillSwitch(c.Request().Context(), req.Active); err != nil {
		h.logger.Error().Err(err).Msg("kill switch write failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
	}
	h.logger.Info().Bool("active", req.Active).Msg("kill switch changed via admin api")
	return c.JSON(http.StatusOK, map[string]bool{"kill_switch": req.Active})
}

type overrideRequest struct {
	Prices           metals.Prices   `json:"prices"`
	AuxPrice         decimal.Decimal `json:"aux_price"`
	ExpiresInMinutes int             `json:"expires_in_minutes"`
}

// SetOverride installs operator prices that supersede the fetch chain until
// expiry.
func (h *Handlers) SetOverride(c echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	for _, m := range metals.All {
		if !req.Prices.Get(m).IsPositive() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "every metal price must be positive"})
		}
	}
	if req.ExpiresInMinutes <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "expires_in_minutes must be positive"})
	}

	expiresAt := time.Now().UTC().Add(time.Duration(req.ExpiresInMinutes) * time.Minute)
	if err := h.store.SetOverride(c.Request().Context(), req.Prices, req.AuxPrice, expiresAt); err != nil {
		h.logger.Error().Err(err).Msg("override write failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
	}
	h.logger.Info().Time("expires_at", expiresAt).Msg("price override installed via admin api")
	return c.JSON(http.StatusOK, map[string]interface{}{"expires_at": expiresAt})
}

// ClearOverride removes any active price override.
func (h *Handlers) ClearOverride(c echo.Context) error {
	if err := h.store.ClearOverride(c.Request().Context()); err != nil {
		h.logger.Error().Err(err).Msg("override clear failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
	}
	h.logger.Info().Msg("price override cleared via admin api")
	return c.NoContent(http.StatusNoContent)
}

// ForceUpdate triggers an immediate cycle. A cycle already in flight yields
// 409 rather than queuing.
func (h *Handlers) ForceUpdate(c echo.Context) error {
	if err := h.watcher.ForceTick(c.Request().Context()); err != nil {
		if errors.Is(err, watcher.ErrInFlight) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "a cycle is already in flight"})
		}
		h.logger.Error().Err(err).Msg("forced cycle failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cycle completed"})
}
