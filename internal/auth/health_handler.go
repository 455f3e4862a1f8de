// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/MGallo-Code/janus/internal/store"
)

// HealthChecker pings one dependency. Satisfied by the stores and the Redis cache.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckHealth handles GET /health -- pings the database and cache, returns per-dependency status.
// Returns 200 when the database is up (cache "disabled" counts as fine), 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	cacheStatus := "disabled"

	if h.DB != nil {
		if err := h.DB.CheckHealth(r.Context()); err != nil {
			logError(r, "database health check failed", "error", err)
			dbStatus, status = "error", "degraded"
		}
	}
	if h.Cache != nil {
		cacheStatus = "ok"
		if err := h.Cache.CheckHealth(r.Context()); err != nil {
			if errors.Is(err, store.ErrCacheDisabled) {
				cacheStatus = "disabled"
			} else {
				logError(r, "cache health check failed", "error", err)
				cacheStatus, status = "error", "degraded"
			}
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status   string `json:"status"`
		Database string `json:"database"`
		Cache    string `json:"cache"`
	}{status, dbStatus, cacheStatus})
}
