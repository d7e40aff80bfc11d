// Package health reports catalog freshness, cart counts, and the next
// scheduled refresh for the /health endpoint.
package health

import (
	"fmt"
	"math"
	"time"

	"github.com/panelyt/panelyt-api/interfaces"
)

// SessionCounter reports how many cart sessions are live.
type SessionCounter interface {
	Len() int
}

// HealthCheckerImpl grades the catalog store for the /health endpoint.
type HealthCheckerImpl struct {
	store    interfaces.CatalogStore
	sessions SessionCounter
}

// NewHealthChecker creates a new health checker with injected dependencies.
// sessions may be nil when no cart registry is attached.
func NewHealthChecker(store interfaces.CatalogStore, sessions SessionCounter) interfaces.HealthChecker {
	return &HealthCheckerImpl{
		store:    store,
		sessions: sessions,
	}
}

// HealthCheck returns the current catalog and cart health. The error return
// is non-nil only for the unhealthy states, carrying the dominant reason.
func (h *HealthCheckerImpl) HealthCheck() (string, map[string]any, error) {
	entries := h.store.GetEntries()
	lastUpdate := h.store.GetLastUpdated()
	isUpdating := h.store.IsUpdating()

	catalogAge := time.Since(lastUpdate)

	var status string
	var err error

	// The catalog refreshes twice a day, so anything older than two missed
	// cycles is stale enough to stop serving.
	switch {
	case len(entries) == 0:
		status = "unhealthy"
		err = fmt.Errorf("catalog is empty")

	case catalogAge > 48*time.Hour:
		status = "unhealthy"
		err = fmt.Errorf("catalog is %.1f hours old", catalogAge.Hours())

	case catalogAge > 24*time.Hour:
		status = "degraded"

	case isUpdating && catalogAge > 6*time.Hour:
		status = "degraded"

	default:
		status = "healthy"
	}

	details := map[string]any{
		"last_update":       lastUpdate.Format(time.RFC3339),
		"catalog_age_hours": math.Round(catalogAge.Hours()*10) / 10,
		"entries":           len(entries),
		"is_updating":       isUpdating,
	}
	if h.sessions != nil {
		details["active_carts"] = h.sessions.Len()
	}

	return status, details, err
}

// CalculateNextUpdate reports when the twice-daily catalog refresh fires
// next. The schedule is fixed at 06:00 and 18:00 local time.
func (h *HealthCheckerImpl) CalculateNextUpdate() time.Time {
	now := time.Now()
	y, m, d := now.Date()
	morning := time.Date(y, m, d, 6, 0, 0, 0, now.Location())
	evening := time.Date(y, m, d, 18, 0, 0, 0, now.Location())

	switch {
	case now.Before(morning):
		return morning
	case now.Before(evening):
		return evening
	default:
		return morning.AddDate(0, 0, 1)
	}
}
