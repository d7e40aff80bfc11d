// Package handlers holds the stateless HTTP handlers: catalog search and
// lookup, the one-shot price comparison, the health endpoint, and the JSON
// response helpers shared by the cart handlers.
package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/comparison"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/pricing"
)

// Slugs are derived lowercase, so the URL form never needs normalization
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// RespondWithJSON marshals payload and writes it under the shared headers.
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Response marshal failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(code)
	w.Write(data)
}

// RespondWithError writes a JSON error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]any{
		"error":   http.StatusText(code),
		"message": message,
		"code":    code,
	})
}

// formatUptimeHuman renders a duration as "1d 2h 3m 4s", dropping the
// leading units that are zero.
func formatUptimeHuman(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, strconv.Itoa(days)+"d")
	}
	if hours > 0 || days > 0 {
		parts = append(parts, strconv.Itoa(hours)+"h")
	}
	if minutes > 0 || hours > 0 || days > 0 {
		parts = append(parts, strconv.Itoa(minutes)+"m")
	}
	parts = append(parts, strconv.Itoa(seconds)+"s")

	return strings.Join(parts, " ")
}

// SearchBiomarkers searches the catalog by name or code prefix
func SearchBiomarkers(store interfaces.CatalogStore, validator interfaces.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		term := chi.URLParam(r, "term")
		if term == "" {
			RespondWithError(w, http.StatusBadRequest, "Missing search term")
			return
		}

		if err := validator.ValidateSearchTerm(term); err != nil {
			logging.Warn("Unusual user input", "term", term)
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		results := store.Search(term)
		if results == nil {
			results = []biomarkers.CatalogEntry{}
		}

		// No matches is still a 200 with an empty array
		RespondWithJSON(w, http.StatusOK, results)
	}
}

// GetBiomarkerByCode finds a catalog entry by biomarker code
func GetBiomarkerByCode(store interfaces.CatalogStore, validator interfaces.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if code == "" {
			RespondWithError(w, http.StatusBadRequest, "Missing biomarker code")
			return
		}

		if err := validator.ValidateBiomarkerCode(code); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		entry, exists := store.GetByCode()[biomarkers.Normalize(code)]
		if !exists {
			RespondWithError(w, http.StatusNotFound, "Biomarker not found")
			return
		}

		RespondWithJSON(w, http.StatusOK, entry)
	}
}

// GetBiomarkerBySlug finds a catalog entry by its URL slug
func GetBiomarkerBySlug(store interfaces.CatalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")
		if slug == "" || len(slug) > 100 || !slugRegex.MatchString(slug) {
			RespondWithError(w, http.StatusBadRequest, "Invalid slug")
			return
		}

		entry, exists := store.GetBySlug()[slug]
		if !exists {
			RespondWithError(w, http.StatusNotFound, "Biomarker not found")
			return
		}

		RespondWithJSON(w, http.StatusOK, entry)
	}
}

// CompareSelection prices a code list across labs without a cart session.
// The list arrives as ?biomarkers=ALT,AST with an optional ?context=
// override of the configured pricing context.
func CompareSelection(api interfaces.PricingAPI, labs *pricing.Registry, validator interfaces.Validator, defaultContext string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codes := biomarkers.SplitList(r.URL.Query().Get("biomarkers"))
		if len(codes) == 0 {
			RespondWithError(w, http.StatusBadRequest, "Missing biomarkers parameter")
			return
		}

		if err := validator.ValidateCodes(codes); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		pricingCtx := defaultContext
		if override := r.URL.Query().Get("context"); override != "" {
			if err := validator.ValidatePricingContext(override); err != nil {
				RespondWithError(w, http.StatusBadRequest, err.Error())
				return
			}
			pricingCtx = override
		}

		quote, err := api.PriceComparison(r.Context(), codes, pricingCtx)
		if err != nil {
			logging.Warn("One-shot comparison failed", "error", err, "codes", len(codes))
			RespondWithError(w, http.StatusBadGateway, "Pricing service unavailable")
			return
		}

		RespondWithJSON(w, http.StatusOK, comparison.FromQuote(quote, codes, labs))
	}
}

// HealthResponse pins the field order of the /health JSON body.
type HealthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	UptimeHuman   string         `json:"uptime_human"`
	Data          map[string]any `json:"data"`
	System        map[string]any `json:"system"`
}

// HealthCheck reports catalog freshness, uptime and process stats.
func HealthCheck(checker interfaces.HealthChecker, store interfaces.CatalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		status, details, err := checker.HealthCheck()
		if err != nil {
			logging.Warn("Health check reported unhealthy state", "error", err)
		}
		details["next_update"] = checker.CalculateNextUpdate().Format(time.RFC3339)

		var uptime time.Duration
		if start := store.GetServerStartTime(); !start.IsZero() {
			uptime = time.Since(start)
		}

		// Degraded still serves traffic; only unhealthy flips the status code
		httpStatus := http.StatusOK
		if status == "unhealthy" {
			httpStatus = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:        status,
			UptimeSeconds: uptime.Seconds(),
			UptimeHuman:   formatUptimeHuman(uptime),
			Data:          details,
			System: map[string]any{
				"goroutines": runtime.NumGoroutine(),
				"memory": map[string]any{
					"alloc_mb":       int(m.Alloc >> 20),
					"total_alloc_mb": int(m.TotalAlloc >> 20),
					"sys_mb":         int(m.Sys >> 20),
					"num_gc":         m.NumGC,
				},
			},
		}

		RespondWithJSON(w, httpStatus, response)
	}
}
