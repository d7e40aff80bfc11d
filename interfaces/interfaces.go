// Package interfaces defines core abstractions for the panelyt API
// to improve testability, maintainability, and separation of concerns.
package interfaces

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/panelyt/panelyt-api/biomarkers"
)

// CatalogQualityReport provides a summary of catalog data quality issues
type CatalogQualityReport struct {
	DuplicateCodes  []string
	MissingNames    int // entries lacking a display name
	MissingSlugs    int // entries lacking a slug
	UnpricedEntries int // entries without a list price
	EmptyCategories int
}

// CatalogStore defines the contract for biomarker catalog storage.
// It provides thread-safe access to the catalog snapshot with atomic
// operations for zero-downtime updates.
type CatalogStore interface {
	// Snapshot retrieval methods
	GetEntries() []biomarkers.CatalogEntry
	GetByCode() map[string]biomarkers.CatalogEntry
	GetBySlug() map[string]biomarkers.CatalogEntry
	Search(term string) []biomarkers.CatalogEntry
	GetLastUpdated() time.Time
	IsUpdating() bool
	GetServerStartTime() time.Time

	// Snapshot update methods
	UpdateData(entries []biomarkers.CatalogEntry,
		byCode map[string]biomarkers.CatalogEntry,
		bySlug map[string]biomarkers.CatalogEntry)
	BeginUpdate() bool
	EndUpdate()
}

// CatalogFetcher defines the contract for downloading and parsing the
// published biomarker catalog export.
type CatalogFetcher interface {
	// FetchAll downloads and parses the full catalog, returning the
	// entries plus the lookup maps the store keeps.
	FetchAll(ctx context.Context) ([]biomarkers.CatalogEntry,
		map[string]biomarkers.CatalogEntry,
		map[string]biomarkers.CatalogEntry, error)
}

// PricingAPI defines the contract for the remote pricing service.
// NotFound outcomes are nil records inside successful responses, never
// errors; errors are reserved for transport and payload-shape failures.
type PricingAPI interface {
	// ResolveBiomarkerBatch resolves codes to descriptive records under a
	// pricing context. The returned map is keyed by canonical code; a nil
	// record is a confirmed "not found".
	ResolveBiomarkerBatch(ctx context.Context, codes []string, pricingContext string) (map[string]*biomarkers.Resolution, error)

	// PriceSelection prices a code set under one strategy. provider is
	// only consulted for ModeSingleLab.
	PriceSelection(ctx context.Context, codes []string, mode biomarkers.Mode, provider string, pricingContext string) (*biomarkers.PricedBasket, error)

	// PriceComparison prices a code set across providers in one call.
	PriceComparison(ctx context.Context, codes []string, pricingContext string) (*biomarkers.ComparisonQuote, error)
}

// Resolver defines the contract for the deduplicating, batched code
// resolution cache that sits in front of PricingAPI.
type Resolver interface {
	// Resolve returns records for every requested code, indexable by the
	// original spelling and by canonical form. It only fails on caller
	// cancellation; remote failures degrade to fallback records.
	Resolve(ctx context.Context, codes []string, pricingContext string) (*biomarkers.ResolutionSet, error)
}

// Navigator is the URL surface a sync engine reads and rewrites.
// ReplaceQuery must behave like a history-replacing navigation: engines
// never push new entries.
type Navigator interface {
	Query() url.Values
	ReplaceQuery(url.Values)
}

// Scheduler defines the contract for job scheduling and health monitoring.
// It manages automated catalog refreshes and system health checks.
type Scheduler interface {
	// Lifecycle management
	Start() error
	Stop()
}

// HTTPHandler defines the contract for the cart-facing HTTP handlers.
// It provides a consistent interface for all session endpoints.
type HTTPHandler interface {
	// ServeHTTP implements the http.Handler interface
	ServeHTTP(w http.ResponseWriter, r *http.Request)

	// Cart lifecycle
	CreateCart(w http.ResponseWriter, r *http.Request)
	GetCart(w http.ResponseWriter, r *http.Request)
	DeleteCart(w http.ResponseWriter, r *http.Request)

	// Selection mutations
	AddBiomarker(w http.ResponseWriter, r *http.Request)
	RemoveBiomarker(w http.ResponseWriter, r *http.Request)
	ReplaceBiomarkers(w http.ResponseWriter, r *http.Request)
	ClearBiomarkers(w http.ResponseWriter, r *http.Request)

	// Derived views
	GetComparison(w http.ResponseWriter, r *http.Request)
	SetChoice(w http.ResponseWriter, r *http.Request)
	GetShareURL(w http.ResponseWriter, r *http.Request)
	SetPricingContext(w http.ResponseWriter, r *http.Request)
}

// HealthChecker defines the contract for health check functionality.
// It provides system health monitoring and reporting.
type HealthChecker interface {
	// HealthCheck returns current system health status
	HealthCheck() (status string, details map[string]any, err error)

	// CalculateNextUpdate returns the next scheduled catalog refresh time
	CalculateNextUpdate() time.Time
}

// Validator defines the contract for input and catalog validation.
type Validator interface {
	// ValidateSearchTerm checks free-text search input
	ValidateSearchTerm(input string) error

	// ValidateBiomarkerCode checks one biomarker code
	ValidateBiomarkerCode(code string) error

	// ValidateCodes checks a full code list including its size cap
	ValidateCodes(codes []string) error

	// ValidateSelectionSize checks a selection size against the code cap
	ValidateSelectionSize(count int) error

	// ValidateLocale checks a share-URL locale marker
	ValidateLocale(locale string) error

	// ValidatePricingContext checks a pricing context id
	ValidatePricingContext(pricingContext string) error

	// ValidateCatalogIntegrity performs comprehensive catalog validation
	ValidateCatalogIntegrity(entries []biomarkers.CatalogEntry) error

	// ReportCatalogQuality generates a quality report with all issues found
	ReportCatalogQuality(entries []biomarkers.CatalogEntry) *CatalogQualityReport
}
