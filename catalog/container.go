// Package catalog provides thread-safe storage and refresh of the published
// biomarker catalog. It includes the Container struct with atomic operations
// for zero-downtime snapshot swaps and a fetcher for the upstream CSV export.
// The catalog backs search, slug lookups and health reporting; code
// resolution always goes through the pricing service instead.
package catalog

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/metrics"
)

// Compile-time check to ensure Container implements CatalogStore
var _ interfaces.CatalogStore = (*Container)(nil)

// maxSearchResults caps one search response.
const maxSearchResults = 50

// searchRow pairs an entry index with its pre-folded searchable text.
type searchRow struct {
	folded string
	code   string
	idx    int
}

// Container holds the catalog snapshot with atomic pointers for
// zero-downtime updates
type Container struct {
	entries         atomic.Value // []biomarkers.CatalogEntry
	byCode          atomic.Value // map[string]biomarkers.CatalogEntry
	bySlug          atomic.Value // map[string]biomarkers.CatalogEntry
	searchIndex     atomic.Value // []searchRow
	lastUpdated     atomic.Value // time.Time
	updating        atomic.Bool
	serverStartTime atomic.Value // time.Time
}

// NewContainer creates a new Container with empty data
func NewContainer() *Container {
	c := &Container{}
	c.entries.Store(make([]biomarkers.CatalogEntry, 0))
	c.byCode.Store(make(map[string]biomarkers.CatalogEntry))
	c.bySlug.Store(make(map[string]biomarkers.CatalogEntry))
	c.searchIndex.Store(make([]searchRow, 0))
	c.lastUpdated.Store(time.Time{})
	c.serverStartTime.Store(time.Time{})
	return c
}

// Thread-safe getters with type check

// GetEntries returns the catalog entries of the current snapshot
func (c *Container) GetEntries() []biomarkers.CatalogEntry {
	if v := c.entries.Load(); v != nil {
		if entries, ok := v.([]biomarkers.CatalogEntry); ok {
			return entries
		}
	}

	logging.Warn("Catalog entries are empty or invalid")
	return []biomarkers.CatalogEntry{}
}

// GetByCode returns the canonical-code index for O(1) lookups
func (c *Container) GetByCode() map[string]biomarkers.CatalogEntry {
	if v := c.byCode.Load(); v != nil {
		if byCode, ok := v.(map[string]biomarkers.CatalogEntry); ok {
			return byCode
		}
	}

	logging.Warn("Catalog code index is empty or invalid")
	return make(map[string]biomarkers.CatalogEntry)
}

// GetBySlug returns the slug index for O(1) lookups
func (c *Container) GetBySlug() map[string]biomarkers.CatalogEntry {
	if v := c.bySlug.Load(); v != nil {
		if bySlug, ok := v.(map[string]biomarkers.CatalogEntry); ok {
			return bySlug
		}
	}

	logging.Warn("Catalog slug index is empty or invalid")
	return make(map[string]biomarkers.CatalogEntry)
}

// Search returns catalog entries whose folded name contains the folded
// term, or whose code starts with its canonical form. Results keep catalog
// order and are capped at maxSearchResults.
func (c *Container) Search(term string) []biomarkers.CatalogEntry {
	folded := Fold(term)
	canonical := biomarkers.Normalize(term)
	if folded == "" && canonical == "" {
		return []biomarkers.CatalogEntry{}
	}

	var rows []searchRow
	if v := c.searchIndex.Load(); v != nil {
		if idx, ok := v.([]searchRow); ok {
			rows = idx
		}
	}
	entries := c.GetEntries()

	results := make([]biomarkers.CatalogEntry, 0, 8)
	for _, row := range rows {
		if len(results) >= maxSearchResults {
			break
		}
		if (folded != "" && strings.Contains(row.folded, folded)) ||
			(canonical != "" && strings.HasPrefix(row.code, canonical)) {
			results = append(results, entries[row.idx])
		}
	}
	return results
}

// GetLastUpdated returns the timestamp of the last catalog update
func (c *Container) GetLastUpdated() time.Time {
	if v := c.lastUpdated.Load(); v != nil {
		if lastUpdated, ok := v.(time.Time); ok {
			return lastUpdated
		}
	}

	logging.Warn("Could not get the last updated value")
	return time.Time{}
}

// IsUpdating returns true if a catalog update is currently in progress
func (c *Container) IsUpdating() bool {
	return c.updating.Load()
}

// SetServerStartTime sets the server start time
func (c *Container) SetServerStartTime(startTime time.Time) {
	c.serverStartTime.Store(startTime)
}

// GetServerStartTime returns the server start time
func (c *Container) GetServerStartTime() time.Time {
	if v := c.serverStartTime.Load(); v != nil {
		if startTime, ok := v.(time.Time); ok {
			return startTime
		}
	}

	logging.Warn("Could not get the server start time value")
	return time.Time{}
}

// UpdateData atomically swaps the catalog snapshot (zero downtime
// replacement) and rebuilds the search index
func (c *Container) UpdateData(entries []biomarkers.CatalogEntry,
	byCode map[string]biomarkers.CatalogEntry,
	bySlug map[string]biomarkers.CatalogEntry) {

	index := make([]searchRow, len(entries))
	for i, entry := range entries {
		index[i] = searchRow{folded: Fold(entry.Name), code: entry.Code, idx: i}
	}

	c.entries.Store(entries)
	c.byCode.Store(byCode)
	c.bySlug.Store(bySlug)
	c.searchIndex.Store(index)
	c.lastUpdated.Store(time.Now())
	metrics.CatalogEntriesTotal.Set(float64(len(entries)))
}

// BeginUpdate marks the start of a catalog update operation
// Returns true if update can proceed, false if another update is in progress
func (c *Container) BeginUpdate() bool {
	return c.updating.CompareAndSwap(false, true)
}

// EndUpdate marks the end of a catalog update operation
func (c *Container) EndUpdate() {
	c.updating.Store(false)
}
