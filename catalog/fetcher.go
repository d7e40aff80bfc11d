package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
)

// Compile-time check to ensure Fetcher implements CatalogFetcher
var _ interfaces.CatalogFetcher = (*Fetcher)(nil)

// Catalog export column names.
const (
	colCode     = "code"
	colName     = "name"
	colSlug     = "slug"
	colPrice    = "price_grosz"
	colCategory = "category"
)

// maxCatalogBytes caps the export download. The live file is around one
// megabyte; anything near the cap is a broken upload, not a bigger catalog.
const maxCatalogBytes = 20 << 20

// Fetcher downloads and parses the published biomarker catalog export.
type Fetcher struct {
	url    string
	client *http.Client
}

// NewFetcher creates a fetcher for the given export URL.
func NewFetcher(url string) *Fetcher {
	return &Fetcher{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// FetchAll downloads the export and parses it into entries plus the code
// and slug indexes the container keeps.
func (f *Fetcher) FetchAll(ctx context.Context) ([]biomarkers.CatalogEntry,
	map[string]biomarkers.CatalogEntry,
	map[string]biomarkers.CatalogEntry, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building catalog request: %w", err)
	}

	response, err := f.client.Do(req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to download %s: %w", f.url, err)
	}
	defer func() {
		if err := response.Body.Close(); err != nil {
			logging.Warn("Failed to close response body", "error", err)
		}
	}()

	if response.StatusCode != http.StatusOK {
		return nil, nil, nil, fmt.Errorf("catalog download %s: unexpected status %d", f.url, response.StatusCode)
	}

	// A truncated CSV can still parse cleanly, so reject oversized bodies
	// outright instead of silently cutting them off.
	bodyBytes, err := io.ReadAll(io.LimitReader(response.Body, maxCatalogBytes+1))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bodyBytes) > maxCatalogBytes {
		return nil, nil, nil, fmt.Errorf("catalog export from %s exceeds %d bytes", f.url, maxCatalogBytes)
	}

	// The export is UTF-8 today but spent years published in ISO-8859-2,
	// so the legacy decode path stays.
	var reader io.Reader
	if utf8.Valid(bodyBytes) {
		reader = bytes.NewReader(bodyBytes)
	} else {
		reader = charmap.ISO8859_2.NewDecoder().Reader(bytes.NewReader(bodyBytes))
	}

	entries, err := parseCatalogCSV(reader)
	if err != nil {
		return nil, nil, nil, err
	}

	byCode, bySlug := BuildIndexes(entries)
	logging.Debug("Catalog downloaded and parsed without errors", "entries", len(entries))
	return entries, byCode, bySlug, nil
}

// parseCatalogCSV reads the semicolon-separated export. Rows without a code
// or name are dropped, as are duplicate codes (first occurrence wins).
func parseCatalogCSV(r io.Reader) ([]biomarkers.CatalogEntry, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading catalog header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colCode, colName} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("catalog header missing %q column", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	entries := make([]biomarkers.CatalogEntry, 0, 1024)
	seen := make(map[string]struct{}, 1024)
	dropped := 0
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading catalog line %d: %w", line, err)
		}

		code := biomarkers.Normalize(field(record, colCode))
		name := field(record, colName)
		if code == "" || name == "" {
			dropped++
			continue
		}
		if _, ok := seen[code]; ok {
			dropped++
			continue
		}
		seen[code] = struct{}{}

		entry := biomarkers.CatalogEntry{
			Code:     code,
			Name:     name,
			Slug:     field(record, colSlug),
			Category: field(record, colCategory),
		}
		if entry.Slug == "" {
			entry.Slug = Slugify(name)
		}
		if raw := field(record, colPrice); raw != "" {
			if price, err := strconv.ParseInt(raw, 10, 64); err == nil && price >= 0 {
				entry.PriceGrosz = &price
			}
		}
		entries = append(entries, entry)
	}

	if dropped > 0 {
		logging.Warn("Catalog rows dropped during parse", "dropped", dropped)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog export contained no usable rows")
	}
	return entries, nil
}

// BuildIndexes derives the code and slug lookup maps from a parsed entry
// list. Slug collisions keep the earlier entry.
func BuildIndexes(entries []biomarkers.CatalogEntry) (map[string]biomarkers.CatalogEntry, map[string]biomarkers.CatalogEntry) {
	byCode := make(map[string]biomarkers.CatalogEntry, len(entries))
	bySlug := make(map[string]biomarkers.CatalogEntry, len(entries))
	for _, entry := range entries {
		byCode[entry.Code] = entry
		if _, ok := bySlug[entry.Slug]; !ok {
			bySlug[entry.Slug] = entry
		}
	}
	return byCode, bySlug
}
