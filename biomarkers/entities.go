package biomarkers

// Mode selects the pricing strategy for a basket request.
type Mode string

const (
	// ModeAuto lets the pricing service pick the best single provider.
	ModeAuto Mode = "auto"
	// ModeSplit prices the selection across both providers combined.
	ModeSplit Mode = "split"
	// ModeSingleLab prices the selection at one named provider.
	ModeSingleLab Mode = "single_lab"
)

// Resolution describes one biomarker code as known by the pricing service.
// A nil *Resolution is the confirmed "not found" outcome, not an error.
type Resolution struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	CatalogSlug   string `json:"slug,omitempty"`
	PriceNowGrosz *int64 `json:"price_now,omitempty"`
}

// ResolutionSet is the outcome of a batched code resolution. Records is
// indexable both by the caller's original spelling and by canonical form.
// Failed lists canonical codes whose lookup chunk failed and therefore
// carry a fallback record: the code standing in for the name, no price.
type ResolutionSet struct {
	Records map[string]*Resolution
	Failed  []string
}

// Get returns the record for a code under its canonical form, and whether
// the code was part of the resolved set at all.
func (s *ResolutionSet) Get(code string) (*Resolution, bool) {
	if s == nil {
		return nil, false
	}
	rec, ok := s.Records[Normalize(code)]
	return rec, ok
}

// BasketItem is one priced test inside a basket. Monetary amounts are
// integer grosz; nil means the price is not defined.
type BasketItem struct {
	Code            string `json:"code"`
	Name            string `json:"name,omitempty"`
	PriceNowGrosz   *int64 `json:"price_now,omitempty"`
	PriceFloorGrosz *int64 `json:"price_floor_30d,omitempty"`
}

// LabOption is an alternative provider advertised alongside a priced
// basket.
type LabOption struct {
	Provider      string `json:"provider"`
	Name          string `json:"name,omitempty"`
	TotalNowGrosz *int64 `json:"total_now,omitempty"`
}

// PricedBasket is one provider's offer (or the split composite offer)
// covering a set of requested codes.
type PricedBasket struct {
	Provider        string       `json:"provider"`
	TotalNowGrosz   *int64       `json:"total_now"`
	TotalFloorGrosz *int64       `json:"total_floor_30d"`
	Items           []BasketItem `json:"items"`
	Uncovered       []string     `json:"uncovered,omitempty"`
	Options         []LabOption  `json:"provider_options,omitempty"`
}

// ComparisonQuote is the batched comparison shape: the auto-selected
// basket, the split composite and per-provider baskets in one response.
type ComparisonQuote struct {
	Auto       *PricedBasket            `json:"auto"`
	Split      *PricedBasket            `json:"split"`
	ByProvider map[string]*PricedBasket `json:"by_provider"`
	Options    []LabOption              `json:"provider_options,omitempty"`
}

// CatalogEntry is one biomarker in the published catalog export.
type CatalogEntry struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	PriceGrosz *int64 `json:"price_grosz,omitempty"`
	Category   string `json:"category,omitempty"`
}
