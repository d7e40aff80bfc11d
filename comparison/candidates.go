// Package comparison builds side-by-side lab offers for the current
// biomarker selection and tracks which offer the user is acting on.
//
// Candidate identity always comes from pricing responses: the lab that the
// auto basket landed on plus the alternatives it advertises. The static
// registry only contributes display names. Per-lab quotes are fetched
// independently so one failing provider never empties the whole view.
package comparison

import (
	"errors"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/pricing"
)

// ChoiceAll is the synthetic choice for the split view that spreads the
// selection across every lab. It never competes in auto-selection and is
// never left automatically once the user picked it.
const ChoiceAll = "all"

// MaxProviders caps how many labs are quoted side by side.
const MaxProviders = 2

// Error kinds attached to candidates and results. Failures stay inside the
// comparison payload so the rest of the view keeps rendering.
const (
	ErrKindNetwork  = "network"
	ErrKindSchema   = "schema"
	ErrKindInternal = "internal"
)

// Missing summarizes the selected biomarkers a lab cannot cover.
type Missing struct {
	Count  int      `json:"count"`
	Tokens []string `json:"tokens"`
}

// Candidate is one lab's offer for the current selection.
type Candidate struct {
	Provider        string                  `json:"provider"`
	ProviderName    string                  `json:"provider_name"`
	TotalNowGrosz   *int64                  `json:"total_now"`
	TotalFloorGrosz *int64                  `json:"total_floor_30d,omitempty"`
	CoveredCount    int                     `json:"covered_count"`
	Missing         Missing                 `json:"missing"`
	BonusTokens     []string                `json:"bonus_tokens,omitempty"`
	SavingsGrosz    int64                   `json:"savings_grosz"`
	Items           []biomarkers.BasketItem `json:"items,omitempty"`
	Unavailable     bool                    `json:"unavailable"`
	Cheapest        bool                    `json:"cheapest"`

	Err       error  `json:"-"`
	ErrorKind string `json:"error,omitempty"`
}

// Result is one complete comparison snapshot for a selection.
type Result struct {
	Codes      []string    `json:"codes"`
	Candidates []Candidate `json:"candidates"`
	Split      *Candidate  `json:"split,omitempty"`
	Active     string      `json:"active,omitempty"`
	AutoPicked bool        `json:"auto_picked"`
	NeedsCodes bool        `json:"needs_codes,omitempty"`
	Generation uint64      `json:"generation"`

	Err       error  `json:"-"`
	ErrorKind string `json:"error,omitempty"`

	// key and pricingCtx identify the inputs this snapshot was built from,
	// so cached results can be checked for freshness.
	key        string
	pricingCtx string
}

// classify maps a pricing failure to the error kind exposed on the wire.
func classify(err error) string {
	if err == nil {
		return ""
	}
	var netErr *pricing.NetworkError
	if errors.As(err, &netErr) {
		return ErrKindNetwork
	}
	var schemaErr *pricing.SchemaError
	if errors.As(err, &schemaErr) {
		return ErrKindSchema
	}
	return ErrKindInternal
}

// buildCandidate turns one provider's basket (or its failure) into a
// candidate row. selected holds the canonical selection in order; selectedSet
// is the same codes as a set.
func buildCandidate(provider, displayName string, basket *biomarkers.PricedBasket, fetchErr error, selected []string, selectedSet map[string]struct{}) Candidate {
	cand := Candidate{
		Provider:     provider,
		ProviderName: displayName,
	}
	if fetchErr != nil {
		cand.Err = fetchErr
		cand.ErrorKind = classify(fetchErr)
		return cand
	}
	if basket == nil {
		cand.Err = errors.New("pricing returned no basket")
		cand.ErrorKind = ErrKindInternal
		return cand
	}

	cand.TotalNowGrosz = basket.TotalNowGrosz
	cand.TotalFloorGrosz = basket.TotalFloorGrosz
	cand.Items = basket.Items

	// Missing is whatever the provider reports as uncovered, restricted to
	// codes actually in the selection. Order follows the selection so rows
	// stay stable across refreshes.
	uncovered := make(map[string]struct{}, len(basket.Uncovered))
	for _, code := range basket.Uncovered {
		canonical := biomarkers.Normalize(code)
		if _, ok := selectedSet[canonical]; ok {
			uncovered[canonical] = struct{}{}
		}
	}
	tokens := make([]string, 0, len(uncovered))
	for _, code := range selected {
		if _, ok := uncovered[code]; ok {
			tokens = append(tokens, code)
		}
	}
	cand.Missing = Missing{Count: len(tokens), Tokens: tokens}
	cand.CoveredCount = len(selected) - len(tokens)
	cand.Unavailable = len(selected) > 0 && cand.CoveredCount == 0

	// Bonus tokens are basket lines outside the selection, typically tests
	// bundled into a package deal.
	for _, item := range basket.Items {
		canonical := biomarkers.Normalize(item.Code)
		if _, ok := selectedSet[canonical]; !ok {
			cand.BonusTokens = append(cand.BonusTokens, canonical)
		}
	}

	if basket.TotalNowGrosz != nil && basket.TotalFloorGrosz != nil {
		if diff := *basket.TotalNowGrosz - *basket.TotalFloorGrosz; diff > 0 {
			cand.SavingsGrosz = diff
		}
	}
	return cand
}

// markCheapest flags exactly one candidate with the lowest defined total.
// Candidates without a price never win; a tie keeps the earlier row.
func markCheapest(cands []Candidate) {
	best := -1
	for i := range cands {
		if cands[i].Err != nil || cands[i].TotalNowGrosz == nil {
			continue
		}
		if best == -1 || *cands[i].TotalNowGrosz < *cands[best].TotalNowGrosz {
			best = i
		}
	}
	if best >= 0 {
		cands[best].Cheapest = true
	}
}

// selectionSet returns the canonical selection as a set.
func selectionSet(selected []string) map[string]struct{} {
	set := make(map[string]struct{}, len(selected))
	for _, code := range selected {
		set[code] = struct{}{}
	}
	return set
}

// candidateProviders picks the labs to quote: the auto basket's provider
// first, then the alternatives it advertises, deduplicated and capped at
// MaxProviders.
func candidateProviders(auto *biomarkers.PricedBasket) []string {
	providers := make([]string, 0, MaxProviders)
	seen := make(map[string]struct{}, MaxProviders)
	appendProvider := func(code string) {
		canonical := biomarkers.Normalize(code)
		if canonical == "" || len(providers) >= MaxProviders {
			return
		}
		if _, ok := seen[canonical]; ok {
			return
		}
		seen[canonical] = struct{}{}
		providers = append(providers, canonical)
	}
	if auto != nil {
		appendProvider(auto.Provider)
		for _, opt := range auto.Options {
			appendProvider(opt.Provider)
		}
	}
	return providers
}

// FromQuote builds a comparison snapshot out of a single batched quote,
// with auto-selection applied but no user choice. It backs the stateless
// comparison endpoint.
func FromQuote(quote *biomarkers.ComparisonQuote, codes []string, registry *pricing.Registry) *Result {
	selected := biomarkers.NormalizeAll(codes)
	res := &Result{Codes: selected, key: biomarkers.JoinCanonical(selected)}
	if len(selected) == 0 {
		res.NeedsCodes = true
		return res
	}
	if quote == nil {
		res.Err = errors.New("pricing returned no quote")
		res.ErrorKind = ErrKindInternal
		return res
	}

	set := selectionSet(selected)
	for _, provider := range candidateProviders(quote.Auto) {
		basket := quote.ByProvider[provider]
		var fetchErr error
		if basket == nil && quote.Auto != nil && biomarkers.Normalize(quote.Auto.Provider) == provider {
			basket = quote.Auto
		}
		if basket == nil {
			fetchErr = errors.New("quote missing provider basket")
		}
		res.Candidates = append(res.Candidates, buildCandidate(provider, registry.Name(provider), basket, fetchErr, selected, set))
	}
	markCheapest(res.Candidates)

	if quote.Split != nil {
		split := buildCandidate(ChoiceAll, "All labs", quote.Split, nil, selected, set)
		res.Split = &split
	}

	if pick := bestIndex(res.Candidates); pick >= 0 {
		res.Active = res.Candidates[pick].Provider
		res.AutoPicked = true
	}
	return res
}
