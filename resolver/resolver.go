// Package resolver implements the deduplicating, batched biomarker code
// resolution cache. Lookups are keyed per (canonical code, pricing
// context): concurrent requests for overlapping code sets share in-flight
// work, so each code is fetched at most once per context. Failed chunks
// degrade to fallback records instead of surfacing errors.
package resolver

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/metrics"
)

// Compile-time check to ensure Resolver implements the contract
var _ interfaces.Resolver = (*Resolver)(nil)

const (
	// maxBatchSize caps how many codes one remote lookup carries.
	maxBatchSize = 200
	// maxInFlightChunks bounds simultaneous lookups so a huge selection
	// cannot overwhelm the pricing service.
	maxInFlightChunks = 4
)

type cacheKey struct {
	code    string // canonical form
	context string // pricing context id
}

// entry is one cached (or in-flight) resolution. done is closed exactly
// once, after record and fallback are final.
type entry struct {
	done     chan struct{}
	record   *biomarkers.Resolution // nil = confirmed not found
	fallback bool                   // lookup failed; the code stands in for the name
}

// Resolver caches code resolutions across requests and engines. Entries
// are immutable once written; a context change produces fresh keys, so
// codes that previously failed or were missing retry naturally under the
// new context without invalidating the old one.
type Resolver struct {
	api interfaces.PricingAPI

	mu      sync.Mutex
	entries map[cacheKey]*entry
}

// New creates a resolver in front of the given pricing API.
func New(api interfaces.PricingAPI) *Resolver {
	return &Resolver{
		api:     api,
		entries: make(map[cacheKey]*entry),
	}
}

// Resolve returns a record for every requested code, indexable by the
// original spelling and by canonical form. Unknown codes carry nil
// records; codes from failed chunks carry fallback records and are listed
// in Failed. The only error Resolve returns is the caller's own
// cancellation.
func (r *Resolver) Resolve(ctx context.Context, codes []string, pricingContext string) (*biomarkers.ResolutionSet, error) {
	set := &biomarkers.ResolutionSet{Records: make(map[string]*biomarkers.Resolution, len(codes)*2)}
	canonical := biomarkers.NormalizeAll(codes)
	if len(canonical) == 0 {
		return set, nil
	}

	// Claim unseen codes; join entries other calls already created.
	var mine []string
	involved := make(map[string]*entry, len(canonical))
	hits := 0

	r.mu.Lock()
	for _, code := range canonical {
		k := cacheKey{code: code, context: pricingContext}
		e, ok := r.entries[k]
		if !ok {
			e = &entry{done: make(chan struct{})}
			r.entries[k] = e
			mine = append(mine, code)
		} else {
			hits++
		}
		involved[code] = e
	}
	r.mu.Unlock()

	metrics.ResolverCacheHits.Add(float64(hits))
	metrics.ResolverCacheMisses.Add(float64(len(mine)))

	if len(mine) > 0 {
		r.fetch(ctx, mine, pricingContext)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	// Wait for every involved entry, including other callers' in-flight
	// work.
	for _, code := range canonical {
		select {
		case <-involved[code].done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, raw := range codes {
		code := biomarkers.Normalize(raw)
		if code == "" {
			continue
		}
		set.Records[raw] = involved[code].record
		set.Records[code] = involved[code].record
	}
	for _, code := range canonical {
		if involved[code].fallback {
			set.Failed = append(set.Failed, code)
		}
	}
	return set, nil
}

// fetch issues the remote lookups for freshly claimed codes, chunked and
// with bounded parallelism. Chunk failures never propagate: each chunk
// commits either real records or fallbacks.
func (r *Resolver) fetch(ctx context.Context, codes []string, pricingContext string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlightChunks)

	for start := 0; start < len(codes); start += maxBatchSize {
		chunk := codes[start:min(start+maxBatchSize, len(codes))]
		g.Go(func() error {
			r.fetchChunk(gctx, chunk, pricingContext)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Resolver) fetchChunk(ctx context.Context, chunk []string, pricingContext string) {
	metrics.ResolverBatches.Inc()

	records, err := r.api.ResolveBiomarkerBatch(ctx, chunk, pricingContext)
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation, not a service problem: release the
			// claims so the next call retries instead of inheriting a
			// cached fallback.
			r.release(chunk, pricingContext)
			return
		}
		logging.Warn("Biomarker resolution chunk failed",
			"codes", len(chunk), "context", pricingContext, "error", err)
		metrics.ResolverFallbacks.Add(float64(len(chunk)))
		r.commitFallback(chunk, pricingContext)
		return
	}
	r.commit(chunk, pricingContext, records)
}

// commit finalizes entries with the service's records. Codes absent from
// the response map are confirmed not-found and stay nil.
func (r *Resolver) commit(chunk []string, pricingContext string, records map[string]*biomarkers.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, code := range chunk {
		e, ok := r.entries[cacheKey{code: code, context: pricingContext}]
		if !ok {
			continue
		}
		e.record = records[code]
		close(e.done)
	}
}

// commitFallback finalizes entries with the code standing in for the
// name. Fallbacks stay cached: a retry only happens under a different
// context key.
func (r *Resolver) commitFallback(chunk []string, pricingContext string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, code := range chunk {
		e, ok := r.entries[cacheKey{code: code, context: pricingContext}]
		if !ok {
			continue
		}
		e.record = &biomarkers.Resolution{Code: code, Name: code}
		e.fallback = true
		close(e.done)
	}
}

// release finalizes entries as fallbacks for anyone already waiting but
// removes them from the cache, so the interrupted lookup is retried by
// the next call.
func (r *Resolver) release(chunk []string, pricingContext string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, code := range chunk {
		k := cacheKey{code: code, context: pricingContext}
		e, ok := r.entries[k]
		if !ok {
			continue
		}
		select {
		case <-e.done:
		default:
			e.record = &biomarkers.Resolution{Code: code, Name: code}
			e.fallback = true
			close(e.done)
		}
		delete(r.entries, k)
	}
}

// Size returns the number of cached entries across all contexts.
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
