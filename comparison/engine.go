package comparison

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/debounce"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/metrics"
	"github.com/panelyt/panelyt-api/pricing"
	"github.com/panelyt/panelyt-api/selection"
)

// ErrClosed is returned by operations on an engine that was shut down.
var ErrClosed = errors.New("comparison: engine closed")

// Config tunes one comparison engine instance.
type Config struct {
	// Window is the debounce applied to selection-change repricing.
	// Non-positive falls back to debounce.Default.
	Window time.Duration
	// PricingContext is the initial regional pricing context.
	PricingContext string
}

// Engine keeps one cart's comparison view current. It watches the selection
// store, reprices after a debounce window, and applies the choice state
// machine to every committed snapshot. Refreshes carry a generation number;
// a refresh that was overtaken while in flight is dropped, never committed.
type Engine struct {
	store    *selection.Store
	api      interfaces.PricingAPI
	registry *pricing.Registry
	deb      *debounce.Debouncer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	pick        picker
	result      *Result
	armedKey    string
	pricingCtx  string
	gen         uint64
	cancelWatch func()
	closed      bool
}

// New creates an engine for one selection store. Call Start to begin
// watching the store and Close to release the watcher.
func New(store *selection.Store, api interfaces.PricingAPI, registry *pricing.Registry, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		api:        api,
		registry:   registry,
		deb:        debounce.New(cfg.Window),
		baseCtx:    ctx,
		cancel:     cancel,
		pricingCtx: cfg.PricingContext,
	}
}

// Start subscribes to selection changes. Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.cancelWatch != nil {
		return
	}
	ch, cancel := e.store.Subscribe()
	e.cancelWatch = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range ch {
			e.onSelectionChange()
		}
	}()
}

// onSelectionChange debounces repricing for a live selection. An emptied
// selection disables the view immediately, without waiting out the window.
// Notifications that leave the canonical key unchanged (display-name
// updates landing after resolution) never arm a repricing.
func (e *Engine) onSelectionChange() {
	if e.store.Len() == 0 {
		e.deb.Cancel()
		e.mu.Lock()
		if !e.closed {
			e.gen++
			e.pick.clear()
			e.armedKey = ""
			e.result = &Result{
				Codes:      []string{},
				NeedsCodes: true,
				Generation: e.gen,
				pricingCtx: e.pricingCtx,
			}
		}
		e.mu.Unlock()
		return
	}

	key := e.store.CanonicalKey()
	e.mu.Lock()
	unchanged := key == e.armedKey
	e.armedKey = key
	e.mu.Unlock()
	if unchanged {
		return
	}
	e.deb.Trigger(e.runRefresh)
}

// runRefresh is the debounced entry point. The closed check happens under
// the same lock Close uses, so no refresh starts after shutdown began.
func (e *Engine) runRefresh() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()
	e.refresh(e.baseCtx)
}

func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	pricingCtx := e.pricingCtx
	e.mu.Unlock()

	selected := e.store.Codes()
	res := e.compute(ctx, selected, pricingCtx)
	if res == nil {
		return
	}
	if res.Err != nil {
		logging.Warn("Comparison refresh failed", "error", res.Err, "codes", len(selected))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.gen {
		// A newer refresh superseded this one while it was in flight.
		return
	}
	e.commitLocked(res, gen)
}

// commitLocked installs a snapshot and re-derives the active choice. A
// failed refresh keeps the previous choice; the error is surfaced on the
// result itself rather than tearing down view state.
func (e *Engine) commitLocked(res *Result, gen uint64) {
	res.Generation = gen
	if res.Err != nil {
		if prev := e.result; prev != nil {
			res.Active, res.AutoPicked = prev.Active, prev.AutoPicked
		}
	} else {
		res.Active, res.AutoPicked = e.pick.observe(res.Candidates)
	}
	e.result = res
}

// compute prices the selection and assembles a snapshot, recording
// repricing metrics. It returns nil only when ctx was cancelled mid-flight.
func (e *Engine) compute(ctx context.Context, selected []string, pricingCtx string) *Result {
	started := time.Now()
	res := e.computeQuotes(ctx, selected, pricingCtx)
	if res != nil && res.NeedsCodes {
		return res
	}
	metrics.ComparisonRefreshDuration.Observe(time.Since(started).Seconds())
	switch {
	case res == nil:
		metrics.ComparisonRefreshTotal.WithLabelValues("canceled").Inc()
	case res.Err != nil:
		metrics.ComparisonRefreshTotal.WithLabelValues("error").Inc()
	default:
		metrics.ComparisonRefreshTotal.WithLabelValues("ok").Inc()
	}
	return res
}

func (e *Engine) computeQuotes(ctx context.Context, selected []string, pricingCtx string) *Result {
	res := &Result{
		Codes:      selected,
		key:        biomarkers.JoinCanonical(selected),
		pricingCtx: pricingCtx,
	}
	if len(selected) == 0 {
		res.NeedsCodes = true
		return res
	}

	// The auto quote decides which labs are worth comparing.
	auto, err := e.api.PriceSelection(ctx, selected, biomarkers.ModeAuto, "", pricingCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		res.Err = err
		res.ErrorKind = classify(err)
		return res
	}

	providers := candidateProviders(auto)
	set := selectionSet(selected)

	// Each lab is quoted independently, alongside the split composite, so
	// one failing request degrades a single row instead of the whole view.
	baskets := make([]*biomarkers.PricedBasket, len(providers))
	berrs := make([]error, len(providers))
	var split *biomarkers.PricedBasket
	var splitErr error

	var wg sync.WaitGroup
	for i, provider := range providers {
		wg.Add(1)
		go func(i int, provider string) {
			defer wg.Done()
			baskets[i], berrs[i] = e.api.PriceSelection(ctx, selected, biomarkers.ModeSingleLab, provider, pricingCtx)
		}(i, provider)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		split, splitErr = e.api.PriceSelection(ctx, selected, biomarkers.ModeSplit, "", pricingCtx)
	}()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	for i, provider := range providers {
		res.Candidates = append(res.Candidates, buildCandidate(provider, e.registry.Name(provider), baskets[i], berrs[i], selected, set))
	}
	markCheapest(res.Candidates)

	splitCand := buildCandidate(ChoiceAll, "All labs", split, splitErr, selected, set)
	res.Split = &splitCand
	return res
}

// Refresh reprices synchronously under the caller's context and returns the
// fresh snapshot. Failures are attached to the result; the only error
// returns are cancellation and a closed engine.
func (e *Engine) Refresh(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.gen++
	gen := e.gen
	pricingCtx := e.pricingCtx
	e.mu.Unlock()

	selected := e.store.Codes()
	res := e.compute(ctx, selected, pricingCtx)
	if res == nil {
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed && gen == e.gen {
		e.commitLocked(res, gen)
		return e.result, nil
	}
	// A newer refresh superseded this one. Derive the choice on a copy of
	// the picker so the caller still gets a coherent, uncommitted snapshot.
	peek := e.pick
	if res.Err == nil {
		res.Active, res.AutoPicked = peek.observe(res.Candidates)
	}
	res.Generation = gen
	return res, nil
}

// Current returns the cached snapshot when it still matches the live
// selection and pricing context, repricing synchronously otherwise.
func (e *Engine) Current(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	res := e.result
	pricingCtx := e.pricingCtx
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if res != nil && res.Err == nil && res.key == e.store.CanonicalKey() && res.pricingCtx == pricingCtx {
		return res, nil
	}
	return e.Refresh(ctx)
}

// Snapshot returns the last committed result without triggering a refresh,
// or nil when no refresh has completed yet.
func (e *Engine) Snapshot() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Choose records a user choice: a lab code, ChoiceAll for the split view,
// or empty to return to automatic selection. A lab choice must name one of
// the current candidates.
func (e *Engine) Choose(choice string) (*Result, error) {
	// Provider codes are canonical everywhere else; the split sentinel is
	// not a provider code and stays as-is.
	if choice != "" && choice != ChoiceAll {
		choice = biomarkers.Normalize(choice)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	var cands []Candidate
	if e.result != nil {
		cands = e.result.Candidates
	}
	if err := e.pick.choose(choice, cands); err != nil {
		return nil, err
	}
	if e.result != nil {
		// Re-derive the active row on a copy so handed-out snapshots stay
		// immutable for concurrent readers.
		updated := *e.result
		updated.Active, updated.AutoPicked = e.pick.observe(updated.Candidates)
		e.result = &updated
	}
	return e.result, nil
}

// SetPricingContext switches the regional pricing context and reprices
// immediately. A context change is a deliberate action, not part of a
// typing burst, so it skips the debounce window.
func (e *Engine) SetPricingContext(pricingCtx string) {
	e.mu.Lock()
	if e.closed || e.pricingCtx == pricingCtx {
		e.mu.Unlock()
		return
	}
	e.pricingCtx = pricingCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.refresh(e.baseCtx)
	}()
}

// PricingContext returns the active pricing context.
func (e *Engine) PricingContext() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pricingCtx
}

// PendingRefresh reports whether a debounced repricing is waiting for its
// window to elapse.
func (e *Engine) PendingRefresh() bool {
	return e.deb.Pending()
}

// Close stops the watcher, drops pending work and waits for in-flight
// refreshes to finish. The engine cannot be restarted.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancelWatch := e.cancelWatch
	e.cancelWatch = nil
	e.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	e.deb.Close()
	e.cancel()
	e.wg.Wait()
}
