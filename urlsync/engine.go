// Package urlsync implements the bidirectional reconciliation between the
// biomarker selection store and the shareable URL query parameter: one-shot
// hydration from the URL into the store, debounced write-back of selection
// changes into the URL, and asynchronous display-name resolution with
// retry on pricing-context changes.
package urlsync

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/debounce"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/selection"
)

// DefaultParam is the query parameter the selection round-trips through.
const DefaultParam = "biomarkers"

// DefaultSuppressParams are the loader parameters whose presence disables
// code-list sync: URL templates and shared saved lists own the selection.
var DefaultSuppressParams = []string{"template", "list", "share"}

// Config controls one sync engine instance.
type Config struct {
	// Param is the query parameter name. Defaults to DefaultParam.
	Param string

	// SuppressParams lists higher-precedence loader parameters. When any
	// of them is present in the query at hydration time, sync is disabled
	// for the engine's whole lifetime (until Reset).
	SuppressParams []string

	// Window is the debounce window for URL writes. Non-positive values
	// fall back to debounce.Default.
	Window time.Duration

	// ShareBase, SharePath and DefaultLocale shape share links:
	// ShareBase + ["/" + locale] + SharePath + "?" + Param + "=" + codes.
	// The default locale is omitted from the path.
	ShareBase     string
	SharePath     string
	DefaultLocale string

	// PricingContext is the initial context names are resolved under.
	PricingContext string
}

// Engine keeps one selection store and one navigator consistent. Create
// it with New, seed it once with Hydrate, and Close it when the session
// ends.
type Engine struct {
	store    *selection.Store
	resolver interfaces.Resolver
	nav      interfaces.Navigator
	cfg      Config

	deb *debounce.Debouncer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	hydrated    bool
	suppressed  bool
	lastWritten string
	pricingCtx  string
	resolveGen  uint64
	cancelWatch func()
	closed      bool
}

// New creates a sync engine bound to a store, resolver and navigator.
func New(store *selection.Store, resolver interfaces.Resolver, nav interfaces.Navigator, cfg Config) *Engine {
	if cfg.Param == "" {
		cfg.Param = DefaultParam
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		resolver:   resolver,
		nav:        nav,
		cfg:        cfg,
		deb:        debounce.New(cfg.Window),
		baseCtx:    ctx,
		cancel:     cancel,
		pricingCtx: cfg.PricingContext,
	}
}

// Hydrate seeds the selection from the URL parameter and starts watching
// the store for write-back. It runs once; later calls are no-ops until
// Reset. The seeded entries reuse any display names the store already
// knows and fall back to the code itself, so the selection is never
// emitted empty; real names are resolved asynchronously.
func (e *Engine) Hydrate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hydrated || e.closed {
		return
	}
	e.hydrated = true

	query := e.nav.Query()
	for _, p := range e.cfg.SuppressParams {
		if query.Has(p) {
			e.suppressed = true
			return
		}
	}

	codes := biomarkers.SplitList(query.Get(e.cfg.Param))
	if len(codes) == 0 {
		e.startWatchLocked()
		return
	}

	key := biomarkers.JoinCanonical(codes)
	if e.consistentLocked(key) {
		e.lastWritten = key
		e.startWatchLocked()
		return
	}

	// Update lastWritten before any store mutation so the write-back
	// path never echoes the codes hydration itself set.
	e.lastWritten = key

	known := e.store.Names()
	entries := make([]selection.Entry, len(codes))
	for i, code := range codes {
		name := known[code]
		if name == "" {
			name = code
		}
		entries[i] = selection.Entry{Code: code, Name: name}
	}
	e.store.ReplaceAll(entries)
	e.startWatchLocked()

	e.resolveAsyncLocked(codes)
}

// consistentLocked reports whether the live selection already matches the
// URL key with every display name resolved, in which case hydration has
// nothing to do.
func (e *Engine) consistentLocked(key string) bool {
	if e.store.CanonicalKey() != key {
		return false
	}
	for _, entry := range e.store.Snapshot() {
		if !entry.Resolved() {
			return false
		}
	}
	return true
}

// startWatchLocked subscribes to store changes and schedules debounced
// URL writes for them.
func (e *Engine) startWatchLocked() {
	if e.suppressed || e.cancelWatch != nil {
		return
	}
	ch, cancel := e.store.Subscribe()
	e.cancelWatch = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range ch {
			e.scheduleWrite()
		}
	}()
}

// scheduleWrite arms the debouncer unless the live selection already
// matches what the URL carries.
func (e *Engine) scheduleWrite() {
	e.mu.Lock()
	if e.closed || e.suppressed || !e.hydrated {
		e.mu.Unlock()
		return
	}
	key := e.store.CanonicalKey()
	unchanged := key == e.lastWritten
	e.mu.Unlock()

	if unchanged {
		return
	}
	e.deb.Trigger(e.writeURL)
}

// writeURL rewrites the query parameter from the live selection. It runs
// after the debounce window; the selection is re-read here so the write
// always reflects the newest state, not the one that armed the timer.
func (e *Engine) writeURL() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.suppressed {
		return
	}

	key := e.store.CanonicalKey()
	if key == e.lastWritten {
		return
	}
	e.lastWritten = key

	query := e.nav.Query()
	if key == "" {
		query.Del(e.cfg.Param)
	} else {
		query.Set(e.cfg.Param, key)
	}
	e.nav.ReplaceQuery(query)
}

// resolveAsyncLocked kicks off name resolution for codes under the
// current pricing context. Results are dropped if the context changed
// while the lookup was in flight.
func (e *Engine) resolveAsyncLocked(codes []string) {
	gen := e.resolveGen
	pricingCtx := e.pricingCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.resolveNames(codes, pricingCtx, gen)
	}()
}

func (e *Engine) resolveNames(codes []string, pricingCtx string, gen uint64) {
	set, err := e.resolver.Resolve(e.baseCtx, codes, pricingCtx)
	if err != nil {
		// Only caller cancellation reaches here; the engine is closing.
		return
	}

	names := make(map[string]string, len(codes))
	unresolved := 0
	for _, code := range codes {
		canonical := biomarkers.Normalize(code)
		rec, _ := set.Get(canonical)
		if rec == nil || rec.Name == "" || rec.Name == canonical {
			unresolved++
			continue
		}
		names[canonical] = rec.Name
	}

	e.mu.Lock()
	stale := e.closed || gen != e.resolveGen
	e.mu.Unlock()
	if stale {
		return
	}

	if len(names) > 0 {
		e.store.ApplyNames(names)
	}
	if unresolved > 0 {
		logging.Debug("Name resolution left codes unresolved",
			"count", unresolved, "context", pricingCtx)
	}
}

// SetPricingContext switches the context names are resolved under and
// retries resolution for any codes still displaying their own code. A
// lookup in flight under the old context is ignored when it lands.
func (e *Engine) SetPricingContext(pricingCtx string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pricingCtx == pricingCtx {
		return
	}
	e.pricingCtx = pricingCtx
	e.resolveGen++

	// Unresolved entries display their own code whether their lookup
	// completed or is still in flight, so the live selection is the
	// whole retry set.
	retry := make([]string, 0, e.store.Len())
	for _, entry := range e.store.Snapshot() {
		if !entry.Resolved() {
			retry = append(retry, entry.Code)
		}
	}
	if len(retry) > 0 {
		e.resolveAsyncLocked(retry)
	}
}

// PricingContext returns the context names are currently resolved under.
func (e *Engine) PricingContext() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pricingCtx
}

// ResolveSelection resolves display names for the whole live selection.
// Used after direct store mutations (add, replace) so new codes pick up
// real names without waiting for a context change.
func (e *Engine) ResolveSelection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.suppressed {
		return
	}
	codes := make([]string, 0, e.store.Len())
	for _, entry := range e.store.Snapshot() {
		if !entry.Resolved() {
			codes = append(codes, entry.Code)
		}
	}
	if len(codes) > 0 {
		e.resolveAsyncLocked(codes)
	}
}

// ShareURL builds the shareable link for the live selection. It never
// depends on debounce state: a change still inside the window is already
// reflected here. The default locale is omitted from the path.
func (e *Engine) ShareURL(locale string) string {
	e.mu.Lock()
	base := e.cfg.ShareBase
	path := e.cfg.SharePath
	defaultLocale := e.cfg.DefaultLocale
	param := e.cfg.Param
	e.mu.Unlock()

	var b strings.Builder
	b.WriteString(strings.TrimSuffix(base, "/"))
	if locale != "" && locale != defaultLocale {
		b.WriteString("/")
		b.WriteString(locale)
	}
	b.WriteString(path)

	key := e.store.CanonicalKey()
	if key != "" {
		// Keep the commas literal so the link shows the plain code list.
		escaped := strings.ReplaceAll(url.QueryEscape(key), "%2C", ",")
		b.WriteString("?")
		b.WriteString(param)
		b.WriteString("=")
		b.WriteString(escaped)
	}
	return b.String()
}

// PendingWrite reports whether a URL write is waiting out its debounce
// window.
func (e *Engine) PendingWrite() bool {
	return e.deb.Pending()
}

// Reset returns the engine to its pre-hydration state so the next
// Hydrate runs again, e.g. after the navigator was replaced. Pending
// writes and in-flight resolutions are dropped.
func (e *Engine) Reset() {
	e.deb.Cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.cancelWatch != nil {
		e.cancelWatch()
		e.cancelWatch = nil
	}
	e.hydrated = false
	e.suppressed = false
	e.lastWritten = ""
	e.resolveGen++
}

// Close tears the engine down: the watch subscription ends, a write
// still inside its debounce window is dropped, and in-flight resolutions
// are cancelled and awaited.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.cancelWatch != nil {
		e.cancelWatch()
		e.cancelWatch = nil
	}
	e.mu.Unlock()

	e.deb.Close()
	e.cancel()
	e.wg.Wait()
}
