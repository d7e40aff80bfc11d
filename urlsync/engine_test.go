package urlsync

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/selection"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeNavigator struct {
	mu       sync.Mutex
	query    url.Values
	replaced []url.Values
}

func newFakeNavigator(rawQuery string) *fakeNavigator {
	q, _ := url.ParseQuery(rawQuery)
	return &fakeNavigator{query: q}
}

func (n *fakeNavigator) Query() url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cloneValues(n.query)
}

func (n *fakeNavigator) ReplaceQuery(q url.Values) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.query = cloneValues(q)
	n.replaced = append(n.replaced, cloneValues(q))
}

func (n *fakeNavigator) setQuery(rawQuery string) {
	q, _ := url.ParseQuery(rawQuery)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.query = q
}

func (n *fakeNavigator) replaceCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.replaced)
}

func (n *fakeNavigator) currentParam(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.query.Get(name)
}

func (n *fakeNavigator) hasParam(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.query.Has(name)
}

func cloneValues(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// fakeResolver resolves names from a per-context table. Codes without a
// name come back as fallback records, matching the degraded behavior of
// the real resolver. A non-nil gate holds every lookup in flight until
// the gate yields or the caller's context ends.
type fakeResolver struct {
	mu    sync.Mutex
	names map[string]map[string]string
	gate  chan struct{}
	calls int
	last  []string
}

func newFakeResolver(names map[string]map[string]string) *fakeResolver {
	return &fakeResolver{names: names}
}

func (r *fakeResolver) Resolve(ctx context.Context, codes []string, pricingContext string) (*biomarkers.ResolutionSet, error) {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = append([]string(nil), codes...)

	set := &biomarkers.ResolutionSet{Records: make(map[string]*biomarkers.Resolution)}
	for _, code := range codes {
		canonical := biomarkers.Normalize(code)
		name := r.names[pricingContext][canonical]
		if name == "" {
			set.Records[canonical] = &biomarkers.Resolution{Code: canonical, Name: canonical}
			set.Failed = append(set.Failed, canonical)
			continue
		}
		set.Records[canonical] = &biomarkers.Resolution{Code: canonical, Name: name}
	}
	return set, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeResolver) lastCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.last...)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHydrateSeedsSelectionFromQuery(t *testing.T) {
	store := selection.NewStore()
	res := newFakeResolver(map[string]map[string]string{
		"1135": {
			"ALT": "Alanine aminotransferase",
			"AST": "Aspartate aminotransferase",
		},
	})
	nav := newFakeNavigator("biomarkers=alt,ast")
	e := New(store, res, nav, Config{Window: 20 * time.Millisecond, PricingContext: "1135"})
	defer e.Close()

	e.Hydrate()

	// The selection must exist synchronously, with codes standing in for
	// names until resolution lands
	codes := store.Codes()
	if len(codes) != 2 || codes[0] != "ALT" || codes[1] != "AST" {
		t.Fatalf("Expected [ALT AST] right after hydration, got %v", codes)
	}

	waitFor(t, time.Second, "names to resolve", func() bool {
		return store.Names()["ALT"] == "Alanine aminotransferase" &&
			store.Names()["AST"] == "Aspartate aminotransferase"
	})

	// The name-only update must not echo back into the URL
	time.Sleep(60 * time.Millisecond)
	if n := nav.replaceCount(); n != 0 {
		t.Errorf("Expected no URL writes after hydration, got %d", n)
	}
}

func TestHydrateConsistentSelectionIsNoOp(t *testing.T) {
	store := selection.NewStore()
	store.ReplaceAll([]selection.Entry{
		{Code: "ALT", Name: "Alanine aminotransferase"},
		{Code: "AST", Name: "Aspartate aminotransferase"},
	})
	revBefore := store.Revision()

	res := newFakeResolver(nil)
	nav := newFakeNavigator("biomarkers=ALT,AST")
	e := New(store, res, nav, Config{Window: 20 * time.Millisecond})
	defer e.Close()

	e.Hydrate()
	time.Sleep(60 * time.Millisecond)

	if res.callCount() != 0 {
		t.Errorf("Expected zero resolver calls for a consistent selection, got %d", res.callCount())
	}
	if store.Revision() != revBefore {
		t.Errorf("Expected zero emissions, revision moved %d -> %d", revBefore, store.Revision())
	}
	if nav.replaceCount() != 0 {
		t.Errorf("Expected zero URL writes, got %d", nav.replaceCount())
	}
}

func TestHydrateRunsOnce(t *testing.T) {
	store := selection.NewStore()
	res := newFakeResolver(nil)
	nav := newFakeNavigator("biomarkers=ALT")
	e := New(store, res, nav, Config{Window: 20 * time.Millisecond})
	defer e.Close()

	e.Hydrate()
	if store.Len() != 1 {
		t.Fatalf("Expected 1 entry after hydration, got %d", store.Len())
	}

	// A later navigation changing the parameter must not re-seed without
	// an explicit Reset
	nav.setQuery("biomarkers=TSH,FT4")
	e.Hydrate()
	if got := store.CanonicalKey(); got != "ALT" {
		t.Errorf("Second Hydrate re-seeded the store: %q", got)
	}
}

func TestRoundTripThroughURL(t *testing.T) {
	storeA := selection.NewStore()
	res := newFakeResolver(nil)
	nav := newFakeNavigator("")
	a := New(storeA, res, nav, Config{Window: 10 * time.Millisecond})
	defer a.Close()
	a.Hydrate()

	storeA.Add("tsh", "")
	storeA.Add("ft4", "")
	storeA.Add("alt", "")

	waitFor(t, time.Second, "URL write", func() bool {
		return nav.currentParam("biomarkers") == "TSH,FT4,ALT"
	})

	// A fresh engine hydrating from the written URL reproduces the same
	// canonical codes in the same order
	storeB := selection.NewStore()
	b := New(storeB, res, nav, Config{Window: 10 * time.Millisecond})
	defer b.Close()
	b.Hydrate()

	if got := storeB.CanonicalKey(); got != "TSH,FT4,ALT" {
		t.Errorf("Round trip produced %q, want TSH,FT4,ALT", got)
	}
}

func TestWriteCoalescesRapidChanges(t *testing.T) {
	store := selection.NewStore()
	nav := newFakeNavigator("")
	e := New(store, newFakeResolver(nil), nav, Config{Window: 300 * time.Millisecond})
	defer e.Close()
	e.Hydrate()

	store.Add("alt", "")
	time.Sleep(50 * time.Millisecond)
	store.Add("ast", "")
	time.Sleep(50 * time.Millisecond)
	store.Add("tsh", "")

	if !e.PendingWrite() {
		t.Fatal("Expected a write pending inside the debounce window")
	}
	if nav.replaceCount() != 0 {
		t.Fatal("URL written before the debounce window elapsed")
	}

	waitFor(t, 2*time.Second, "debounced write", func() bool {
		return nav.replaceCount() > 0
	})
	time.Sleep(350 * time.Millisecond)

	if n := nav.replaceCount(); n != 1 {
		t.Errorf("Expected exactly one coalesced write, got %d", n)
	}
	if got := nav.currentParam("biomarkers"); got != "ALT,AST,TSH" {
		t.Errorf("Write should reflect the final state, got %q", got)
	}
}

func TestClearDeletesParamKeepsOthers(t *testing.T) {
	store := selection.NewStore()
	res := newFakeResolver(map[string]map[string]string{
		"": {"ALT": "Alanine aminotransferase"},
	})
	nav := newFakeNavigator("biomarkers=ALT&view=grid")
	e := New(store, res, nav, Config{Window: 10 * time.Millisecond})
	defer e.Close()
	e.Hydrate()

	store.Clear()

	waitFor(t, time.Second, "parameter removal", func() bool {
		return !nav.hasParam("biomarkers")
	})
	if got := nav.currentParam("view"); got != "grid" {
		t.Errorf("Unrelated parameter lost, view=%q", got)
	}
}

func TestLoaderParamsSuppressSync(t *testing.T) {
	store := selection.NewStore()
	res := newFakeResolver(nil)
	nav := newFakeNavigator("template=thyroid&biomarkers=ALT")
	e := New(store, res, nav, Config{
		Window:         10 * time.Millisecond,
		SuppressParams: []string{"template", "list"},
	})
	defer e.Close()

	e.Hydrate()

	if store.Len() != 0 {
		t.Fatalf("Hydration ran despite loader parameter, got %d entries", store.Len())
	}
	if res.callCount() != 0 {
		t.Errorf("Resolver called despite suppression")
	}

	store.Add("tsh", "")
	time.Sleep(60 * time.Millisecond)
	if nav.replaceCount() != 0 {
		t.Errorf("URL written despite suppression, %d writes", nav.replaceCount())
	}
}

func TestContextChangeRetriesUnresolved(t *testing.T) {
	res := newFakeResolver(map[string]map[string]string{
		"1135": {"ALT": "Alanine aminotransferase"},
		"2200": {
			"ALT": "Alanine aminotransferase",
			"AST": "Aspartate aminotransferase",
		},
	})
	store := selection.NewStore()
	nav := newFakeNavigator("biomarkers=ALT,AST")
	e := New(store, res, nav, Config{Window: 10 * time.Millisecond, PricingContext: "1135"})
	defer e.Close()
	e.Hydrate()

	waitFor(t, time.Second, "first resolution", func() bool {
		return store.Names()["ALT"] == "Alanine aminotransferase"
	})
	if got := store.Names()["AST"]; got != "AST" {
		t.Fatalf("AST should still display its code under the first context, got %q", got)
	}

	e.SetPricingContext("2200")

	waitFor(t, time.Second, "retry under new context", func() bool {
		return store.Names()["AST"] == "Aspartate aminotransferase"
	})

	// Only the unresolved subset goes out again
	if last := res.lastCodes(); len(last) != 1 || last[0] != "AST" {
		t.Errorf("Expected retry for [AST] only, got %v", last)
	}
}

func TestContextChangeRetriesWhileLookupInFlight(t *testing.T) {
	res := newFakeResolver(map[string]map[string]string{
		"2200": {
			"ALT": "Alanine aminotransferase",
			"AST": "Aspartate aminotransferase",
		},
	})
	res.gate = make(chan struct{})

	store := selection.NewStore()
	nav := newFakeNavigator("biomarkers=ALT,AST")
	e := New(store, res, nav, Config{Window: 10 * time.Millisecond, PricingContext: "1135"})
	defer e.Close()
	e.Hydrate()

	// The hydration lookup has not returned when the context switches; the
	// codes it carried must still be retried under the new context.
	e.SetPricingContext("2200")
	close(res.gate)

	waitFor(t, time.Second, "names under the new context", func() bool {
		return store.Names()["ALT"] == "Alanine aminotransferase" &&
			store.Names()["AST"] == "Aspartate aminotransferase"
	})
}

func TestSetPricingContextSameValueIsNoOp(t *testing.T) {
	res := newFakeResolver(nil)
	store := selection.NewStore()
	e := New(store, res, newFakeNavigator(""), Config{PricingContext: "1135"})
	defer e.Close()

	e.SetPricingContext("1135")
	if res.callCount() != 0 {
		t.Errorf("Expected no resolver calls for an unchanged context, got %d", res.callCount())
	}
	if got := e.PricingContext(); got != "1135" {
		t.Errorf("PricingContext = %q, want 1135", got)
	}
}

func TestShareURL(t *testing.T) {
	store := selection.NewStore()
	store.Add("alt", "")
	store.Add("ast", "")

	e := New(store, newFakeResolver(nil), newFakeNavigator(""), Config{
		ShareBase:     "https://panelyt.com",
		SharePath:     "/panel",
		DefaultLocale: "pl",
	})
	defer e.Close()

	tests := []struct {
		name   string
		locale string
		want   string
	}{
		{"default locale omitted", "pl", "https://panelyt.com/panel?biomarkers=ALT,AST"},
		{"empty locale omitted", "", "https://panelyt.com/panel?biomarkers=ALT,AST"},
		{"other locale prefixed", "en", "https://panelyt.com/en/panel?biomarkers=ALT,AST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ShareURL(tt.locale); got != tt.want {
				t.Errorf("ShareURL(%q) = %q, want %q", tt.locale, got, tt.want)
			}
		})
	}

	store.Clear()
	if got := e.ShareURL("pl"); got != "https://panelyt.com/panel" {
		t.Errorf("ShareURL for empty selection = %q, want bare path", got)
	}
}

func TestShareURLIgnoresDebounceState(t *testing.T) {
	store := selection.NewStore()
	nav := newFakeNavigator("")
	e := New(store, newFakeResolver(nil), nav, Config{
		Window:        200 * time.Millisecond,
		ShareBase:     "https://panelyt.com",
		SharePath:     "/panel",
		DefaultLocale: "pl",
	})
	defer e.Close()
	e.Hydrate()

	store.Add("tsh", "")

	// The URL write is still pending, but the share link already reflects
	// the live selection
	if got := e.ShareURL("pl"); got != "https://panelyt.com/panel?biomarkers=TSH" {
		t.Errorf("ShareURL = %q, want live selection", got)
	}
}

func TestCloseDropsPendingWrite(t *testing.T) {
	store := selection.NewStore()
	nav := newFakeNavigator("")
	e := New(store, newFakeResolver(nil), nav, Config{Window: 80 * time.Millisecond})
	e.Hydrate()

	store.Add("alt", "")
	e.Close()

	time.Sleep(150 * time.Millisecond)
	if nav.replaceCount() != 0 {
		t.Errorf("Pending write escaped Close, %d writes", nav.replaceCount())
	}
}

func TestResetAllowsRehydration(t *testing.T) {
	store := selection.NewStore()
	res := newFakeResolver(nil)
	nav := newFakeNavigator("biomarkers=ALT")
	e := New(store, res, nav, Config{Window: 10 * time.Millisecond})
	defer e.Close()

	e.Hydrate()
	if got := store.CanonicalKey(); got != "ALT" {
		t.Fatalf("First hydration produced %q", got)
	}

	nav.setQuery("biomarkers=TSH,FT4")
	e.Reset()
	e.Hydrate()

	if got := store.CanonicalKey(); got != "TSH,FT4" {
		t.Errorf("Rehydration after Reset produced %q, want TSH,FT4", got)
	}
}

func TestResolveSelectionFetchesUnresolvedOnly(t *testing.T) {
	res := newFakeResolver(map[string]map[string]string{
		"": {"TSH": "Thyroid stimulating hormone"},
	})
	store := selection.NewStore()
	store.ReplaceAll([]selection.Entry{
		{Code: "ALT", Name: "Alanine aminotransferase"},
		{Code: "TSH", Name: ""},
	})
	e := New(store, res, newFakeNavigator(""), Config{Window: 10 * time.Millisecond})
	defer e.Close()

	e.ResolveSelection()

	waitFor(t, time.Second, "TSH name", func() bool {
		return store.Names()["TSH"] == "Thyroid stimulating hormone"
	})
	if last := res.lastCodes(); len(last) != 1 || last[0] != "TSH" {
		t.Errorf("Expected lookup for the unresolved code only, got %v", last)
	}
}
