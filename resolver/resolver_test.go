package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/panelyt/panelyt-api/biomarkers"
)

// fakePricingAPI records every resolution batch and serves names from a
// fixed table. Codes listed in failCodes poison their whole chunk.
type fakePricingAPI struct {
	mu      sync.Mutex
	batches [][]string
	perCode map[string]int

	names     map[string]string
	notFound  map[string]bool
	failCodes map[string]bool
	block     chan struct{} // non-nil: lookups wait until closed
}

func newFakePricingAPI() *fakePricingAPI {
	return &fakePricingAPI{
		perCode:   make(map[string]int),
		names:     make(map[string]string),
		notFound:  make(map[string]bool),
		failCodes: make(map[string]bool),
	}
}

func (f *fakePricingAPI) ResolveBiomarkerBatch(ctx context.Context, codes []string, pricingContext string) (map[string]*biomarkers.Resolution, error) {
	f.mu.Lock()
	batch := append([]string(nil), codes...)
	f.batches = append(f.batches, batch)
	for _, code := range codes {
		f.perCode[code]++
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	records := make(map[string]*biomarkers.Resolution, len(codes))
	for _, code := range codes {
		if f.failCodes[code] {
			return nil, errors.New("simulated chunk failure")
		}
		if f.notFound[code] {
			continue
		}
		name := f.names[code]
		if name == "" {
			name = "Name of " + code
		}
		records[code] = &biomarkers.Resolution{Code: code, Name: name}
	}
	return records, nil
}

func (f *fakePricingAPI) PriceSelection(ctx context.Context, codes []string, mode biomarkers.Mode, provider string, pricingContext string) (*biomarkers.PricedBasket, error) {
	return nil, errors.New("not used in resolver tests")
}

func (f *fakePricingAPI) PriceComparison(ctx context.Context, codes []string, pricingContext string) (*biomarkers.ComparisonQuote, error) {
	return nil, errors.New("not used in resolver tests")
}

func (f *fakePricingAPI) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakePricingAPI) fetchesFor(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perCode[code]
}

func TestResolveIndexesByOriginalAndCanonicalForm(t *testing.T) {
	api := newFakePricingAPI()
	api.names["ALT"] = "Alanine aminotransferase"
	api.notFound["XYZ"] = true
	r := New(api)

	set, err := r.Resolve(context.Background(), []string{" alt ", "XYZ"}, "1135")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	rec, ok := set.Records[" alt "]
	if !ok || rec == nil || rec.Name != "Alanine aminotransferase" {
		t.Errorf("original-spelling record = %+v, %v", rec, ok)
	}
	rec, ok = set.Records["ALT"]
	if !ok || rec == nil {
		t.Errorf("canonical record = %+v, %v", rec, ok)
	}

	rec, ok = set.Records["XYZ"]
	if !ok {
		t.Fatal("not-found code should still be present in the set")
	}
	if rec != nil {
		t.Errorf("not-found record = %+v, want nil", rec)
	}
	if len(set.Failed) != 0 {
		t.Errorf("Failed = %v, want empty: not-found is not a failure", set.Failed)
	}
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	api := newFakePricingAPI()
	r := New(api)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, []string{"ALT", "AST"}, "1135"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, []string{"alt", "ast"}, "1135"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if got := api.batchCount(); got != 1 {
		t.Errorf("batches = %d, want 1: the second call must be fully served from cache", got)
	}

	// Overlapping set: only the uncovered code hits the network.
	if _, err := r.Resolve(ctx, []string{"AST", "TSH"}, "1135"); err != nil {
		t.Fatalf("third Resolve: %v", err)
	}
	if got := api.fetchesFor("AST"); got != 1 {
		t.Errorf("AST fetched %d times, want 1", got)
	}
	if got := api.fetchesFor("TSH"); got != 1 {
		t.Errorf("TSH fetched %d times, want 1", got)
	}
}

func TestResolveSharesInFlightWork(t *testing.T) {
	api := newFakePricingAPI()
	api.block = make(chan struct{})
	r := New(api)
	ctx := context.Background()

	results := make(chan error, 2)
	go func() {
		_, err := r.Resolve(ctx, []string{"ALT", "AST"}, "1135")
		results <- err
	}()

	// Wait until the first call has claimed its codes.
	deadline := time.Now().Add(2 * time.Second)
	for api.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first Resolve never issued its batch")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		_, err := r.Resolve(ctx, []string{"AST", "TSH"}, "1135")
		results <- err
	}()

	// Give the second call time to claim TSH and join AST.
	deadline = time.Now().Add(2 * time.Second)
	for api.fetchesFor("TSH") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second Resolve never issued its batch")
		}
		time.Sleep(time.Millisecond)
	}
	close(api.block)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
	}

	if got := api.fetchesFor("AST"); got != 1 {
		t.Errorf("AST fetched %d times, want 1: overlapping in-flight work must be shared", got)
	}
}

func TestResolveChunksLargeSets(t *testing.T) {
	api := newFakePricingAPI()
	r := New(api)

	codes := make([]string, 0, 450)
	for i := 0; i < 450; i++ {
		codes = append(codes, fmt.Sprintf("BM%03d", i))
	}

	set, err := r.Resolve(context.Background(), codes, "1135")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	api.mu.Lock()
	sizes := make([]int, 0, len(api.batches))
	for _, b := range api.batches {
		sizes = append(sizes, len(b))
	}
	api.mu.Unlock()

	if len(sizes) != 3 {
		t.Fatalf("batches = %d (%v), want 3", len(sizes), sizes)
	}
	total := 0
	for _, n := range sizes {
		if n > maxBatchSize {
			t.Errorf("batch size %d exceeds the %d cap", n, maxBatchSize)
		}
		total += n
	}
	if total != 450 {
		t.Errorf("batched codes = %d, want 450", total)
	}

	if rec, ok := set.Get("BM449"); !ok || rec == nil {
		t.Errorf("last code unresolved: %+v, %v", rec, ok)
	}
}

func TestResolveFailedChunkDegradesToFallbacks(t *testing.T) {
	api := newFakePricingAPI()
	r := New(api)

	// 250 codes force two chunks; poisoning a code in the second chunk
	// must leave the first chunk's results intact.
	codes := make([]string, 0, 250)
	for i := 0; i < 250; i++ {
		codes = append(codes, fmt.Sprintf("BM%03d", i))
	}
	api.failCodes["BM249"] = true

	set, err := r.Resolve(context.Background(), codes, "1135")
	if err != nil {
		t.Fatalf("Resolve must not propagate chunk failures, got: %v", err)
	}

	if rec, _ := set.Get("BM000"); rec == nil || rec.Name != "Name of BM000" {
		t.Errorf("healthy chunk record = %+v, want real name", rec)
	}

	rec, ok := set.Get("BM249")
	if !ok || rec == nil {
		t.Fatalf("failed-chunk record = %+v, %v, want fallback", rec, ok)
	}
	if rec.Name != "BM249" || rec.PriceNowGrosz != nil {
		t.Errorf("fallback record = %+v, want name equal to code and no price", rec)
	}

	if len(set.Failed) != 50 {
		t.Errorf("Failed count = %d, want the failing chunk's 50 codes", len(set.Failed))
	}

	// Fallbacks stay cached under this context: no refetch.
	before := api.batchCount()
	set2, err := r.Resolve(context.Background(), []string{"BM249"}, "1135")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if api.batchCount() != before {
		t.Error("cached fallback should not trigger a refetch under the same context")
	}
	if len(set2.Failed) != 1 || set2.Failed[0] != "BM249" {
		t.Errorf("cached fallback must still be reported failed, got %v", set2.Failed)
	}
}

func TestResolveContextChangeRetriesFreshKeys(t *testing.T) {
	api := newFakePricingAPI()
	api.failCodes["ALT"] = true
	r := New(api)
	ctx := context.Background()

	set, err := r.Resolve(ctx, []string{"ALT"}, "1135")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if len(set.Failed) != 1 {
		t.Fatalf("Failed = %v, want [ALT]", set.Failed)
	}

	// The service recovers; a new context must produce a cache miss.
	api.failCodes = map[string]bool{}
	set, err = r.Resolve(ctx, []string{"ALT"}, "2200")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if rec, _ := set.Get("ALT"); rec == nil || rec.Name != "Name of ALT" {
		t.Errorf("record under new context = %+v, want a real resolution", rec)
	}
	if got := api.fetchesFor("ALT"); got != 2 {
		t.Errorf("ALT fetched %d times, want 2 (once per context)", got)
	}

	// The old context keeps its fallback: contexts never invalidate each
	// other.
	before := api.batchCount()
	set, err = r.Resolve(ctx, []string{"ALT"}, "1135")
	if err != nil {
		t.Fatalf("third Resolve: %v", err)
	}
	if api.batchCount() != before {
		t.Error("old-context entry should still be served from cache")
	}
	if len(set.Failed) != 1 {
		t.Errorf("old-context record should still be the fallback, Failed = %v", set.Failed)
	}
}

func TestResolveCallerCancellation(t *testing.T) {
	api := newFakePricingAPI()
	api.block = make(chan struct{})
	r := New(api)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Resolve(ctx, []string{"ALT"}, "1135")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve error = %v, want context.Canceled", err)
	}

	// The interrupted claim must have been released so a later call
	// retries the lookup.
	deadline := time.Now().Add(2 * time.Second)
	for r.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancelled claims were never released")
		}
		time.Sleep(time.Millisecond)
	}

	close(api.block) // un-gate lookups for the retry
	set, err := r.Resolve(context.Background(), []string{"ALT"}, "1135")
	if err != nil {
		t.Fatalf("retry Resolve: %v", err)
	}
	if rec, _ := set.Get("ALT"); rec == nil || rec.Name != "Name of ALT" {
		t.Errorf("retried record = %+v, want a real resolution", rec)
	}
	if got := api.fetchesFor("ALT"); got != 2 {
		t.Errorf("ALT fetched %d times, want 2 (cancelled fetch plus retry)", got)
	}
}
