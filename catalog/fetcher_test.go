package catalog

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

const sampleExport = `code;name;slug;price_grosz;category
ALT;Alanina aminotransferaza;alanina-aminotransferaza;900;Enzymy
ZELAZO;Żelazo;;1100;Pierwiastki
TSH;Hormon tyreotropowy;hormon-tyreotropowy;;Hormony
alt;Duplikat ALT;duplikat;100;Enzymy
;Bez kodu;bez-kodu;100;
GLU;;;;
`

func serveBytes(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchAllParsesExport(t *testing.T) {
	server := serveBytes(t, http.StatusOK, []byte(sampleExport))

	entries, byCode, bySlug, err := NewFetcher(server.URL).FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	// Duplicate, code-less and name-less rows are dropped.
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	alt, ok := byCode["ALT"]
	if !ok {
		t.Fatal("expected ALT in the code index")
	}
	if alt.Name != "Alanina aminotransferaza" {
		t.Errorf("unexpected ALT name %q", alt.Name)
	}
	if alt.PriceGrosz == nil || *alt.PriceGrosz != 900 {
		t.Errorf("expected ALT price 900, got %v", alt.PriceGrosz)
	}

	zelazo := byCode["ZELAZO"]
	if zelazo.Slug != "zelazo" {
		t.Errorf("expected the slug derived from the name, got %q", zelazo.Slug)
	}
	if zelazo.Name != "Żelazo" {
		t.Errorf("unexpected name %q", zelazo.Name)
	}

	if tsh := byCode["TSH"]; tsh.PriceGrosz != nil {
		t.Errorf("expected TSH unpriced, got %d", *tsh.PriceGrosz)
	}

	if _, ok := bySlug["alanina-aminotransferaza"]; !ok {
		t.Error("expected ALT slug in the slug index")
	}
	if _, ok := bySlug["zelazo"]; !ok {
		t.Error("expected the derived slug in the slug index")
	}
}

func TestFetchAllDecodesLatin2(t *testing.T) {
	utf8Export := "code;name;slug;price_grosz;category\nZELAZO;Żelazo;;1100;Pierwiastki\n"
	encoded, err := charmap.ISO8859_2.NewEncoder().String(utf8Export)
	if err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	if strings.Contains(encoded, "Żelazo") {
		t.Fatal("fixture must not already be UTF-8")
	}
	server := serveBytes(t, http.StatusOK, []byte(encoded))

	entries, _, _, err := NewFetcher(server.URL).FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "Żelazo" {
		t.Errorf("expected the Latin-2 name decoded, got %+v", entries)
	}
}

func TestFetchAllRejectsBadStatus(t *testing.T) {
	server := serveBytes(t, http.StatusServiceUnavailable, nil)

	_, _, _, err := NewFetcher(server.URL).FetchAll(context.Background())
	if err == nil {
		t.Fatal("expected an error on a 503 response")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchAllRejectsUnknownHeader(t *testing.T) {
	server := serveBytes(t, http.StatusOK, []byte("kod;nazwa\nALT;Alanina\n"))

	_, _, _, err := NewFetcher(server.URL).FetchAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected a missing-column error, got %v", err)
	}
}

func TestFetchAllRejectsEmptyExport(t *testing.T) {
	server := serveBytes(t, http.StatusOK, []byte("code;name;slug;price_grosz;category\n"))

	_, _, _, err := NewFetcher(server.URL).FetchAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no usable rows") {
		t.Fatalf("expected an empty-export error, got %v", err)
	}
}

func TestFetchAllRejectsOversizedExport(t *testing.T) {
	header := []byte("code;name;slug;price_grosz;category\n")
	row := []byte("ALT;Alanina aminotransferaza;alanina;900;Enzymy\n")
	body := append(header, bytes.Repeat(row, maxCatalogBytes/len(row)+1)...)
	server := serveBytes(t, http.StatusOK, body)

	_, _, _, err := NewFetcher(server.URL).FetchAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected an oversized-export error, got %v", err)
	}
}

func TestFetchAllHonorsContext(t *testing.T) {
	server := serveBytes(t, http.StatusOK, []byte(sampleExport))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, _, err := NewFetcher(server.URL).FetchAll(ctx)
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}
