// Package pricing implements the client for the remote pricing service:
// biomarker code resolution, basket pricing under the auto, split and
// single-lab strategies, and the batched cross-provider comparison. It
// also carries the static lab registry used to label providers.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
)

// Compile-time check to ensure Client implements PricingAPI
var _ interfaces.PricingAPI = (*Client)(nil)

const (
	resolvePath    = "/v1/biomarkers/resolve"
	selectionPath  = "/v1/pricing/selection"
	comparisonPath = "/v1/pricing/comparison"

	// maxResponseBytes caps how much of a pricing response is read.
	maxResponseBytes = 8 * 1024 * 1024
)

// Client talks JSON over HTTP to the pricing service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a pricing client for the given base URL.
// Every operation is a single POST; a comparison refresh chains up to
// three of them, so the per-call timeout stays short.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type resolveRequest struct {
	Codes   []string `json:"codes"`
	Context string   `json:"context,omitempty"`
}

type resolveResponse struct {
	Records map[string]*biomarkers.Resolution `json:"records"`
}

// ResolveBiomarkerBatch resolves codes to descriptive records. Codes the
// service does not know come back as nil records under their canonical
// key; that is a normal outcome, not an error.
func (c *Client) ResolveBiomarkerBatch(ctx context.Context, codes []string, pricingContext string) (map[string]*biomarkers.Resolution, error) {
	const op = "resolve"

	body, err := c.post(ctx, op, resolvePath, resolveRequest{
		Codes:   biomarkers.NormalizeAll(codes),
		Context: pricingContext,
	})
	if err != nil {
		return nil, err
	}

	var parsed resolveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &SchemaError{Op: op, Err: err}
	}
	if parsed.Records == nil {
		return nil, &SchemaError{Op: op, Err: errors.New("missing records object")}
	}

	// Re-key by canonical form so lookups never depend on the service's
	// casing of the echoed codes.
	records := make(map[string]*biomarkers.Resolution, len(parsed.Records))
	for code, rec := range parsed.Records {
		canonical := biomarkers.Normalize(code)
		if canonical == "" {
			continue
		}
		if rec != nil {
			rec.Code = canonical
		}
		records[canonical] = rec
	}
	return records, nil
}

type selectionRequest struct {
	Codes    []string `json:"codes"`
	Mode     string   `json:"mode"`
	Provider string   `json:"provider,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// PriceSelection prices a code set under one strategy. provider is only
// sent for ModeSingleLab.
func (c *Client) PriceSelection(ctx context.Context, codes []string, mode biomarkers.Mode, provider string, pricingContext string) (*biomarkers.PricedBasket, error) {
	const op = "price_selection"

	req := selectionRequest{
		Codes:   biomarkers.NormalizeAll(codes),
		Mode:    string(mode),
		Context: pricingContext,
	}
	if mode == biomarkers.ModeSingleLab {
		req.Provider = biomarkers.Normalize(provider)
	}

	body, err := c.post(ctx, op, selectionPath, req)
	if err != nil {
		return nil, err
	}

	var basket biomarkers.PricedBasket
	if err := json.Unmarshal(body, &basket); err != nil {
		return nil, &SchemaError{Op: op, Err: err}
	}
	if basket.Provider == "" && mode != biomarkers.ModeSplit {
		return nil, &SchemaError{Op: op, Err: errors.New("basket missing provider code")}
	}
	basket.Provider = biomarkers.Normalize(basket.Provider)
	return &basket, nil
}

type comparisonRequest struct {
	Codes   []string `json:"codes"`
	Context string   `json:"context,omitempty"`
}

// PriceComparison prices a code set across providers in a single call.
func (c *Client) PriceComparison(ctx context.Context, codes []string, pricingContext string) (*biomarkers.ComparisonQuote, error) {
	const op = "price_comparison"

	body, err := c.post(ctx, op, comparisonPath, comparisonRequest{
		Codes:   biomarkers.NormalizeAll(codes),
		Context: pricingContext,
	})
	if err != nil {
		return nil, err
	}

	var quote biomarkers.ComparisonQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, &SchemaError{Op: op, Err: err}
	}
	if quote.Auto == nil {
		return nil, &SchemaError{Op: op, Err: errors.New("missing auto basket")}
	}

	// Re-key provider baskets by canonical code.
	if quote.ByProvider != nil {
		byProvider := make(map[string]*biomarkers.PricedBasket, len(quote.ByProvider))
		for code, basket := range quote.ByProvider {
			byProvider[biomarkers.Normalize(code)] = basket
		}
		quote.ByProvider = byProvider
	}
	return &quote, nil
}

// post sends a JSON request and returns the decoded response body as
// UTF-8. Transport problems and non-2xx statuses become NetworkError.
func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &SchemaError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Warn("Failed to close pricing response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Op: op, Status: resp.StatusCode}
	}

	// Some upstream lab exports still arrive in ISO-8859-2; decode before
	// handing the bytes to the JSON parser.
	if !utf8.Valid(body) {
		decoded, err := charmap.ISO8859_2.NewDecoder().Bytes(body)
		if err != nil {
			return nil, &SchemaError{Op: op, Err: fmt.Errorf("decoding latin-2 response: %w", err)}
		}
		body = decoded
	}
	return body, nil
}
