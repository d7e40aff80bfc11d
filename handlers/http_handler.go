// Package handlers provides HTTP request handlers for the panelyt API endpoints.
// This file implements the HTTPHandler interface with dependency injection.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/panelyt/panelyt-api/biomarkers"
	"github.com/panelyt/panelyt-api/comparison"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/selection"
	"github.com/panelyt/panelyt-api/session"
	"github.com/panelyt/panelyt-api/urlsync"
)

// Compile-time check to ensure HTTPHandlerImpl implements HTTPHandler
var _ interfaces.HTTPHandler = (*HTTPHandlerImpl)(nil)

// HTTPHandlerImpl implements the interfaces.HTTPHandler interface
type HTTPHandlerImpl struct {
	sessions  *session.Registry
	validator interfaces.Validator
}

// NewHTTPHandler creates a new HTTP handler with injected dependencies
func NewHTTPHandler(sessions *session.Registry, validator interfaces.Validator) interfaces.HTTPHandler {
	return &HTTPHandlerImpl{
		sessions:  sessions,
		validator: validator,
	}
}

// ServeHTTP implements the http.Handler interface
func (h *HTTPHandlerImpl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// This is a placeholder - the actual routing is handled by chi
	http.Error(w, "Not implemented", http.StatusNotImplemented)
}

// CartResponse is the selection-side view of a cart session. The pending
// flags report work still inside a debounce window, so a client can tell a
// settled view from one about to change.
type CartResponse struct {
	ID                string            `json:"id"`
	CreatedAt         string            `json:"created_at"`
	Biomarkers        []selection.Entry `json:"biomarkers"`
	ShareURL          string            `json:"share_url"`
	PricingContext    string            `json:"pricing_context,omitempty"`
	PendingURLWrite   bool              `json:"pending_url_write"`
	PendingComparison bool              `json:"pending_comparison"`
}

// cartResponse builds the JSON view for a live session
func cartResponse(sess *session.Session) CartResponse {
	entries := sess.Store.Snapshot()
	if entries == nil {
		entries = []selection.Entry{}
	}
	return CartResponse{
		ID:                sess.ID,
		CreatedAt:         sess.CreatedAt.UTC().Format(time.RFC3339),
		Biomarkers:        entries,
		ShareURL:          sess.Sync.ShareURL(""),
		PricingContext:    sess.Comparison.PricingContext(),
		PendingURLWrite:   sess.Sync.PendingWrite(),
		PendingComparison: sess.Comparison.PendingRefresh(),
	}
}

// lookupSession resolves the cartID path parameter, writing a 404 on miss
func (h *HTTPHandlerImpl) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "cartID")
	sess, ok := h.sessions.Get(id)
	if !ok {
		RespondWithError(w, http.StatusNotFound, "Cart not found")
		return nil, false
	}
	return sess, true
}

// decodeBody decodes a small JSON request body into dst. A missing body is
// not an error: dst keeps its zero value.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// CreateCart opens a new cart session. An optional {"url": "..."} body
// seeds the session from a shared link before the first response.
func (h *HTTPHandlerImpl) CreateCart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	initial := url.Values{}
	if body.URL != "" {
		parsed, err := url.Parse(body.URL)
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "Invalid url")
			return
		}
		initial = parsed.Query()

		// Seed codes face the same validation as a direct replace.
		if codes := biomarkers.SplitList(initial.Get(urlsync.DefaultParam)); len(codes) > 0 {
			if err := h.validator.ValidateCodes(codes); err != nil {
				RespondWithError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	sess := h.sessions.Create(initial)
	logging.Info("Cart created", "cart_id", sess.ID, "seeded", body.URL != "")
	RespondWithJSON(w, http.StatusCreated, cartResponse(sess))
}

// GetCart returns the live selection view
func (h *HTTPHandlerImpl) GetCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	RespondWithJSON(w, http.StatusOK, cartResponse(sess))
}

// DeleteCart tears a cart session down
func (h *HTTPHandlerImpl) DeleteCart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cartID")
	if !h.sessions.Delete(id) {
		RespondWithError(w, http.StatusNotFound, "Cart not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// AddBiomarker appends one code to the selection. Adding a code already
// present is a quiet no-op.
func (h *HTTPHandlerImpl) AddBiomarker(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var body struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.validator.ValidateBiomarkerCode(body.Code); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Re-adding a selected code stays a no-op even at the cap.
	if !sess.Store.Has(body.Code) {
		if err := h.validator.ValidateSelectionSize(sess.Store.Len() + 1); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if sess.Store.Add(body.Code, body.Name) {
		// Fetch the display name for the new code in the background
		sess.Sync.ResolveSelection()
	}
	RespondWithJSON(w, http.StatusOK, cartResponse(sess))
}

// RemoveBiomarker drops one code from the selection. Removing an absent
// code is a quiet no-op.
func (h *HTTPHandlerImpl) RemoveBiomarker(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	code := chi.URLParam(r, "code")
	if err := h.validator.ValidateBiomarkerCode(code); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess.Store.Remove(code)
	RespondWithJSON(w, http.StatusOK, cartResponse(sess))
}

// ReplaceBiomarkers swaps the full selection in one step. An empty list
// clears the cart.
func (h *HTTPHandlerImpl) ReplaceBiomarkers(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var body struct {
		Codes []string `json:"codes"`
	}
	if err := decodeBody(r, &body); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if len(body.Codes) == 0 {
		sess.Store.Clear()
		RespondWithJSON(w, http.StatusOK, cartResponse(sess))
		return
	}

	if err := h.validator.ValidateCodes(body.Codes); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries := make([]selection.Entry, len(body.Codes))
	for i, code := range body.Codes {
		entries[i] = selection.Entry{Code: code}
	}
	if sess.Store.ReplaceAll(entries) {
		sess.Sync.ResolveSelection()
	}
	RespondWithJSON(w, http.StatusOK, cartResponse(sess))
}

// ClearBiomarkers empties the selection
func (h *HTTPHandlerImpl) ClearBiomarkers(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	sess.Store.Clear()
	RespondWithJSON(w, http.StatusOK, cartResponse(sess))
}

// GetComparison returns the lab comparison for the current selection,
// computing it on demand when no fresh result is cached.
func (h *HTTPHandlerImpl) GetComparison(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	result, err := sess.Comparison.Current(r.Context())
	if err != nil {
		if errors.Is(err, comparison.ErrClosed) {
			RespondWithError(w, http.StatusNotFound, "Cart not found")
			return
		}
		// Caller cancellation, nothing useful to write
		logging.Debug("Comparison request cancelled", "cart_id", sess.ID)
		return
	}

	RespondWithJSON(w, http.StatusOK, result)
}

// SetChoice pins the active lab, switches to the all-labs view, or hands
// control back to the automatic pick on an empty provider.
func (h *HTTPHandlerImpl) SetChoice(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var body struct {
		Provider string `json:"provider"`
	}
	if err := decodeBody(r, &body); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	result, err := sess.Comparison.Choose(body.Provider)
	if err != nil {
		if errors.Is(err, comparison.ErrUnknownProvider) {
			RespondWithError(w, http.StatusUnprocessableEntity, "Provider is not among the current candidates")
			return
		}
		RespondWithError(w, http.StatusNotFound, "Cart not found")
		return
	}
	if result == nil {
		// No comparison computed yet, serve the placeholder
		result, err = sess.Comparison.Current(r.Context())
		if err != nil {
			RespondWithError(w, http.StatusNotFound, "Cart not found")
			return
		}
	}

	RespondWithJSON(w, http.StatusOK, result)
}

// GetShareURL builds the shareable link for the live selection
func (h *HTTPHandlerImpl) GetShareURL(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	locale := r.URL.Query().Get("locale")
	if err := h.validator.ValidateLocale(locale); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondWithJSON(w, http.StatusOK, map[string]any{
		"url": sess.Sync.ShareURL(locale),
	})
}

// SetPricingContext switches the pricing context for both the name
// resolution and the comparison engine.
func (h *HTTPHandlerImpl) SetPricingContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var body struct {
		PricingContext string `json:"pricing_context"`
	}
	if err := decodeBody(r, &body); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.validator.ValidatePricingContext(body.PricingContext); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess.SetPricingContext(body.PricingContext)
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"pricing_context": body.PricingContext,
	})
}
