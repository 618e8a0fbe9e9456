package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/confirm"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	LoginPath = "/login"
	CartPath  = "/cart"
)

type CheckoutHandler struct {
	Checkout *checkout.Orchestrator
	Tracker  *confirm.Tracker
	Log      *zap.Logger
}

type createDraftReq struct {
	AddressID string `json:"address_id"`
}

type createDraftResp struct {
	checkout.Draft
	Retry bool   `json:"retry,omitempty"`
	Error string `json:"error,omitempty"`
}

type shippingReq struct {
	Service string `json:"service"`
}

type paymentReq struct {
	CouponCode string `json:"coupon_code"`
}

type confirmationReq struct {
	TransactionID string `json:"transaction_id"`
	SessionID     string `json:"session_id"`
	PaymentMethod string `json:"payment_method"`
}

type confirmationResp struct {
	confirm.Result
	Started bool `json:"started"`
}

// RegisterEntry mounts the checkout page entry. It redirects anonymous shoppers, so it sits
// outside the authenticated group.
func (h *CheckoutHandler) RegisterEntry(r chi.Router) {
	r.Get("/checkout", h.enter)
}

// Register mounts the draft routes. r must already require authentication.
func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout/drafts", h.createDraft)
	r.Get("/checkout/drafts/{id}", h.getDraft)
	r.Post("/checkout/drafts/{id}/quotes", h.requestQuotes)
	r.Put("/checkout/drafts/{id}/shipping", h.selectShipping)
	r.Post("/checkout/drafts/{id}/payment", h.beginPayment)
	r.Post("/checkout/drafts/{id}/confirmation", h.startConfirmation)
	r.Get("/checkout/drafts/{id}/confirmation", h.confirmationStatus)
	r.Delete("/checkout/drafts/{id}/confirmation", h.cancelConfirmation)
}

func (h *CheckoutHandler) enter(w http.ResponseWriter, r *http.Request) {
	err := h.Checkout.Enter(r.Context(), identity(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	case errors.Is(err, checkout.ErrNotAuthenticated):
		http.Redirect(w, r, LoginPath+"?next=/checkout", http.StatusSeeOther)
	case errors.Is(err, checkout.ErrEmptyCart):
		http.Redirect(w, r, CartPath, http.StatusSeeOther)
	default:
		writeError(w, r, h.Log, err)
	}
}

func (h *CheckoutHandler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	d, err := h.Checkout.CreateDraft(r.Context(), shopperID(r.Context()), req.AddressID)
	if errors.Is(err, checkout.ErrQuoteUnavailable) {
		// the draft exists; the client asks for quotes again
		writeJSON(w, http.StatusOK, createDraftResp{Draft: d, Retry: true, Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, createDraftResp{Draft: d})
}

func (h *CheckoutHandler) getDraft(w http.ResponseWriter, r *http.Request) {
	d, err := h.Checkout.Draft(r.Context(), shopperID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *CheckoutHandler) requestQuotes(w http.ResponseWriter, r *http.Request) {
	d, err := h.Checkout.RequestQuotes(r.Context(), shopperID(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, checkout.ErrQuoteUnavailable) {
		writeJSON(w, http.StatusOK, createDraftResp{Draft: d, Retry: true, Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, createDraftResp{Draft: d})
}

func (h *CheckoutHandler) selectShipping(w http.ResponseWriter, r *http.Request) {
	var req shippingReq
	if err := decodeJSON(r, &req); err != nil || req.Service == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing service"})
		return
	}
	d, err := h.Checkout.SelectShipping(r.Context(), shopperID(r.Context()), chi.URLParam(r, "id"), req.Service)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *CheckoutHandler) beginPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentReq
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}
	d, err := h.Checkout.BeginPayment(r.Context(), shopperID(r.Context()), chi.URLParam(r, "id"), req.CouponCode)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *CheckoutHandler) startConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmationReq
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	d, err := h.Checkout.Draft(ctx, shopperID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	ref := confirm.Ref{TransactionRef: req.TransactionID, SessionID: req.SessionID, PaymentMethod: req.PaymentMethod}
	if ref.SessionID == "" {
		ref.SessionID = d.PaymentRef
	}
	if ref.TransactionRef == "" && ref.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": confirm.ErrMissingReference.Error()})
		return
	}
	res, started := h.Tracker.Start(d.ID, ref)
	code := http.StatusAccepted
	if !started {
		code = http.StatusOK
	}
	writeJSON(w, code, confirmationResp{Result: res, Started: started})
}

func (h *CheckoutHandler) confirmationStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	d, err := h.Checkout.Draft(ctx, shopperID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	res, found, err := h.Tracker.Status(ctx, d.ID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no confirmation in progress"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) cancelConfirmation(w http.ResponseWriter, r *http.Request) {
	d, err := h.Checkout.Draft(r.Context(), shopperID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if !h.Tracker.Cancel(d.ID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no confirmation in progress"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
