package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/cart"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/gateway"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type errorBody struct {
	Error      string               `json:"error"`
	Requested  int                  `json:"requested,omitempty"`
	Available  *int                 `json:"available,omitempty"`
	Shortfalls []checkout.Shortfall `json:"shortfalls,omitempty"`
	Retryable  bool                 `json:"retryable,omitempty"`
}

// writeError maps domain errors to statuses. Anything unknown is logged and reported as 500
// without details.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	if ise, ok := ledger.AsInsufficientStock(err); ok {
		avail := ise.Available
		writeJSON(w, http.StatusConflict, errorBody{Error: ise.Error(), Requested: ise.Requested, Available: &avail})
		return
	}
	if se, ok := checkout.AsShortfall(err); ok {
		writeJSON(w, http.StatusConflict, errorBody{Error: se.Error(), Shortfalls: se.Shortfalls})
		return
	}

	code := http.StatusInternalServerError
	retryable := false
	switch {
	case errors.Is(err, cart.ErrStaleCatalogReference),
		errors.Is(err, cart.ErrNotPurchasable),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, checkout.ErrAddressRequired),
		errors.Is(err, checkout.ErrUnknownShippingService),
		errors.Is(err, checkout.ErrCouponInvalid),
		errors.Is(err, checkout.ErrEmptyCart):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, checkout.ErrDraftNotFound),
		errors.Is(err, checkout.ErrOrderNotFound):
		code = http.StatusNotFound
	case errors.Is(err, checkout.ErrDraftClosed),
		errors.Is(err, checkout.ErrInvalidTransition),
		errors.Is(err, checkout.ErrStatusConflict):
		code = http.StatusConflict
	case errors.Is(err, cart.ErrNoSession):
		code = http.StatusBadRequest
	case errors.Is(err, checkout.ErrNotAuthenticated):
		code = http.StatusUnauthorized
	case errors.Is(err, gateway.ErrPaymentDeclined):
		code = http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrGatewayUnreachable):
		code, retryable = http.StatusBadGateway, true
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg, Retryable: retryable})
}

// requestLogger writes one zap line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
