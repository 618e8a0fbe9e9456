package httpx

import (
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-storefront-checkout/internal/cart"
	"github.com/ariefcatur/go-storefront-checkout/internal/pricing"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type CartHandler struct {
	Carts  *cart.Service
	Prices cart.PriceResolver
	Log    *zap.Logger
}

type addItemReq struct {
	ProductID string `json:"product_id"`
	SizeML    int    `json:"size_ml"`
	Quantity  int    `json:"quantity"`
}

type setQuantityReq struct {
	Quantity int `json:"quantity"`
}

type cartResp struct {
	Authenticated bool `json:"authenticated"`
	cart.Totals
}

func (h *CartHandler) Register(r chi.Router) {
	r.Get("/cart", h.getCart)
	r.Delete("/cart", h.clear)
	r.Post("/cart/items", h.addItem)
	r.Put("/cart/items/{productID}/{size}", h.setQuantity)
	r.Delete("/cart/items/{productID}/{size}", h.removeItem)
	r.Get("/prices/{productID}/{size}", h.price)
}

// RegisterMerge mounts the login merge; it needs an authenticated router.
func (h *CartHandler) RegisterMerge(r chi.Router) {
	r.Post("/cart/merge", h.merge)
}

func identity(r *http.Request) cart.Identity {
	return cart.Identity{ShopperID: shopperID(r.Context()), SessionID: sessionID(r.Context())}
}

func variantParams(r *http.Request) (string, int, bool) {
	size, err := strconv.Atoi(chi.URLParam(r, "size"))
	productID := chi.URLParam(r, "productID")
	return productID, size, err == nil && productID != "" && size > 0
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	totals, err := h.Carts.Open(id).Total(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Authenticated: id.Authenticated(), Totals: totals})
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ProductID == "" || req.SizeML <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	line, err := h.Carts.Open(identity(r)).AddItem(r.Context(), req.ProductID, req.SizeML, req.Quantity)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

func (h *CartHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	productID, size, ok := variantParams(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid variant"})
		return
	}
	var req setQuantityReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	line, err := h.Carts.Open(identity(r)).UpdateQuantity(r.Context(), productID, size, req.Quantity)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if req.Quantity <= 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	productID, size, ok := variantParams(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid variant"})
		return
	}
	if err := h.Carts.Open(identity(r)).RemoveItem(r.Context(), productID, size); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.Carts.Open(identity(r)).Clear(r.Context()); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) merge(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	res, err := h.Carts.MergeOnLogin(r.Context(), id.SessionID, id.ShopperID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type priceResp struct {
	ProductID   string                `json:"product_id"`
	SizeML      int                   `json:"size_ml"`
	Purchasable bool                  `json:"purchasable"`
	Price       pricing.ResolvedPrice `json:"price"`
}

func (h *CartHandler) price(w http.ResponseWriter, r *http.Request) {
	productID, size, ok := variantParams(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid variant"})
		return
	}
	p, err := h.Prices.PriceFor(r.Context(), productID, size)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResp{ProductID: productID, SizeML: size, Purchasable: p.Purchasable(), Price: p})
}
