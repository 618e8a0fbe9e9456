package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/cart"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/confirm"
	"github.com/ariefcatur/go-storefront-checkout/internal/gateway"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/packaging"
	"github.com/ariefcatur/go-storefront-checkout/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	quotes []gateway.Quote
}

func (g *stubGateway) Quotes(context.Context, string) ([]gateway.Quote, error) {
	return g.quotes, nil
}

func (g *stubGateway) OpenSession(_ context.Context, draftID string, _ decimal.Decimal, _ string) (gateway.Session, error) {
	return gateway.Session{ID: "sess-" + draftID, RedirectURL: "https://pay.example/" + draftID}, nil
}

func (g *stubGateway) Confirm(context.Context, string, gateway.ConfirmRequest) (gateway.Confirmation, error) {
	return gateway.Confirmation{Success: true, Order: gateway.ConfirmedOrder{
		Status: gateway.OrderPaid, OrderNumber: "ORD-9", TotalAmount: decimal.NewFromInt(90),
	}}, nil
}

type testServer struct {
	h       http.Handler
	auth    *Auth
	ledger  *ledger.Memory
	gw      *stubGateway
	tracker *confirm.Tracker
}

var p1five = catalog.VariantKey{ProductID: "p1", SizeML: 5}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cat := catalog.NewMemory(catalog.Product{
		ID: "p1", Name: "Oud", Sizes: []int{5, 10},
		Price5ML: decimal.NewFromInt(40), Price10ML: decimal.NewFromInt(70),
	})
	prices := pricing.NewMemory()
	resolver := &pricing.Resolver{Catalog: cat, Entries: prices, Promotions: prices}
	l := ledger.NewMemory()
	l.SetStock(p1five, 10)

	carts := &cart.Service{
		Catalog: cat,
		Prices:  resolver,
		Ledger:  l,
		Lines:   cart.NewMemoryLines(),
		Guests:  cart.NewMemoryGuests(),
		Packaging: packaging.Table{
			DecantMaxML: 10, DecantBoxCapacity: 6,
			DecantBoxCost: decimal.RequireFromString("4.50"), BottleBoxCost: decimal.RequireFromString("9.90"),
		},
	}
	gw := &stubGateway{quotes: []gateway.Quote{{Service: "standard", Price: decimal.NewFromInt(10)}}}
	orch := &checkout.Orchestrator{
		Carts:    carts,
		Ledger:   l,
		Repo:     checkout.NewMemoryRepo(),
		Quotes:   gw,
		Payments: gw,
		Currency: "BRL",
	}
	tracker := confirm.NewTracker(&confirm.Poller{Gateway: gw, Orders: orch, Interval: time.Millisecond}, nil, nil)
	t.Cleanup(func() { _ = tracker.Shutdown(context.Background()) })

	auth := &Auth{Secret: []byte("test-secret")}
	h := NewRouter(Deps{
		Auth:     auth,
		Cart:     &CartHandler{Carts: carts, Prices: resolver},
		Checkout: &CheckoutHandler{Checkout: orch, Tracker: tracker},
		Limiter:  NewRateLimiter(1000, 1000),
	})
	return &testServer{h: h, auth: auth, ledger: l, gw: gw, tracker: tracker}
}

type call struct {
	method, path string
	body         any
	shopper      string
	session      string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set(SessionHeader, c.session)
	}
	if c.shopper != "" {
		tok, err := s.auth.Sign(c.shopper, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestGuestCartUsesSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodPost, path: "/cart/items",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 2}})
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := rec.Header().Get(SessionHeader)
	require.NotEmpty(t, sid)
	require.NotEmpty(t, rec.Result().Cookies())

	rec = s.do(t, call{method: http.MethodGet, path: "/cart", session: sid})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[cartResp](t, rec)
	assert.False(t, got.Authenticated)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, 2, got.Lines[0].Quantity)
	assert.True(t, decimal.NewFromInt(80).Equal(got.Subtotal))

	rec = s.do(t, call{method: http.MethodGet, path: "/cart", session: "someone-else"})
	assert.Empty(t, decode[cartResp](t, rec).Lines)
}

func TestAddItemErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 11}})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	require.NotNil(t, body.Available)
	assert.Equal(t, 10, *body.Available)
	assert.Equal(t, 11, body.Requested)

	rec = s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 100, "quantity": 1}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 1, "extra": true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndRemoveItem(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 2}})

	rec := s.do(t, call{method: http.MethodPut, path: "/cart/items/p1/5", shopper: "alice", body: map[string]any{"quantity": 4}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[cart.Line](t, rec).Quantity)

	rec = s.do(t, call{method: http.MethodPut, path: "/cart/items/p1/abc", shopper: "alice", body: map[string]any{"quantity": 4}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodDelete, path: "/cart/items/p1/5", shopper: "alice"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, call{method: http.MethodPut, path: "/cart/items/p1/5", shopper: "alice", body: map[string]any{"quantity": 1}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPriceLookup(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, call{method: http.MethodGet, path: "/prices/p1/10"})
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Purchasable bool                  `json:"purchasable"`
		Price       pricing.ResolvedPrice `json:"price"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Purchasable)
	assert.True(t, decimal.NewFromInt(70).Equal(got.Price.Final))
}

func TestCheckoutEntryRedirects(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodGet, path: "/checkout"})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=/checkout", rec.Header().Get("Location"))

	rec = s.do(t, call{method: http.MethodGet, path: "/checkout", shopper: "alice"})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/cart", rec.Header().Get("Location"))

	s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 1}})
	rec = s.do(t, call{method: http.MethodGet, path: "/checkout", shopper: "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDraftRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, call{method: http.MethodPost, path: "/checkout/drafts", body: map[string]any{"address_id": "a1"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/cart/merge"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMergeOnLogin(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, call{method: http.MethodPost, path: "/cart/items", session: "guest-1",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 3}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/cart/merge", shopper: "alice", session: "guest-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/cart", shopper: "alice", session: "guest-1"})
	got := decode[cartResp](t, rec)
	assert.True(t, got.Authenticated)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, 3, got.Lines[0].Quantity)
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 2}})

	rec := s.do(t, call{method: http.MethodPost, path: "/checkout/drafts", shopper: "alice", body: map[string]any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "address is required")

	rec = s.do(t, call{method: http.MethodPost, path: "/checkout/drafts", shopper: "alice", body: map[string]any{"address_id": "a1"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	d := decode[checkout.Draft](t, rec)
	require.NotEmpty(t, d.ID)
	base := "/checkout/drafts/" + d.ID

	rec = s.do(t, call{method: http.MethodGet, path: base, shopper: "bob"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "drafts are private")

	rec = s.do(t, call{method: http.MethodPost, path: base + "/payment", shopper: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code, "payment before a quote is chosen")

	rec = s.do(t, call{method: http.MethodPut, path: base + "/shipping", shopper: "alice", body: map[string]any{"service": "drone"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, call{method: http.MethodPut, path: base + "/shipping", shopper: "alice", body: map[string]any{"service": "standard"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, checkout.StatusQuoteReady, decode[checkout.Draft](t, rec).Status)

	rec = s.do(t, call{method: http.MethodPost, path: base + "/payment", shopper: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	d = decode[checkout.Draft](t, rec)
	assert.Equal(t, checkout.StatusPaymentInProgress, d.Status)
	assert.Equal(t, "sess-"+d.ID, d.PaymentRef)

	rec = s.do(t, call{method: http.MethodPost, path: base + "/confirmation", shopper: "alice"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := s.do(t, call{method: http.MethodGet, path: base + "/confirmation", shopper: "alice"})
		return rec.Code == http.StatusOK && decode[confirm.Result](t, rec).Status == confirm.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	rec = s.do(t, call{method: http.MethodGet, path: base, shopper: "alice"})
	assert.Equal(t, checkout.StatusPaid, decode[checkout.Draft](t, rec).Status)
	assert.Equal(t, 8, s.ledger.Stock(p1five))

	rec = s.do(t, call{method: http.MethodGet, path: "/cart", shopper: "alice"})
	assert.Empty(t, decode[cartResp](t, rec).Lines)
}

func TestCreateDraftWithoutQuotesAsksForRetry(t *testing.T) {
	s := newTestServer(t)
	s.gw.quotes = nil
	s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 1}})

	rec := s.do(t, call{method: http.MethodPost, path: "/checkout/drafts", shopper: "alice", body: map[string]any{"address_id": "a1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[createDraftResp](t, rec)
	assert.True(t, got.Retry)
	require.NotEmpty(t, got.ID)

	s.gw.quotes = []gateway.Quote{{Service: "standard", Price: decimal.NewFromInt(10)}}
	rec = s.do(t, call{method: http.MethodPost, path: "/checkout/drafts/" + got.ID + "/quotes", shopper: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[createDraftResp](t, rec)
	assert.False(t, got.Retry)
	assert.Len(t, got.Quotes, 1)
}

func TestCreateDraftShortfall(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 4}})
	s.ledger.SetStock(p1five, 2)

	rec := s.do(t, call{method: http.MethodPost, path: "/checkout/drafts", shopper: "alice", body: map[string]any{"address_id": "a1"}})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	require.Len(t, body.Shortfalls, 1)
	assert.Equal(t, 2, body.Shortfalls[0].Available)
}

func TestConfirmationNotFound(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodPost, path: "/cart/items", shopper: "alice",
		body: map[string]any{"product_id": "p1", "size_ml": 5, "quantity": 1}})
	rec := s.do(t, call{method: http.MethodPost, path: "/checkout/drafts", shopper: "alice", body: map[string]any{"address_id": "a1"}})
	d := decode[checkout.Draft](t, rec)

	rec = s.do(t, call{method: http.MethodGet, path: "/checkout/drafts/" + d.ID + "/confirmation", shopper: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/checkout/drafts/" + d.ID + "/confirmation", shopper: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no payment session yet")

	rec = s.do(t, call{method: http.MethodDelete, path: "/checkout/drafts/" + d.ID + "/confirmation", shopper: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per client")
}

func TestAuthRejectsForeignSignature(t *testing.T) {
	other := &Auth{Secret: []byte("other")}
	tok, err := other.Sign("alice", time.Hour)
	require.NoError(t, err)

	a := &Auth{Secret: []byte("test-secret")}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	_, err = a.parse(req)
	assert.Error(t, err)

	tok, err = a.Sign("alice", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	id, err := a.parse(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}
