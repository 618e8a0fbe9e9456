// Package checkout drives a signed-in shopper from a cart to a payment session and records
// the order once the payment is confirmed.
//
// A draft moves forward only: draft, quote_ready, payment_in_progress, then paid or failed.
// Stock is re-validated before a draft exists; from then on the shopper's reservations hold
// it until the order is finalized.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/cart"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/gateway"
	"github.com/shopspring/decimal"
)

var (
	ErrNotAuthenticated       = errors.New("checkout requires a signed-in shopper")
	ErrEmptyCart              = errors.New("cart is empty")
	ErrAddressRequired        = errors.New("address is required")
	ErrQuoteUnavailable       = errors.New("no shipping service available for this address")
	ErrUnknownShippingService = errors.New("shipping service was not offered for this draft")
	ErrDraftNotFound          = errors.New("draft not found")
	ErrDraftClosed            = errors.New("draft is closed")
	ErrInvalidTransition      = errors.New("draft is not in a state that allows this step")
	ErrStatusConflict         = errors.New("draft status changed concurrently")
	ErrOrderNotFound          = errors.New("order not found")
	ErrCouponInvalid          = errors.New("coupon is not valid")
)

type ShortfallReason string

const (
	ReasonStock    ShortfallReason = "insufficient_stock"
	ReasonUnpriced ShortfallReason = "not_purchasable"
)

type Shortfall struct {
	ProductID string          `json:"product_id"`
	SizeML    int             `json:"size_ml"`
	Requested int             `json:"requested"`
	Available int             `json:"available"`
	Reason    ShortfallReason `json:"reason"`
}

// ShortfallError lists every line that can no longer be satisfied. No draft exists when it
// is returned.
type ShortfallError struct {
	Shortfalls []Shortfall
}

func (e *ShortfallError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s/%dml (%s: requested %d, available %d)",
			s.ProductID, s.SizeML, s.Reason, s.Requested, s.Available))
	}
	return "cart changed since it was loaded: " + strings.Join(parts, ", ")
}

func AsShortfall(err error) (*ShortfallError, bool) {
	var se *ShortfallError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

type DraftLine struct {
	ProductID string          `json:"product_id"`
	SizeML    int             `json:"size_ml"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l DraftLine) Key() catalog.VariantKey {
	return catalog.VariantKey{ProductID: l.ProductID, SizeML: l.SizeML}
}

type Draft struct {
	ID              string          `json:"id"`
	ShopperID       string          `json:"shopper_id"`
	AddressID       string          `json:"address_id"`
	Status          Status          `json:"status"`
	Lines           []DraftLine     `json:"lines"`
	Quotes          []gateway.Quote `json:"quotes"`
	ShippingService string          `json:"shipping_service,omitempty"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Packaging       decimal.Decimal `json:"packaging"`
	CouponCode      string          `json:"coupon_code,omitempty"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	PaymentRef      string          `json:"payment_ref,omitempty"`
	RedirectURL     string          `json:"redirect_url,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (d Draft) quote(service string) (gateway.Quote, bool) {
	for _, q := range d.Quotes {
		if q.Service == service {
			return q, true
		}
	}
	return gateway.Quote{}, false
}

// Order is the committed record of a confirmed draft. Only PaymentStatus changes after it is
// created.
type Order struct {
	ID             string          `json:"id"`
	DraftID        string          `json:"draft_id"`
	ShopperID      string          `json:"shopper_id"`
	OrderNumber    string          `json:"order_number"`
	TransactionRef string          `json:"transaction_ref"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Outcome is what the confirmation collaborator said about a draft.
type Outcome struct {
	Status         string
	OrderNumber    string
	TotalAmount    decimal.Decimal
	TransactionRef string
	PaymentMethod  string
}

type Repo interface {
	CreateDraft(ctx context.Context, d Draft) error
	Draft(ctx context.Context, id string) (Draft, error)
	// UpdateDraft stores d only while the stored status is still from; otherwise it returns
	// ErrStatusConflict.
	UpdateDraft(ctx context.Context, d Draft, from Status) error
	// UpsertOrder creates the order for o.DraftID, or moves an existing one to
	// o.PaymentStatus. Other fields of an existing order are kept.
	UpsertOrder(ctx context.Context, o Order) (Order, error)
	OrderByDraft(ctx context.Context, draftID string) (Order, error)
}

type CartOpener interface {
	Open(id cart.Identity) cart.Store
}

type QuoteProvider interface {
	Quotes(ctx context.Context, draftID string) ([]gateway.Quote, error)
}

type PaymentGateway interface {
	OpenSession(ctx context.Context, draftID string, amount decimal.Decimal, currency string) (gateway.Session, error)
}
