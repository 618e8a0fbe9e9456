// Package cart holds a shopper's line items.
//
// Two backends share the Store interface. LocalCart serves anonymous sessions: lines live in an
// ephemeral guest record and availability is only checked, never reserved. PersistedCart serves
// signed-in shoppers: every quantity change is first reserved in the ledger and the line is
// written only when the reservation holds.
package cart

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/packaging"
	"github.com/ariefcatur/go-storefront-checkout/internal/pricing"
	"github.com/shopspring/decimal"
)

var (
	ErrStaleCatalogReference = errors.New("size is no longer offered for this product")
	ErrNotPurchasable        = errors.New("variant is not available for purchase")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrLineNotFound          = errors.New("cart line not found")
	ErrNoSession             = errors.New("no cart session")
)

// IsRecoverable reports errors caused by the shopper's request or by stock, as opposed to
// infrastructure failures.
func IsRecoverable(err error) bool {
	if _, ok := ledger.AsInsufficientStock(err); ok {
		return true
	}
	return errors.Is(err, ErrStaleCatalogReference) ||
		errors.Is(err, ErrNotPurchasable) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrLineNotFound)
}

type Line struct {
	ProductID string            `json:"product_id"`
	SizeML    int               `json:"size_ml"`
	Quantity  int               `json:"quantity"`
	AddedAt   time.Time         `json:"added_at"`
	Snapshot  *catalog.Snapshot `json:"product_snapshot,omitempty"`
}

func (l Line) Key() catalog.VariantKey {
	return catalog.VariantKey{ProductID: l.ProductID, SizeML: l.SizeML}
}

func indexOf(lines []Line, key catalog.VariantKey) int {
	for i, l := range lines {
		if l.Key() == key {
			return i
		}
	}
	return -1
}

// Identity selects the backend: a shopper id means a persisted cart, otherwise the session's
// local cart is used.
type Identity struct {
	ShopperID string
	SessionID string
}

func (i Identity) Authenticated() bool { return i.ShopperID != "" }

type PricedLine struct {
	Line
	Price       pricing.ResolvedPrice `json:"price"`
	LineTotal   decimal.Decimal       `json:"line_total"`
	Unavailable bool                  `json:"unavailable,omitempty"`
}

type Totals struct {
	Lines       []PricedLine          `json:"lines"`
	Subtotal    decimal.Decimal       `json:"subtotal"`
	Packaging   decimal.Decimal       `json:"packaging"`
	Containers  []packaging.Container `json:"containers"`
	Total       decimal.Decimal       `json:"total"`
	Unavailable []catalog.VariantKey  `json:"unavailable,omitempty"`
}

type Store interface {
	// AddItem adds quantity to the (product, size) line, creating it when absent.
	AddItem(ctx context.Context, productID string, sizeML, quantity int) (Line, error)
	// UpdateQuantity sets the line to quantity; zero or less removes it.
	UpdateQuantity(ctx context.Context, productID string, sizeML, quantity int) (Line, error)
	RemoveItem(ctx context.Context, productID string, sizeML int) error
	Clear(ctx context.Context) error
	Items(ctx context.Context) ([]Line, error)
	Total(ctx context.Context) (Totals, error)
}

type PriceResolver interface {
	PriceFor(ctx context.Context, productID string, sizeML int) (pricing.ResolvedPrice, error)
}

// LineRepo persists signed-in shoppers' lines. Upsert writes the absolute quantity.
type LineRepo interface {
	List(ctx context.Context, shopperID string) ([]Line, error)
	Upsert(ctx context.Context, shopperID string, line Line) error
	Delete(ctx context.Context, shopperID string, key catalog.VariantKey) error
	DeleteAll(ctx context.Context, shopperID string) error
}

// GuestRepo stores the whole anonymous cart as one record per session.
type GuestRepo interface {
	Load(ctx context.Context, sessionID string) ([]Line, error)
	Save(ctx context.Context, sessionID string, lines []Line) error
	Delete(ctx context.Context, sessionID string) error
}

// MergeGuard makes a login merge run once across processes.
type MergeGuard interface {
	Acquire(ctx context.Context, sessionID, shopperID string) (bool, error)
	Release(ctx context.Context, sessionID, shopperID string) error
}
