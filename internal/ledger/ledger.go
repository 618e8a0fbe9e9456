// Package ledger records provisional stock claims per shopper and is the only place that
// decides whether a quantity can be held.
//
// Availability for a shopper is physical stock minus what every other shopper holds for the
// same variant. Implementations must perform that check and the upsert as one atomic
// operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
)

type Reservation struct {
	ShopperID string    `json:"shopper_id"`
	ProductID string    `json:"product_id"`
	SizeML    int       `json:"size_ml"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Reservation) Key() catalog.VariantKey {
	return catalog.VariantKey{ProductID: r.ProductID, SizeML: r.SizeML}
}

// Availability answers "can requested units be held", excluding one shopper's own claim.
type Availability struct {
	Available      bool `json:"available"`
	MaxQuantity    int  `json:"max_quantity"`
	StockRemaining int  `json:"stock_remaining"`
}

func newAvailability(stock, heldByOthers, heldByAll, requested int) Availability {
	most := stock - heldByOthers
	if most < 0 {
		most = 0
	}
	left := stock - heldByAll
	if left < 0 {
		left = 0
	}
	return Availability{Available: requested <= most, MaxQuantity: most, StockRemaining: left}
}

// Claim is a quantity turned into a sale on Commit.
type Claim struct {
	Key      catalog.VariantKey
	Quantity int
}

// InsufficientStockError reports the largest quantity that could have been held.
type InsufficientStockError struct {
	Key       catalog.VariantKey
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Key, e.Requested, e.Available)
}

func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}

var ErrOversold = errors.New("stock below committed quantity")

type Ledger interface {
	// Reserve sets the shopper's claim on key to exactly quantity. A quantity of zero or
	// less releases the claim. On *InsufficientStockError nothing changes.
	Reserve(ctx context.Context, shopperID string, key catalog.VariantKey, quantity int) error
	Release(ctx context.Context, shopperID string, key catalog.VariantKey) error
	ReleaseAll(ctx context.Context, shopperID string) error
	Check(ctx context.Context, key catalog.VariantKey, requested int, excludingShopperID string) (Availability, error)
	// Commit turns claims into sales: stock is decremented and the shopper's rows for those
	// variants are removed, all or nothing.
	Commit(ctx context.Context, shopperID string, claims []Claim) error
	Reservations(ctx context.Context, shopperID string) ([]Reservation, error)
}
