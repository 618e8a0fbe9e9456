// Package catalog is the read model of products and their purchasable sizes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

var ErrProductNotFound = errors.New("product not found")

// VariantKey identifies one purchasable size of a product.
type VariantKey struct {
	ProductID string `json:"product_id"`
	SizeML    int    `json:"size_ml"`
}

func (k VariantKey) String() string { return fmt.Sprintf("%s/%dml", k.ProductID, k.SizeML) }

// Tier is the fixed price column a size maps to.
type Tier string

const (
	Tier2ML  Tier = "2ml"
	Tier5ML  Tier = "5ml"
	Tier10ML Tier = "10ml"
	TierFull Tier = "full"
	TierNone Tier = ""
)

type Product struct {
	ID         string
	Name       string
	Brand      string
	ImageURL   string
	Sizes      []int // currently configured sizes
	FullSizeML int
	Price2ML   decimal.Decimal
	Price5ML   decimal.Decimal
	Price10ML  decimal.Decimal
	PriceFull  decimal.Decimal
}

// Offers reports whether size is part of the configured size set.
func (p Product) Offers(sizeML int) bool { return slices.Contains(p.Sizes, sizeML) }

// TierOf maps a size to its fixed price tier. Sizes other than 2, 5, 10 and the full bottle
// have no tier.
func (p Product) TierOf(sizeML int) Tier {
	switch {
	case sizeML == 2:
		return Tier2ML
	case sizeML == 5:
		return Tier5ML
	case sizeML == 10:
		return Tier10ML
	case p.FullSizeML > 0 && sizeML == p.FullSizeML:
		return TierFull
	}
	return TierNone
}

// TierPrice is the fallback fixed price for a size; zero when the size has no tier.
func (p Product) TierPrice(sizeML int) decimal.Decimal {
	switch p.TierOf(sizeML) {
	case Tier2ML:
		return p.Price2ML
	case Tier5ML:
		return p.Price5ML
	case Tier10ML:
		return p.Price10ML
	case TierFull:
		return p.PriceFull
	}
	return decimal.Zero
}

// Snapshot is the display copy stored next to a guest cart line.
type Snapshot struct {
	Name     string `json:"name"`
	Brand    string `json:"brand,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

func (p Product) Snapshot() *Snapshot {
	return &Snapshot{Name: p.Name, Brand: p.Brand, ImageURL: p.ImageURL}
}

// Reader looks products up by id. Implementations return ErrProductNotFound for unknown ids.
type Reader interface {
	Product(ctx context.Context, id string) (Product, error)
}
