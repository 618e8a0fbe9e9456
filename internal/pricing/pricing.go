// Package pricing resolves the price to charge for a variant right now.
//
// Precedence: computed price entry, then the product's fixed tier price, then the active
// promotion if it yields a strictly lower price. Nothing is cached; promotions may start or
// expire between two calls.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

var hundred = decimal.NewFromInt(100)

type PriceEntry struct {
	ProductID string
	SizeML    int
	Price     decimal.Decimal
}

type Promotion struct {
	ID            string
	ProductID     string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	// Size specific promotional prices. Price5ML and Price10ML only touch their own size;
	// PriceFull covers every size that is neither 5 nor 10.
	Price5ML  decimal.NullDecimal
	Price10ML decimal.NullDecimal
	PriceFull decimal.NullDecimal
	StartsAt  time.Time
	EndsAt    time.Time
	Active    bool
}

func (p Promotion) ActiveAt(t time.Time) bool {
	return p.Active && !t.Before(p.StartsAt) && !t.After(p.EndsAt)
}

func (p Promotion) sizePrice(sizeML int) decimal.NullDecimal {
	switch sizeML {
	case 5:
		return p.Price5ML
	case 10:
		return p.Price10ML
	}
	return p.PriceFull
}

// Apply returns the promotional candidate for base, or false when the promotion carries
// nothing for this size.
func (p Promotion) Apply(base decimal.Decimal, sizeML int) (decimal.Decimal, bool) {
	if sp := p.sizePrice(sizeML); sp.Valid {
		return floorZero(sp.Decimal), true
	}
	if !p.DiscountValue.IsPositive() {
		return decimal.Zero, false
	}
	switch p.DiscountType {
	case DiscountPercent:
		factor := decimal.NewFromInt(1).Sub(p.DiscountValue.Div(hundred))
		return floorZero(base.Mul(factor)), true
	case DiscountFixed:
		return floorZero(base.Sub(p.DiscountValue)), true
	}
	return decimal.Zero, false
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ResolvedPrice is the outcome of a resolution. Promotional is only meaningful when
// PromotionApplied is true.
type ResolvedPrice struct {
	Base             decimal.Decimal `json:"base"`
	Promotional      decimal.Decimal `json:"promotional"`
	Final            decimal.Decimal `json:"final"`
	PromotionApplied bool            `json:"promotion_applied"`
	PromotionID      string          `json:"promotion_id,omitempty"`
}

// Purchasable is false for a zero price. Zero never means free.
func (r ResolvedPrice) Purchasable() bool { return r.Final.IsPositive() }

type EntrySource interface {
	// Entry returns the computed price for the variant; ok is false when none exists.
	Entry(ctx context.Context, key catalog.VariantKey) (entry PriceEntry, ok bool, err error)
}

type PromotionSource interface {
	// ActivePromotion returns the promotion active for productID at t, or nil.
	ActivePromotion(ctx context.Context, productID string, t time.Time) (*Promotion, error)
}

type Resolver struct {
	Catalog    catalog.Reader
	Entries    EntrySource
	Promotions PromotionSource
	Now        func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) PriceFor(ctx context.Context, productID string, sizeML int) (ResolvedPrice, error) {
	key := catalog.VariantKey{ProductID: productID, SizeML: sizeML}

	base, err := r.base(ctx, key)
	if err != nil {
		return ResolvedPrice{}, err
	}
	out := ResolvedPrice{Base: base.Round(2), Final: base.Round(2)}
	if !base.IsPositive() {
		return out, nil
	}

	promo, err := r.Promotions.ActivePromotion(ctx, productID, r.now())
	if err != nil {
		return ResolvedPrice{}, fmt.Errorf("active promotion %s: %w", productID, err)
	}
	if promo == nil {
		return out, nil
	}
	candidate, ok := promo.Apply(base, sizeML)
	if !ok {
		return out, nil
	}
	candidate = candidate.Round(2)
	if candidate.LessThan(out.Base) {
		out.Promotional = candidate
		out.Final = candidate
		out.PromotionApplied = true
		out.PromotionID = promo.ID
	}
	return out, nil
}

func (r *Resolver) base(ctx context.Context, key catalog.VariantKey) (decimal.Decimal, error) {
	e, ok, err := r.Entries.Entry(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price entry %s: %w", key, err)
	}
	if ok && e.Price.IsPositive() {
		return e.Price, nil
	}
	p, err := r.Catalog.Product(ctx, key.ProductID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.TierPrice(key.SizeML), nil
}
