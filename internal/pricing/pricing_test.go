package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newResolver(promos ...Promotion) (*Resolver, *Memory) {
	cat := catalog.NewMemory(catalog.Product{
		ID: "p1", Sizes: []int{2, 5, 10, 100}, FullSizeML: 100,
		Price2ML: dec("20"), Price5ML: dec("40"), Price10ML: dec("70"), PriceFull: dec("500"),
	})
	src := NewMemory()
	for _, p := range promos {
		src.PutPromotion(p)
	}
	return &Resolver{Catalog: cat, Entries: src, Promotions: src, Now: func() time.Time { return now }}, src
}

func window(p Promotion) Promotion {
	p.ProductID = "p1"
	p.Active = true
	p.StartsAt = now.Add(-time.Hour)
	p.EndsAt = now.Add(time.Hour)
	return p
}

func TestPriceForEntryBeatsTier(t *testing.T) {
	r, src := newResolver()
	src.PutEntry(PriceEntry{ProductID: "p1", SizeML: 5, Price: dec("100.00")})

	got, err := r.PriceFor(context.Background(), "p1", 5)
	require.NoError(t, err)
	assert.True(t, got.Final.Equal(dec("100")), got.Final.String())
	assert.False(t, got.PromotionApplied)
}

func TestPriceForZeroEntryFallsBackToTier(t *testing.T) {
	r, src := newResolver()
	src.PutEntry(PriceEntry{ProductID: "p1", SizeML: 10, Price: decimal.Zero})

	got, err := r.PriceFor(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.True(t, got.Final.Equal(dec("70")))
}

func TestPriceForUnknownSizeIsNotPurchasable(t *testing.T) {
	r, _ := newResolver(window(Promotion{DiscountType: DiscountFixed, DiscountValue: dec("5")}))

	got, err := r.PriceFor(context.Background(), "p1", 30)
	require.NoError(t, err)
	assert.True(t, got.Final.IsZero())
	assert.False(t, got.Purchasable())
	assert.False(t, got.PromotionApplied)
}

func TestPriceForDiscounts(t *testing.T) {
	tests := []struct {
		name  string
		promo Promotion
		want  string
	}{
		{"percent", Promotion{DiscountType: DiscountPercent, DiscountValue: dec("20")}, "80"},
		{"fixed", Promotion{DiscountType: DiscountFixed, DiscountValue: dec("15")}, "85"},
		{"fixed exceeding base", Promotion{DiscountType: DiscountFixed, DiscountValue: dec("150")}, "0"},
		{"percent over 100", Promotion{DiscountType: DiscountPercent, DiscountValue: dec("120")}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, src := newResolver(window(tt.promo))
			src.PutEntry(PriceEntry{ProductID: "p1", SizeML: 5, Price: dec("100.00")})

			got, err := r.PriceFor(context.Background(), "p1", 5)
			require.NoError(t, err)
			assert.True(t, got.Final.Equal(dec(tt.want)), "got %s", got.Final)
			assert.False(t, got.Final.IsNegative())
			assert.True(t, got.PromotionApplied)
		})
	}
}

func TestPriceForSizeSpecificOverride(t *testing.T) {
	promo := window(Promotion{ID: "promo-10", Price10ML: decimal.NewNullDecimal(dec("45.00"))})
	r, _ := newResolver(promo)

	ten, err := r.PriceFor(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.True(t, ten.Final.Equal(dec("45")))
	assert.Equal(t, "promo-10", ten.PromotionID)

	five, err := r.PriceFor(context.Background(), "p1", 5)
	require.NoError(t, err)
	assert.True(t, five.Final.Equal(dec("40")))
	assert.False(t, five.PromotionApplied)
}

func TestPriceForFullOverrideCoversOtherSizes(t *testing.T) {
	r, _ := newResolver(window(Promotion{PriceFull: decimal.NewNullDecimal(dec("15"))}))

	two, err := r.PriceFor(context.Background(), "p1", 2)
	require.NoError(t, err)
	assert.True(t, two.Final.Equal(dec("15")))

	// PriceFull never reaches 5ml
	five, err := r.PriceFor(context.Background(), "p1", 5)
	require.NoError(t, err)
	assert.True(t, five.Final.Equal(dec("40")))
}

func TestPriceForIgnoresHigherPromotion(t *testing.T) {
	r, _ := newResolver(window(Promotion{Price5ML: decimal.NewNullDecimal(dec("55"))}))

	got, err := r.PriceFor(context.Background(), "p1", 5)
	require.NoError(t, err)
	assert.True(t, got.Final.Equal(dec("40")))
	assert.False(t, got.PromotionApplied)
}

func TestPriceForExpiredPromotion(t *testing.T) {
	p := window(Promotion{DiscountType: DiscountPercent, DiscountValue: dec("50")})
	p.EndsAt = now.Add(-time.Minute)
	r, _ := newResolver(p)

	got, err := r.PriceFor(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.True(t, got.Final.Equal(dec("70")))
}

func TestPriceForInactivePromotion(t *testing.T) {
	p := window(Promotion{DiscountType: DiscountPercent, DiscountValue: dec("50")})
	p.Active = false
	r, _ := newResolver(p)

	got, err := r.PriceFor(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.False(t, got.PromotionApplied)
}

func TestPriceForUnknownProduct(t *testing.T) {
	r, _ := newResolver()
	_, err := r.PriceFor(context.Background(), "ghost", 5)
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)
}
