package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG reads price entries and promotions from Postgres.
type PG struct{ DB *pgxpool.Pool }

func (s *PG) Entry(ctx context.Context, key catalog.VariantKey) (PriceEntry, bool, error) {
	e := PriceEntry{ProductID: key.ProductID, SizeML: key.SizeML}
	err := s.DB.QueryRow(ctx, `
		SELECT price FROM product_prices WHERE product_id=$1 AND size_ml=$2`,
		key.ProductID, key.SizeML).Scan(&e.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return PriceEntry{}, false, nil
	}
	if err != nil {
		return PriceEntry{}, false, err
	}
	return e, true, nil
}

func (s *PG) ActivePromotion(ctx context.Context, productID string, t time.Time) (*Promotion, error) {
	var p Promotion
	var dt string
	err := s.DB.QueryRow(ctx, `
		SELECT id, product_id, discount_type, discount_value,
		       price_5ml, price_10ml, price_full, starts_at, ends_at, is_active
		FROM promotions
		WHERE product_id=$1 AND is_active AND starts_at <= $2 AND ends_at >= $2
		ORDER BY starts_at DESC
		LIMIT 1`, productID, t).
		Scan(&p.ID, &p.ProductID, &dt, &p.DiscountValue,
			&p.Price5ML, &p.Price10ML, &p.PriceFull, &p.StartsAt, &p.EndsAt, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.DiscountType = DiscountType(dt)
	return &p, nil
}

// Memory holds entries and promotions in process.
type Memory struct {
	mu         sync.RWMutex
	entries    map[catalog.VariantKey]PriceEntry
	promotions []Promotion
}

func NewMemory() *Memory {
	return &Memory{entries: map[catalog.VariantKey]PriceEntry{}}
}

func (m *Memory) PutEntry(e PriceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[catalog.VariantKey{ProductID: e.ProductID, SizeML: e.SizeML}] = e
}

func (m *Memory) PutPromotion(p Promotion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotions = append(m.promotions, p)
}

func (m *Memory) Entry(_ context.Context, key catalog.VariantKey) (PriceEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *Memory) ActivePromotion(_ context.Context, productID string, t time.Time) (*Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Promotion
	for i := range m.promotions {
		p := m.promotions[i]
		if p.ProductID != productID || !p.ActiveAt(t) {
			continue
		}
		if best == nil || p.StartsAt.After(best.StartsAt) {
			best = &p
		}
	}
	return best, nil
}
