package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Coupon is a percentage discount on the cart subtotal.
type Coupon struct {
	Code      string          `json:"code"`
	Percent   decimal.Decimal `json:"percent"`
	ExpiresAt time.Time       `json:"expires_at"`
	Active    bool            `json:"active"`
}

func NormalizeCode(code string) string { return strings.ToLower(strings.TrimSpace(code)) }

// Discount returns the amount taken off subtotal at t.
func (c Coupon) Discount(subtotal decimal.Decimal, t time.Time) (decimal.Decimal, error) {
	if !c.Active {
		return decimal.Zero, fmt.Errorf("%s inactive: %w", c.Code, ErrCouponInvalid)
	}
	if !c.ExpiresAt.IsZero() && t.After(c.ExpiresAt) {
		return decimal.Zero, fmt.Errorf("%s expired: %w", c.Code, ErrCouponInvalid)
	}
	if !c.Percent.IsPositive() || !subtotal.IsPositive() {
		return decimal.Zero, nil
	}
	pct := decimal.Min(c.Percent, decimal.NewFromInt(100))
	return subtotal.Mul(pct).Div(decimal.NewFromInt(100)).Round(2), nil
}

type CouponSource interface {
	// Coupon returns ErrCouponInvalid when code is unknown.
	Coupon(ctx context.Context, code string) (Coupon, error)
}

type PGCoupons struct{ DB *pgxpool.Pool }

func (s *PGCoupons) Coupon(ctx context.Context, code string) (Coupon, error) {
	var c Coupon
	var expires *time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT code, percent, expires_at, active FROM coupons WHERE code=$1`,
		NormalizeCode(code)).Scan(&c.Code, &c.Percent, &expires, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Coupon{}, fmt.Errorf("%s not found: %w", code, ErrCouponInvalid)
	}
	if err != nil {
		return Coupon{}, err
	}
	if expires != nil {
		c.ExpiresAt = *expires
	}
	return c, nil
}

type MemoryCoupons struct {
	mu      sync.RWMutex
	coupons map[string]Coupon
}

func NewMemoryCoupons(cs ...Coupon) *MemoryCoupons {
	m := &MemoryCoupons{coupons: map[string]Coupon{}}
	for _, c := range cs {
		m.Put(c)
	}
	return m
}

func (m *MemoryCoupons) Put(c Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = NormalizeCode(c.Code)
	m.coupons[c.Code] = c
}

func (m *MemoryCoupons) Coupon(_ context.Context, code string) (Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[NormalizeCode(code)]
	if !ok {
		return Coupon{}, fmt.Errorf("%s not found: %w", code, ErrCouponInvalid)
	}
	return c, nil
}
