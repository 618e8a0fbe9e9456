package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
)

// Memory is a process-local ledger. A single mutex makes every check-and-set atomic.
type Memory struct {
	mu    sync.Mutex
	stock map[catalog.VariantKey]int
	held  map[catalog.VariantKey]map[string]Reservation
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		stock: map[catalog.VariantKey]int{},
		held:  map[catalog.VariantKey]map[string]Reservation{},
		now:   time.Now,
	}
}

func (m *Memory) SetStock(key catalog.VariantKey, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[key] = stock
}

func (m *Memory) Stock(key catalog.VariantKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[key]
}

func (m *Memory) sums(key catalog.VariantKey, excluding string) (others, all int) {
	for shopper, r := range m.held[key] {
		all += r.Quantity
		if shopper != excluding {
			others += r.Quantity
		}
	}
	return others, all
}

func (m *Memory) Reserve(_ context.Context, shopperID string, key catalog.VariantKey, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quantity <= 0 {
		m.release(shopperID, key)
		return nil
	}
	others, all := m.sums(key, shopperID)
	if av := newAvailability(m.stock[key], others, all, quantity); !av.Available {
		return &InsufficientStockError{Key: key, Requested: quantity, Available: av.MaxQuantity}
	}
	if m.held[key] == nil {
		m.held[key] = map[string]Reservation{}
	}
	m.held[key][shopperID] = Reservation{
		ShopperID: shopperID, ProductID: key.ProductID, SizeML: key.SizeML,
		Quantity: quantity, UpdatedAt: m.now(),
	}
	return nil
}

func (m *Memory) release(shopperID string, key catalog.VariantKey) {
	delete(m.held[key], shopperID)
	if len(m.held[key]) == 0 {
		delete(m.held, key)
	}
}

func (m *Memory) Release(_ context.Context, shopperID string, key catalog.VariantKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(shopperID, key)
	return nil
}

func (m *Memory) ReleaseAll(_ context.Context, shopperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.held {
		m.release(shopperID, key)
	}
	return nil
}

func (m *Memory) Check(_ context.Context, key catalog.VariantKey, requested int, excludingShopperID string) (Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	others, all := m.sums(key, excludingShopperID)
	return newAvailability(m.stock[key], others, all, requested), nil
}

func (m *Memory) Commit(_ context.Context, shopperID string, claims []Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range claims {
		others, _ := m.sums(c.Key, shopperID)
		if m.stock[c.Key]-others < c.Quantity {
			return fmt.Errorf("commit %s: %w", c.Key, ErrOversold)
		}
	}
	for _, c := range claims {
		m.stock[c.Key] -= c.Quantity
		m.release(shopperID, c.Key)
	}
	return nil
}

func (m *Memory) Reservations(_ context.Context, shopperID string) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, byShopper := range m.held {
		if r, ok := byShopper[shopperID]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].SizeML < out[j].SizeML
	})
	return out, nil
}
