package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PGLines stores persisted carts in cart_lines.
type PGLines struct{ DB *pgxpool.Pool }

func (r *PGLines) List(ctx context.Context, shopperID string) ([]Line, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, size_ml, quantity, added_at, snapshot
		FROM cart_lines WHERE shopper_id=$1 ORDER BY added_at, product_id, size_ml`, shopperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		var snap []byte
		if err := rows.Scan(&l.ProductID, &l.SizeML, &l.Quantity, &l.AddedAt, &snap); err != nil {
			return nil, err
		}
		if len(snap) > 0 {
			l.Snapshot = &catalog.Snapshot{}
			if err := json.Unmarshal(snap, l.Snapshot); err != nil {
				return nil, fmt.Errorf("decode snapshot: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PGLines) Upsert(ctx context.Context, shopperID string, l Line) error {
	var snap []byte
	if l.Snapshot != nil {
		b, err := json.Marshal(l.Snapshot)
		if err != nil {
			return err
		}
		snap = b
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO cart_lines(shopper_id, product_id, size_ml, quantity, added_at, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (shopper_id, product_id, size_ml)
		DO UPDATE SET quantity = EXCLUDED.quantity`,
		shopperID, l.ProductID, l.SizeML, l.Quantity, l.AddedAt, snap)
	return err
}

func (r *PGLines) Delete(ctx context.Context, shopperID string, key catalog.VariantKey) error {
	_, err := r.DB.Exec(ctx, `
		DELETE FROM cart_lines WHERE shopper_id=$1 AND product_id=$2 AND size_ml=$3`,
		shopperID, key.ProductID, key.SizeML)
	return err
}

func (r *PGLines) DeleteAll(ctx context.Context, shopperID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM cart_lines WHERE shopper_id=$1`, shopperID)
	return err
}

// RedisGuests keeps each anonymous cart as one JSON array with a sliding TTL.
type RedisGuests struct {
	RDB *redis.Client
	TTL time.Duration
}

func (r *RedisGuests) key(sessionID string) string {
	return fmt.Sprintf(redisx.KeyGuestCart, sessionID)
}

func (r *RedisGuests) Load(ctx context.Context, sessionID string) ([]Line, error) {
	var lines []Line
	if _, err := redisx.GetJSON(ctx, r.RDB, r.key(sessionID), &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *RedisGuests) Save(ctx context.Context, sessionID string, lines []Line) error {
	if len(lines) == 0 {
		return r.Delete(ctx, sessionID)
	}
	return redisx.SetJSON(ctx, r.RDB, r.key(sessionID), lines, r.TTL)
}

func (r *RedisGuests) Delete(ctx context.Context, sessionID string) error {
	return r.RDB.Del(ctx, r.key(sessionID)).Err()
}

// RedisGuard implements MergeGuard with SETNX.
type RedisGuard struct{ RDB *redis.Client }

func (g *RedisGuard) key(sessionID, shopperID string) string {
	return fmt.Sprintf(redisx.KeyMergeGuard, sessionID, shopperID)
}

func (g *RedisGuard) Acquire(ctx context.Context, sessionID, shopperID string) (bool, error) {
	return redisx.Once(ctx, g.RDB, g.key(sessionID, shopperID), redisx.TTLMergeGuard)
}

func (g *RedisGuard) Release(ctx context.Context, sessionID, shopperID string) error {
	return g.RDB.Del(ctx, g.key(sessionID, shopperID)).Err()
}

// MemoryLines is an in-process LineRepo.
type MemoryLines struct {
	mu    sync.Mutex
	lines map[string]map[catalog.VariantKey]Line
}

func NewMemoryLines() *MemoryLines {
	return &MemoryLines{lines: map[string]map[catalog.VariantKey]Line{}}
}

func (m *MemoryLines) List(_ context.Context, shopperID string) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Line, 0, len(m.lines[shopperID]))
	for _, l := range m.lines[shopperID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].SizeML < out[j].SizeML
	})
	return out, nil
}

func (m *MemoryLines) Upsert(_ context.Context, shopperID string, l Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lines[shopperID] == nil {
		m.lines[shopperID] = map[catalog.VariantKey]Line{}
	}
	m.lines[shopperID][l.Key()] = l
	return nil
}

func (m *MemoryLines) Delete(_ context.Context, shopperID string, key catalog.VariantKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines[shopperID], key)
	return nil
}

func (m *MemoryLines) DeleteAll(_ context.Context, shopperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, shopperID)
	return nil
}

// MemoryGuests is an in-process GuestRepo without expiry.
type MemoryGuests struct {
	mu    sync.Mutex
	carts map[string][]Line
}

func NewMemoryGuests() *MemoryGuests { return &MemoryGuests{carts: map[string][]Line{}} }

func (m *MemoryGuests) Load(_ context.Context, sessionID string) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Line(nil), m.carts[sessionID]...), nil
}

func (m *MemoryGuests) Save(_ context.Context, sessionID string, lines []Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(lines) == 0 {
		delete(m.carts, sessionID)
		return nil
	}
	m.carts[sessionID] = append([]Line(nil), lines...)
	return nil
}

func (m *MemoryGuests) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, sessionID)
	return nil
}
