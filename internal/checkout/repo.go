package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepo struct{ DB *pgxpool.Pool }

const draftColumns = `id, shopper_id, address_id, status, lines, quotes, shipping_service,
	shipping_cost, subtotal, packaging, coupon_code, discount, total, payment_ref, redirect_url,
	created_at, updated_at`

func (r *PGRepo) CreateDraft(ctx context.Context, d Draft) error {
	lines, quotes, err := encodeDraft(d)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `INSERT INTO drafts(`+draftColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		d.ID, d.ShopperID, d.AddressID, string(d.Status), lines, quotes, d.ShippingService,
		d.ShippingCost, d.Subtotal, d.Packaging, d.CouponCode, d.Discount, d.Total, d.PaymentRef,
		d.RedirectURL, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *PGRepo) Draft(ctx context.Context, id string) (Draft, error) {
	var d Draft
	var status string
	var lines, quotes []byte
	err := r.DB.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=$1`, id).Scan(
		&d.ID, &d.ShopperID, &d.AddressID, &status, &lines, &quotes, &d.ShippingService,
		&d.ShippingCost, &d.Subtotal, &d.Packaging, &d.CouponCode, &d.Discount, &d.Total,
		&d.PaymentRef, &d.RedirectURL, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return Draft{}, err
	}
	d.Status = Status(status)
	if err := json.Unmarshal(lines, &d.Lines); err != nil {
		return Draft{}, fmt.Errorf("decode draft lines: %w", err)
	}
	if err := json.Unmarshal(quotes, &d.Quotes); err != nil {
		return Draft{}, fmt.Errorf("decode draft quotes: %w", err)
	}
	return d, nil
}

func (r *PGRepo) UpdateDraft(ctx context.Context, d Draft, from Status) error {
	lines, quotes, err := encodeDraft(d)
	if err != nil {
		return err
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE drafts SET status=$3, lines=$4, quotes=$5, shipping_service=$6, shipping_cost=$7,
		       subtotal=$8, packaging=$9, coupon_code=$10, discount=$11, total=$12,
		       payment_ref=$13, redirect_url=$14, updated_at=$15
		WHERE id=$1 AND status=$2`,
		d.ID, string(from), string(d.Status), lines, quotes, d.ShippingService, d.ShippingCost,
		d.Subtotal, d.Packaging, d.CouponCode, d.Discount, d.Total, d.PaymentRef, d.RedirectURL,
		d.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrStatusConflict
	}
	return nil
}

// UpsertOrder is idempotent on draft_id. Once an order is paid it stays paid.
func (r *PGRepo) UpsertOrder(ctx context.Context, o Order) (Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	var out Order
	var status string
	err := r.DB.QueryRow(ctx, `
		INSERT INTO orders(id, draft_id, shopper_id, order_number, transaction_ref, payment_method,
		                   total_amount, payment_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (draft_id) DO UPDATE SET
			payment_status = CASE WHEN orders.payment_status = 'paid' THEN orders.payment_status
			                      ELSE EXCLUDED.payment_status END,
			order_number = COALESCE(NULLIF(orders.order_number, ''), EXCLUDED.order_number),
			updated_at = EXCLUDED.updated_at
		RETURNING id, draft_id, shopper_id, order_number, transaction_ref, payment_method,
		          total_amount, payment_status, created_at, updated_at`,
		o.ID, o.DraftID, o.ShopperID, o.OrderNumber, o.TransactionRef, o.PaymentMethod,
		o.TotalAmount, string(o.PaymentStatus), o.UpdatedAt).
		Scan(&out.ID, &out.DraftID, &out.ShopperID, &out.OrderNumber, &out.TransactionRef,
			&out.PaymentMethod, &out.TotalAmount, &status, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	out.PaymentStatus = PaymentStatus(status)
	return out, nil
}

func (r *PGRepo) OrderByDraft(ctx context.Context, draftID string) (Order, error) {
	var o Order
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT id, draft_id, shopper_id, order_number, transaction_ref, payment_method,
		       total_amount, payment_status, created_at, updated_at
		FROM orders WHERE draft_id=$1`, draftID).
		Scan(&o.ID, &o.DraftID, &o.ShopperID, &o.OrderNumber, &o.TransactionRef,
			&o.PaymentMethod, &o.TotalAmount, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.PaymentStatus = PaymentStatus(status)
	return o, nil
}

func encodeDraft(d Draft) (lines, quotes []byte, err error) {
	if d.Lines == nil {
		d.Lines = []DraftLine{}
	}
	if lines, err = json.Marshal(d.Lines); err != nil {
		return nil, nil, err
	}
	if quotes, err = json.Marshal(d.Quotes); err != nil {
		return nil, nil, err
	}
	return lines, quotes, nil
}

// MemoryRepo keeps drafts and orders in process.
type MemoryRepo struct {
	mu     sync.Mutex
	drafts map[string]Draft
	orders map[string]Order // by draft id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{drafts: map[string]Draft{}, orders: map[string]Order{}}
}

func (m *MemoryRepo) CreateDraft(_ context.Context, d Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drafts[d.ID]; ok {
		return fmt.Errorf("draft %s already exists", d.ID)
	}
	m.drafts[d.ID] = d
	return nil
}

func (m *MemoryRepo) Draft(_ context.Context, id string) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return Draft{}, ErrDraftNotFound
	}
	return d, nil
}

func (m *MemoryRepo) UpdateDraft(_ context.Context, d Draft, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drafts[d.ID]
	if !ok {
		return ErrDraftNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	m.drafts[d.ID] = d
	return nil
}

func (m *MemoryRepo) UpsertOrder(_ context.Context, o Order) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.DraftID]
	if !ok {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = o.UpdatedAt
		}
		m.orders[o.DraftID] = o
		return o, nil
	}
	if cur.PaymentStatus != PaymentPaid {
		cur.PaymentStatus = o.PaymentStatus
	}
	if cur.OrderNumber == "" {
		cur.OrderNumber = o.OrderNumber
	}
	cur.UpdatedAt = o.UpdatedAt
	m.orders[o.DraftID] = cur
	return cur, nil
}

func (m *MemoryRepo) OrderByDraft(_ context.Context, draftID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[draftID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}
