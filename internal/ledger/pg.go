package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG keeps the ledger in the reservations table. Every reserve locks the variant_stock row
// (FOR UPDATE) so concurrent reservers of one variant run one after another.
type PG struct{ DB *pgxpool.Pool }

func lockStock(ctx context.Context, tx pgx.Tx, key catalog.VariantKey) (int, error) {
	var stock int
	err := tx.QueryRow(ctx, `
		SELECT stock FROM variant_stock WHERE product_id=$1 AND size_ml=$2 FOR UPDATE`,
		key.ProductID, key.SizeML).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return stock, err
}

// othersHeld sums the claims of every shopper but shopperID. Call it after lockStock.
func othersHeld(ctx context.Context, tx pgx.Tx, key catalog.VariantKey, shopperID string) (int, error) {
	var others int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM reservations
		WHERE product_id=$1 AND size_ml=$2 AND shopper_id<>$3`,
		key.ProductID, key.SizeML, shopperID).Scan(&others)
	return others, err
}

func (l *PG) Reserve(ctx context.Context, shopperID string, key catalog.VariantKey, quantity int) error {
	if quantity <= 0 {
		return l.Release(ctx, shopperID, key)
	}
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stock, err := lockStock(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("lock stock %s: %w", key, err)
	}
	others, err := othersHeld(ctx, tx, key, shopperID)
	if err != nil {
		return err
	}
	if av := newAvailability(stock, others, others, quantity); !av.Available {
		return &InsufficientStockError{Key: key, Requested: quantity, Available: av.MaxQuantity}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations(shopper_id, product_id, size_ml, quantity, updated_at)
		VALUES ($1,$2,$3,$4, now())
		ON CONFLICT (shopper_id, product_id, size_ml)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, shopperID, key.ProductID, key.SizeML, quantity); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PG) Release(ctx context.Context, shopperID string, key catalog.VariantKey) error {
	_, err := l.DB.Exec(ctx, `
		DELETE FROM reservations WHERE shopper_id=$1 AND product_id=$2 AND size_ml=$3`,
		shopperID, key.ProductID, key.SizeML)
	return err
}

func (l *PG) ReleaseAll(ctx context.Context, shopperID string) error {
	_, err := l.DB.Exec(ctx, `DELETE FROM reservations WHERE shopper_id=$1`, shopperID)
	return err
}

func (l *PG) Check(ctx context.Context, key catalog.VariantKey, requested int, excludingShopperID string) (Availability, error) {
	var stock, others, all int
	err := l.DB.QueryRow(ctx, `
		SELECT COALESCE((SELECT stock FROM variant_stock WHERE product_id=$1 AND size_ml=$2), 0),
		       COALESCE(SUM(quantity) FILTER (WHERE shopper_id<>$3), 0),
		       COALESCE(SUM(quantity), 0)
		FROM reservations WHERE product_id=$1 AND size_ml=$2`,
		key.ProductID, key.SizeML, excludingShopperID).Scan(&stock, &others, &all)
	if err != nil {
		return Availability{}, err
	}
	return newAvailability(stock, others, all, requested), nil
}

func (l *PG) Commit(ctx context.Context, shopperID string, claims []Claim) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// fixed lock order so two commits touching the same variants cannot deadlock
	sorted := slices.Clone(claims)
	slices.SortFunc(sorted, func(a, b Claim) int {
		if c := strings.Compare(a.Key.ProductID, b.Key.ProductID); c != 0 {
			return c
		}
		return a.Key.SizeML - b.Key.SizeML
	})

	for _, c := range sorted {
		stock, err := lockStock(ctx, tx, c.Key)
		if err != nil {
			return fmt.Errorf("lock stock %s: %w", c.Key, err)
		}
		others, err := othersHeld(ctx, tx, c.Key, shopperID)
		if err != nil {
			return err
		}
		// units other shoppers hold stay on the shelf
		if stock-others < c.Quantity {
			return fmt.Errorf("commit %s: %w", c.Key, ErrOversold)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE variant_stock SET stock = stock - $3 WHERE product_id=$1 AND size_ml=$2`,
			c.Key.ProductID, c.Key.SizeML, c.Quantity); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM reservations WHERE shopper_id=$1 AND product_id=$2 AND size_ml=$3`,
			shopperID, c.Key.ProductID, c.Key.SizeML); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (l *PG) Reservations(ctx context.Context, shopperID string) ([]Reservation, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT shopper_id, product_id, size_ml, quantity, updated_at
		FROM reservations WHERE shopper_id=$1 ORDER BY product_id, size_ml`, shopperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ShopperID, &r.ProductID, &r.SizeML, &r.Quantity, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
