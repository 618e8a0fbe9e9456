package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PG struct{ DB *pgxpool.Pool }

func (r *PG) Product(ctx context.Context, id string) (Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, brand, image_url, sizes, full_size_ml,
		       price_2ml, price_5ml, price_10ml, price_full
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Brand, &p.ImageURL, &p.Sizes, &p.FullSizeML,
			&p.Price2ML, &p.Price5ML, &p.Price10ML, &p.PriceFull)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}
