// Package packaging picks shipping containers for a set of cart lines and prices them.
package packaging

import (
	"context"

	"github.com/shopspring/decimal"
)

type Item struct {
	SizeML   int
	Quantity int
}

type Container struct {
	Kind  string          `json:"kind"`
	Count int             `json:"count"`
	Cost  decimal.Decimal `json:"cost"`
}

type Quote struct {
	Containers []Container     `json:"containers"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

type Calculator interface {
	Quote(ctx context.Context, items []Item) (Quote, error)
}

const (
	KindDecantBox = "decant_box"
	KindBottleBox = "bottle_box"
)

// Table packs decants (size <= DecantMaxML) together, DecantBoxCapacity per box, and gives
// every larger bottle its own box.
type Table struct {
	DecantMaxML       int
	DecantBoxCapacity int
	DecantBoxCost     decimal.Decimal
	BottleBoxCost     decimal.Decimal
}

func (t Table) Quote(_ context.Context, items []Item) (Quote, error) {
	var decants, bottles int
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		if it.SizeML <= t.DecantMaxML {
			decants += it.Quantity
		} else {
			bottles += it.Quantity
		}
	}

	q := Quote{Containers: []Container{}, TotalCost: decimal.Zero}
	if decants > 0 {
		capacity := t.DecantBoxCapacity
		if capacity <= 0 {
			capacity = 1
		}
		boxes := (decants + capacity - 1) / capacity
		q.Containers = append(q.Containers, Container{
			Kind: KindDecantBox, Count: boxes, Cost: t.DecantBoxCost.Mul(decimal.NewFromInt(int64(boxes))),
		})
	}
	if bottles > 0 {
		q.Containers = append(q.Containers, Container{
			Kind: KindBottleBox, Count: bottles, Cost: t.BottleBoxCost.Mul(decimal.NewFromInt(int64(bottles))),
		})
	}
	for _, c := range q.Containers {
		q.TotalCost = q.TotalCost.Add(c.Cost)
	}
	return q, nil
}
