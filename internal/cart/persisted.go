package cart

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"go.uber.org/zap"
)

// PersistedCart is a signed-in shopper's cart. Every quantity it stores is backed by a ledger
// reservation of the same size.
type PersistedCart struct {
	svc       *Service
	shopperID string
}

func (c *PersistedCart) ShopperID() string { return c.shopperID }

func (c *PersistedCart) owner() string { return "shopper:" + c.shopperID }

// setQuantity reserves target, then stores the line. When the write fails the reservation is
// put back to previous.
func (c *PersistedCart) setQuantity(ctx context.Context, line Line, previous int) error {
	key := line.Key()
	if err := c.svc.Ledger.Reserve(ctx, c.shopperID, key, line.Quantity); err != nil {
		return err
	}
	if err := c.svc.Lines.Upsert(ctx, c.shopperID, line); err != nil {
		if rerr := c.svc.Ledger.Reserve(ctx, c.shopperID, key, previous); rerr != nil {
			c.svc.logger().Error("roll back reservation",
				zap.String("shopper_id", c.shopperID), zap.Stringer("variant", key), zap.Error(rerr))
		}
		return fmt.Errorf("store line %s: %w", key, err)
	}
	c.svc.emitReservation(ctx, c.shopperID, key, line.Quantity)
	return nil
}

func (c *PersistedCart) AddItem(ctx context.Context, productID string, sizeML, quantity int) (Line, error) {
	if quantity <= 0 {
		return Line{}, ErrInvalidQuantity
	}
	unlock := c.svc.lock(c.owner())
	defer unlock()

	key := catalog.VariantKey{ProductID: productID, SizeML: sizeML}
	p, err := c.svc.purchasable(ctx, key)
	if err != nil {
		return Line{}, err
	}
	lines, err := c.svc.Lines.List(ctx, c.shopperID)
	if err != nil {
		return Line{}, err
	}

	line := Line{ProductID: productID, SizeML: sizeML, AddedAt: c.svc.now(), Snapshot: p.Snapshot()}
	previous := 0
	if i := indexOf(lines, key); i >= 0 {
		line = lines[i]
		previous = line.Quantity
	}
	line.Quantity = previous + quantity
	if err := c.setQuantity(ctx, line, previous); err != nil {
		return Line{}, err
	}
	return line, nil
}

func (c *PersistedCart) UpdateQuantity(ctx context.Context, productID string, sizeML, quantity int) (Line, error) {
	if quantity <= 0 {
		return Line{}, c.RemoveItem(ctx, productID, sizeML)
	}
	unlock := c.svc.lock(c.owner())
	defer unlock()

	key := catalog.VariantKey{ProductID: productID, SizeML: sizeML}
	lines, err := c.svc.Lines.List(ctx, c.shopperID)
	if err != nil {
		return Line{}, err
	}
	i := indexOf(lines, key)
	if i < 0 {
		return Line{}, ErrLineNotFound
	}
	if _, err := c.svc.purchasable(ctx, key); err != nil {
		return Line{}, err
	}
	line := lines[i]
	previous := line.Quantity
	line.Quantity = quantity
	if err := c.setQuantity(ctx, line, previous); err != nil {
		return Line{}, err
	}
	return line, nil
}

func (c *PersistedCart) RemoveItem(ctx context.Context, productID string, sizeML int) error {
	unlock := c.svc.lock(c.owner())
	defer unlock()
	return c.remove(ctx, catalog.VariantKey{ProductID: productID, SizeML: sizeML})
}

func (c *PersistedCart) remove(ctx context.Context, key catalog.VariantKey) error {
	if err := c.svc.Lines.Delete(ctx, c.shopperID, key); err != nil {
		return err
	}
	if err := c.svc.Ledger.Release(ctx, c.shopperID, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	c.svc.emitReservation(ctx, c.shopperID, key, 0)
	return nil
}

func (c *PersistedCart) Clear(ctx context.Context) error {
	unlock := c.svc.lock(c.owner())
	defer unlock()

	if err := c.svc.Lines.DeleteAll(ctx, c.shopperID); err != nil {
		return err
	}
	return c.svc.Ledger.ReleaseAll(ctx, c.shopperID)
}

// Items loads the cart and heals it: lines whose size is no longer configured are removed
// and their reservations released.
func (c *PersistedCart) Items(ctx context.Context) ([]Line, error) {
	unlock := c.svc.lock(c.owner())
	defer unlock()

	lines, err := c.svc.Lines.List(ctx, c.shopperID)
	if err != nil {
		return nil, err
	}
	kept := make([]Line, 0, len(lines))
	for _, l := range lines {
		stale, err := c.svc.stale(ctx, l)
		if err != nil {
			return nil, err
		}
		if !stale {
			kept = append(kept, l)
			continue
		}
		c.svc.logger().Info("dropping stale cart line",
			zap.String("shopper_id", c.shopperID), zap.Stringer("variant", l.Key()))
		if err := c.remove(ctx, l.Key()); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (c *PersistedCart) Total(ctx context.Context) (Totals, error) {
	lines, err := c.Items(ctx)
	if err != nil {
		return Totals{}, err
	}
	return c.svc.Totals(ctx, lines)
}
