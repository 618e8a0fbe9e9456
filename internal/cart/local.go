package cart

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"go.uber.org/zap"
)

// LocalCart is the anonymous cart of one browser session. Its availability checks are
// advisory; the stock is only held once the lines reach a persisted cart.
type LocalCart struct {
	svc       *Service
	sessionID string
}

func (c *LocalCart) load(ctx context.Context) ([]Line, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}
	return c.svc.Guests.Load(ctx, c.sessionID)
}

func (c *LocalCart) check(ctx context.Context, key catalog.VariantKey, target int) error {
	av, err := c.svc.Ledger.Check(ctx, key, target, "")
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if !av.Available {
		return &ledger.InsufficientStockError{Key: key, Requested: target, Available: av.MaxQuantity}
	}
	return nil
}

func (c *LocalCart) AddItem(ctx context.Context, productID string, sizeML, quantity int) (Line, error) {
	if quantity <= 0 {
		return Line{}, ErrInvalidQuantity
	}
	unlock := c.svc.lock("guest:" + c.sessionID)
	defer unlock()

	key := catalog.VariantKey{ProductID: productID, SizeML: sizeML}
	lines, err := c.load(ctx)
	if err != nil {
		return Line{}, err
	}
	p, err := c.svc.purchasable(ctx, key)
	if err != nil {
		return Line{}, err
	}

	i := indexOf(lines, key)
	line := Line{ProductID: productID, SizeML: sizeML, Quantity: quantity, AddedAt: c.svc.now(), Snapshot: p.Snapshot()}
	if i >= 0 {
		line = lines[i]
		line.Quantity += quantity
	}
	if err := c.check(ctx, key, line.Quantity); err != nil {
		return Line{}, err
	}

	if i >= 0 {
		lines[i] = line
	} else {
		lines = append(lines, line)
	}
	if err := c.svc.Guests.Save(ctx, c.sessionID, lines); err != nil {
		return Line{}, err
	}
	return line, nil
}

func (c *LocalCart) UpdateQuantity(ctx context.Context, productID string, sizeML, quantity int) (Line, error) {
	if quantity <= 0 {
		return Line{}, c.RemoveItem(ctx, productID, sizeML)
	}
	unlock := c.svc.lock("guest:" + c.sessionID)
	defer unlock()

	key := catalog.VariantKey{ProductID: productID, SizeML: sizeML}
	lines, err := c.load(ctx)
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
	if err := c.check(ctx, key, quantity); err != nil {
		return Line{}, err
	}
	lines[i].Quantity = quantity
	if err := c.svc.Guests.Save(ctx, c.sessionID, lines); err != nil {
		return Line{}, err
	}
	return lines[i], nil
}

func (c *LocalCart) RemoveItem(ctx context.Context, productID string, sizeML int) error {
	unlock := c.svc.lock("guest:" + c.sessionID)
	defer unlock()

	lines, err := c.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(lines, catalog.VariantKey{ProductID: productID, SizeML: sizeML})
	if i < 0 {
		return nil
	}
	lines = append(lines[:i], lines[i+1:]...)
	return c.svc.Guests.Save(ctx, c.sessionID, lines)
}

func (c *LocalCart) Clear(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	unlock := c.svc.lock("guest:" + c.sessionID)
	defer unlock()
	return c.svc.Guests.Delete(ctx, c.sessionID)
}

// Items drops lines whose size left the catalog.
func (c *LocalCart) Items(ctx context.Context) ([]Line, error) {
	unlock := c.svc.lock("guest:" + c.sessionID)
	defer unlock()

	lines, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	kept := lines[:0]
	for _, l := range lines {
		stale, err := c.svc.stale(ctx, l)
		if err != nil {
			return nil, err
		}
		if stale {
			c.svc.logger().Info("dropping stale guest line",
				zap.String("session_id", c.sessionID), zap.Stringer("variant", l.Key()))
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) != len(lines) {
		if err := c.svc.Guests.Save(ctx, c.sessionID, kept); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (c *LocalCart) Total(ctx context.Context) (Totals, error) {
	lines, err := c.Items(ctx)
	if err != nil {
		return Totals{}, err
	}
	return c.svc.Totals(ctx, lines)
}
