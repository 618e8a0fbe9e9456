package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/events"
	"github.com/ariefcatur/go-storefront-checkout/internal/keylock"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/packaging"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Service struct {
	Catalog   catalog.Reader
	Prices    PriceResolver
	Ledger    ledger.Ledger
	Lines     LineRepo
	Guests    GuestRepo
	Packaging packaging.Calculator
	Guard     MergeGuard // optional
	Events    *events.Emitter
	Log       *zap.Logger
	Now       func() time.Time

	locks keylock.Map
}

// Open returns the cart backend for id.
func (s *Service) Open(id Identity) Store {
	if id.Authenticated() {
		return s.Persisted(id.ShopperID)
	}
	return &LocalCart{svc: s, sessionID: id.SessionID}
}

func (s *Service) Persisted(shopperID string) *PersistedCart {
	return &PersistedCart{svc: s, shopperID: shopperID}
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// lock serialises mutations of one cart so they apply in the order they were issued.
func (s *Service) lock(owner string) func() {
	return s.locks.Lock(owner)
}

// purchasable checks that the variant exists, is still offered and has a price.
func (s *Service) purchasable(ctx context.Context, key catalog.VariantKey) (catalog.Product, error) {
	p, err := s.Catalog.Product(ctx, key.ProductID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return catalog.Product{}, fmt.Errorf("%s: %w", key, ErrStaleCatalogReference)
	}
	if err != nil {
		return catalog.Product{}, err
	}
	if !p.Offers(key.SizeML) {
		return catalog.Product{}, fmt.Errorf("%s: %w", key, ErrStaleCatalogReference)
	}
	price, err := s.Prices.PriceFor(ctx, key.ProductID, key.SizeML)
	if err != nil {
		return catalog.Product{}, err
	}
	if !price.Purchasable() {
		return catalog.Product{}, fmt.Errorf("%s: %w", key, ErrNotPurchasable)
	}
	return p, nil
}

// stale reports whether a stored line no longer matches the catalog.
func (s *Service) stale(ctx context.Context, l Line) (bool, error) {
	p, err := s.Catalog.Product(ctx, l.ProductID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !p.Offers(l.SizeML), nil
}

// Totals prices lines with fresh prices and asks the packaging calculator for the current
// line set. Zero-priced lines are flagged and left out of the subtotal.
func (s *Service) Totals(ctx context.Context, lines []Line) (Totals, error) {
	t := Totals{Lines: make([]PricedLine, 0, len(lines)), Subtotal: decimal.Zero}
	items := make([]packaging.Item, 0, len(lines))
	for _, l := range lines {
		price, err := s.Prices.PriceFor(ctx, l.ProductID, l.SizeML)
		if err != nil && !errors.Is(err, catalog.ErrProductNotFound) {
			return Totals{}, fmt.Errorf("price %s: %w", l.Key(), err)
		}
		pl := PricedLine{Line: l, Price: price, LineTotal: decimal.Zero}
		if !price.Purchasable() {
			pl.Unavailable = true
			t.Unavailable = append(t.Unavailable, l.Key())
		} else {
			pl.LineTotal = price.Final.Mul(decimal.NewFromInt(int64(l.Quantity)))
			t.Subtotal = t.Subtotal.Add(pl.LineTotal)
			items = append(items, packaging.Item{SizeML: l.SizeML, Quantity: l.Quantity})
		}
		t.Lines = append(t.Lines, pl)
	}

	q, err := s.Packaging.Quote(ctx, items)
	if err != nil {
		return Totals{}, fmt.Errorf("packaging: %w", err)
	}
	t.Packaging = q.TotalCost
	t.Containers = q.Containers
	t.Total = t.Subtotal.Add(t.Packaging)
	return t, nil
}

func (s *Service) emitReservation(ctx context.Context, shopperID string, key catalog.VariantKey, qty int) {
	err := s.Events.Emit(ctx, events.TopicReservationChanged, events.EventReservationChanged, shopperID,
		events.ReservationChangedPayload{ShopperID: shopperID, ProductID: key.ProductID, SizeML: key.SizeML, Quantity: qty})
	if err != nil {
		s.logger().Warn("emit reservation change", zap.Error(err))
	}
}

type MergeResult struct {
	Merged        int                  `json:"merged"`
	Dropped       []catalog.VariantKey `json:"dropped,omitempty"`
	AlreadyMerged bool                 `json:"already_merged,omitempty"`
}

// MergeOnLogin moves the session's anonymous lines into the shopper's persisted cart. Lines
// that cannot be reserved any more are dropped without failing the merge. An infrastructure
// error stops the merge and writes the unmerged lines back to the guest record so a retry
// does not add anything twice.
func (s *Service) MergeOnLogin(ctx context.Context, sessionID, shopperID string) (MergeResult, error) {
	var res MergeResult
	if sessionID == "" {
		return res, nil
	}
	unlock := s.lock("guest:" + sessionID)
	defer unlock()

	if s.Guard != nil {
		won, err := s.Guard.Acquire(ctx, sessionID, shopperID)
		if err != nil {
			return res, fmt.Errorf("merge guard: %w", err)
		}
		if !won {
			res.AlreadyMerged = true
			return res, nil
		}
	}

	guest, err := s.Guests.Load(ctx, sessionID)
	if err != nil {
		s.releaseGuard(ctx, sessionID, shopperID)
		return res, fmt.Errorf("load guest cart: %w", err)
	}

	dest := s.Persisted(shopperID)
	for i, l := range guest {
		_, err := dest.AddItem(ctx, l.ProductID, l.SizeML, l.Quantity)
		switch {
		case err == nil:
			res.Merged++
		case IsRecoverable(err):
			s.logger().Info("merge dropped line",
				zap.String("shopper_id", shopperID), zap.Stringer("variant", l.Key()), zap.Error(err))
			res.Dropped = append(res.Dropped, l.Key())
		default:
			if serr := s.Guests.Save(ctx, sessionID, guest[i:]); serr != nil {
				s.logger().Error("write back unmerged lines", zap.String("session_id", sessionID), zap.Error(serr))
			}
			s.releaseGuard(ctx, sessionID, shopperID)
			return res, fmt.Errorf("merge %s: %w", l.Key(), err)
		}
	}

	if err := s.Guests.Delete(ctx, sessionID); err != nil {
		// the guard stays until its TTL so the same lines are not merged twice
		s.logger().Warn("discard guest cart", zap.String("session_id", sessionID), zap.Error(err))
		return res, nil
	}
	// the guest record is gone; a later login of this session merges whatever it adds next
	s.releaseGuard(ctx, sessionID, shopperID)
	return res, nil
}

func (s *Service) releaseGuard(ctx context.Context, sessionID, shopperID string) {
	if s.Guard == nil {
		return
	}
	if err := s.Guard.Release(ctx, sessionID, shopperID); err != nil {
		s.logger().Warn("release merge guard", zap.Error(err))
	}
}
