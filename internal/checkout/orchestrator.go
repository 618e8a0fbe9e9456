package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/cart"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/events"
	"github.com/ariefcatur/go-storefront-checkout/internal/gateway"
	"github.com/ariefcatur/go-storefront-checkout/internal/keylock"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Orchestrator struct {
	Carts    CartOpener
	Ledger   ledger.Ledger
	Repo     Repo
	Quotes   QuoteProvider
	Payments PaymentGateway
	Coupons  CouponSource // optional
	Events   *events.Emitter
	Log      *zap.Logger
	Currency string
	Now      func() time.Time

	// MaxParallelChecks bounds concurrent availability checks per draft. Zero means 8.
	MaxParallelChecks int

	locks keylock.Map
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) lock(draftID string) func() {
	return o.locks.Lock(draftID)
}

func (o *Orchestrator) emit(ctx context.Context, topic, eventType, key string, payload any) {
	if err := o.Events.Emit(ctx, topic, eventType, key, payload); err != nil {
		o.logger().Warn("emit event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (o *Orchestrator) shopperCart(shopperID string) cart.Store {
	return o.Carts.Open(cart.Identity{ShopperID: shopperID})
}

// Enter checks the preconditions of the checkout page. Both errors are meant to redirect the
// shopper rather than be shown.
func (o *Orchestrator) Enter(ctx context.Context, id cart.Identity) error {
	if !id.Authenticated() {
		return ErrNotAuthenticated
	}
	items, err := o.shopperCart(id.ShopperID).Items(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return ErrEmptyCart
	}
	return nil
}

// Draft returns the shopper's draft. Drafts of other shoppers are reported as not found.
func (o *Orchestrator) Draft(ctx context.Context, shopperID, draftID string) (Draft, error) {
	d, err := o.Repo.Draft(ctx, draftID)
	if err != nil {
		return Draft{}, err
	}
	if d.ShopperID != shopperID {
		return Draft{}, ErrDraftNotFound
	}
	return d, nil
}

func (o *Orchestrator) Order(ctx context.Context, shopperID, draftID string) (Order, error) {
	if _, err := o.Draft(ctx, shopperID, draftID); err != nil {
		return Order{}, err
	}
	return o.Repo.OrderByDraft(ctx, draftID)
}

// revalidate re-reserves every line at its cart quantity. Reserve is the ledger's atomic
// check-and-set, so a line passes only if stock minus every other shopper's claim still
// covers it.
func (o *Orchestrator) revalidate(ctx context.Context, shopperID string, totals cart.Totals) error {
	var (
		mu         sync.Mutex
		shortfalls []Shortfall
	)
	add := func(s Shortfall) {
		mu.Lock()
		shortfalls = append(shortfalls, s)
		mu.Unlock()
	}

	limit := o.MaxParallelChecks
	if limit <= 0 {
		limit = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, pl := range totals.Lines {
		if pl.Unavailable {
			add(Shortfall{ProductID: pl.ProductID, SizeML: pl.SizeML, Requested: pl.Quantity, Reason: ReasonUnpriced})
			continue
		}
		l := pl.Line
		g.Go(func() error {
			err := o.Ledger.Reserve(gctx, shopperID, l.Key(), l.Quantity)
			if ise, ok := ledger.AsInsufficientStock(err); ok {
				add(Shortfall{ProductID: l.ProductID, SizeML: l.SizeML, Requested: l.Quantity, Available: ise.Available, Reason: ReasonStock})
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("revalidate cart: %w", err)
	}
	if len(shortfalls) == 0 {
		return nil
	}
	sort.Slice(shortfalls, func(i, j int) bool {
		if shortfalls[i].ProductID != shortfalls[j].ProductID {
			return shortfalls[i].ProductID < shortfalls[j].ProductID
		}
		return shortfalls[i].SizeML < shortfalls[j].SizeML
	})
	return &ShortfallError{Shortfalls: shortfalls}
}

// CreateDraft re-validates the cart, creates a draft bound to addressID and asks for shipping
// quotes. When no quote comes back the draft is still returned, together with
// ErrQuoteUnavailable.
func (o *Orchestrator) CreateDraft(ctx context.Context, shopperID, addressID string) (Draft, error) {
	if shopperID == "" {
		return Draft{}, ErrNotAuthenticated
	}
	if addressID == "" {
		return Draft{}, ErrAddressRequired
	}
	totals, err := o.shopperCart(shopperID).Total(ctx)
	if err != nil {
		return Draft{}, err
	}
	if len(totals.Lines) == 0 {
		return Draft{}, ErrEmptyCart
	}
	if err := o.revalidate(ctx, shopperID, totals); err != nil {
		return Draft{}, err
	}

	now := o.now()
	d := Draft{
		ID:           uuid.NewString(),
		ShopperID:    shopperID,
		AddressID:    addressID,
		Status:       StatusDraft,
		Lines:        draftLines(totals),
		ShippingCost: decimal.Zero,
		Subtotal:     totals.Subtotal,
		Packaging:    totals.Packaging,
		Discount:     decimal.Zero,
		Total:        totals.Total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.Repo.CreateDraft(ctx, d); err != nil {
		return Draft{}, fmt.Errorf("create draft: %w", err)
	}
	o.logger().Info("draft created", zap.String("draft_id", d.ID), zap.String("shopper_id", shopperID))

	lines := make([]events.LineQty, 0, len(d.Lines))
	for _, l := range d.Lines {
		lines = append(lines, events.LineQty{ProductID: l.ProductID, SizeML: l.SizeML, Qty: l.Quantity})
	}
	o.emit(ctx, events.TopicDraftCreated, events.EventDraftCreated, d.ID, events.DraftCreatedPayload{
		DraftID: d.ID, ShopperID: shopperID, AddressID: addressID, Lines: lines,
	})

	unlock := o.lock(d.ID)
	defer unlock()
	return o.fetchQuotes(ctx, d)
}

func draftLines(t cart.Totals) []DraftLine {
	out := make([]DraftLine, 0, len(t.Lines))
	for _, pl := range t.Lines {
		out = append(out, DraftLine{ProductID: pl.ProductID, SizeML: pl.SizeML, Quantity: pl.Quantity, UnitPrice: pl.Price.Final})
	}
	return out
}

func (o *Orchestrator) fetchQuotes(ctx context.Context, d Draft) (Draft, error) {
	quotes, err := o.Quotes.Quotes(ctx, d.ID)
	if err != nil {
		return d, fmt.Errorf("shipping quotes: %w", err)
	}
	prev := d.Status
	d.Quotes = quotes
	d.UpdatedAt = o.now()
	if err := o.Repo.UpdateDraft(ctx, d, prev); err != nil {
		return d, err
	}
	if len(quotes) == 0 {
		return d, ErrQuoteUnavailable
	}
	return d, nil
}

// editable loads a draft of shopperID that may still move to next.
func (o *Orchestrator) editable(ctx context.Context, shopperID, draftID string, next Status) (Draft, error) {
	d, err := o.Draft(ctx, shopperID, draftID)
	if err != nil {
		return Draft{}, err
	}
	if d.Status.Terminal() {
		return Draft{}, ErrDraftClosed
	}
	if !CanTransition(d.Status, next) && d.Status != next {
		return Draft{}, fmt.Errorf("%s -> %s: %w", d.Status, next, ErrInvalidTransition)
	}
	return d, nil
}

// RequestQuotes asks the shipping provider again, for example after an empty answer.
func (o *Orchestrator) RequestQuotes(ctx context.Context, shopperID, draftID string) (Draft, error) {
	unlock := o.lock(draftID)
	defer unlock()

	d, err := o.editable(ctx, shopperID, draftID, StatusQuoteReady)
	if err != nil {
		return Draft{}, err
	}
	return o.fetchQuotes(ctx, d)
}

// SelectShipping stores one of the offered quotes and moves the draft to quote_ready.
func (o *Orchestrator) SelectShipping(ctx context.Context, shopperID, draftID, service string) (Draft, error) {
	unlock := o.lock(draftID)
	defer unlock()

	d, err := o.editable(ctx, shopperID, draftID, StatusQuoteReady)
	if err != nil {
		return Draft{}, err
	}
	q, ok := d.quote(service)
	if !ok {
		return Draft{}, ErrUnknownShippingService
	}
	prev := d.Status
	d.ShippingService = q.Service
	d.ShippingCost = q.Price
	d.Status = StatusQuoteReady
	d.Total = d.Subtotal.Add(d.Packaging).Add(d.ShippingCost)
	d.UpdatedAt = o.now()
	if err := o.Repo.UpdateDraft(ctx, d, prev); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// BeginPayment prices the cart again, applies the coupon and opens a payment session. A
// gateway failure leaves the draft as it was.
func (o *Orchestrator) BeginPayment(ctx context.Context, shopperID, draftID, couponCode string) (Draft, error) {
	unlock := o.lock(draftID)
	defer unlock()

	d, err := o.Draft(ctx, shopperID, draftID)
	if err != nil {
		return Draft{}, err
	}
	if d.Status.Terminal() {
		return Draft{}, ErrDraftClosed
	}
	if d.Status != StatusQuoteReady {
		return Draft{}, fmt.Errorf("%s -> %s: %w", d.Status, StatusPaymentInProgress, ErrInvalidTransition)
	}

	totals, err := o.shopperCart(shopperID).Total(ctx)
	if err != nil {
		return Draft{}, err
	}
	if len(totals.Lines) == 0 {
		return Draft{}, ErrEmptyCart
	}
	if len(totals.Unavailable) > 0 {
		short := make([]Shortfall, 0, len(totals.Unavailable))
		for _, k := range totals.Unavailable {
			short = append(short, Shortfall{ProductID: k.ProductID, SizeML: k.SizeML, Reason: ReasonUnpriced})
		}
		return Draft{}, &ShortfallError{Shortfalls: short}
	}

	discount := decimal.Zero
	code := ""
	if couponCode != "" {
		if o.Coupons == nil {
			return Draft{}, ErrCouponInvalid
		}
		c, err := o.Coupons.Coupon(ctx, couponCode)
		if err != nil {
			return Draft{}, err
		}
		if discount, err = c.Discount(totals.Subtotal, o.now()); err != nil {
			return Draft{}, err
		}
		code = c.Code
	}
	total := totals.Subtotal.Add(totals.Packaging).Add(d.ShippingCost).Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	total = total.Round(2)

	session, err := o.Payments.OpenSession(ctx, d.ID, total, o.Currency)
	if err != nil {
		o.logger().Warn("open payment session", zap.String("draft_id", d.ID), zap.Error(err))
		return Draft{}, fmt.Errorf("payment session: %w", err)
	}

	d.Lines = draftLines(totals)
	d.Subtotal = totals.Subtotal
	d.Packaging = totals.Packaging
	d.CouponCode = code
	d.Discount = discount
	d.Total = total
	d.PaymentRef = session.ID
	d.RedirectURL = session.RedirectURL
	d.Status = StatusPaymentInProgress
	d.UpdatedAt = o.now()
	if err := o.Repo.UpdateDraft(ctx, d, StatusQuoteReady); err != nil {
		return Draft{}, err
	}
	o.emit(ctx, events.TopicPaymentStarted, events.EventPaymentStarted, d.ID, events.PaymentStartedPayload{
		DraftID: d.ID, ShopperID: shopperID, Amount: total.StringFixed(2), Currency: o.Currency, SessionID: session.ID,
	})
	return d, nil
}

// Finalize applies a confirmation outcome to a draft. A paid outcome records the order, turns
// the held reservations into sales and clears the cart. A declined outcome fails the draft and
// keeps the cart. A pending outcome only records the order as pending.
func (o *Orchestrator) Finalize(ctx context.Context, draftID string, out Outcome) (Order, error) {
	unlock := o.lock(draftID)
	defer unlock()

	d, err := o.Repo.Draft(ctx, draftID)
	if err != nil {
		return Order{}, err
	}

	switch out.Status {
	case gateway.OrderPaid:
		if d.Status == StatusPaid {
			return o.Repo.OrderByDraft(ctx, draftID)
		}
		if d.Status != StatusPaymentInProgress {
			return Order{}, fmt.Errorf("%s -> %s: %w", d.Status, StatusPaid, ErrInvalidTransition)
		}
		return o.finalizePaid(ctx, d, out)

	case gateway.OrderDeclined:
		if d.Status.Terminal() {
			return Order{}, ErrDraftClosed
		}
		prev := d.Status
		d.Status = StatusFailed
		d.UpdatedAt = o.now()
		if err := o.Repo.UpdateDraft(ctx, d, prev); err != nil {
			return Order{}, err
		}
		o.emit(ctx, events.TopicOrderFinalized, events.EventOrderFinalized, d.ID, events.OrderFinalizedPayload{
			DraftID: d.ID, ShopperID: d.ShopperID, FinalStatus: string(StatusFailed), Reason: "payment declined",
		})
		return Order{}, nil

	default:
		if d.Status == StatusFailed {
			return Order{}, ErrDraftClosed
		}
		return o.Repo.UpsertOrder(ctx, o.orderFor(d, out, PaymentPending))
	}
}

func (o *Orchestrator) orderFor(d Draft, out Outcome, status PaymentStatus) Order {
	total := out.TotalAmount
	if total.IsZero() {
		total = d.Total
	}
	ref := out.TransactionRef
	if ref == "" {
		ref = d.PaymentRef
	}
	return Order{
		DraftID:        d.ID,
		ShopperID:      d.ShopperID,
		OrderNumber:    out.OrderNumber,
		TransactionRef: ref,
		PaymentMethod:  out.PaymentMethod,
		TotalAmount:    total,
		PaymentStatus:  status,
		UpdatedAt:      o.now(),
	}
}

func (o *Orchestrator) finalizePaid(ctx context.Context, d Draft, out Outcome) (Order, error) {
	order, err := o.Repo.UpsertOrder(ctx, o.orderFor(d, out, PaymentPaid))
	if err != nil {
		return Order{}, fmt.Errorf("record order: %w", err)
	}

	claims, err := o.heldClaims(ctx, d)
	if err != nil {
		return Order{}, err
	}
	if err := o.Ledger.Commit(ctx, d.ShopperID, claims); err != nil {
		return Order{}, fmt.Errorf("commit stock: %w", err)
	}
	if err := o.shopperCart(d.ShopperID).Clear(ctx); err != nil {
		return Order{}, fmt.Errorf("clear cart: %w", err)
	}

	d.Status = StatusPaid
	d.UpdatedAt = o.now()
	if err := o.Repo.UpdateDraft(ctx, d, StatusPaymentInProgress); err != nil {
		return Order{}, err
	}
	o.logger().Info("order finalized",
		zap.String("draft_id", d.ID), zap.String("order_number", order.OrderNumber), zap.String("shopper_id", d.ShopperID))
	o.emit(ctx, events.TopicOrderFinalized, events.EventOrderFinalized, d.ID, events.OrderFinalizedPayload{
		DraftID: d.ID, OrderID: order.ID, OrderNumber: order.OrderNumber, ShopperID: d.ShopperID, FinalStatus: string(StatusPaid),
	})
	return order, nil
}

// heldClaims returns what the shopper still holds of each draft line. A line is capped at
// the current reservation, which the shopper may have lowered after opening the payment.
// Lines committed by an earlier, interrupted finalize have no reservation and are skipped.
func (o *Orchestrator) heldClaims(ctx context.Context, d Draft) ([]ledger.Claim, error) {
	rs, err := o.Ledger.Reservations(ctx, d.ShopperID)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	held := make(map[catalog.VariantKey]int, len(rs))
	for _, r := range rs {
		held[r.Key()] = r.Quantity
	}
	claims := make([]ledger.Claim, 0, len(d.Lines))
	for _, l := range d.Lines {
		qty := min(l.Quantity, held[l.Key()])
		if qty < l.Quantity {
			o.logger().Warn("paid line not fully held",
				zap.String("draft_id", d.ID), zap.Stringer("variant", l.Key()),
				zap.Int("paid", l.Quantity), zap.Int("held", qty))
		}
		if qty <= 0 {
			continue
		}
		claims = append(claims, ledger.Claim{Key: l.Key(), Quantity: qty})
	}
	return claims, nil
}

// IsRetryable reports errors the shopper can retry without changing anything.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQuoteUnavailable) || errors.Is(err, gateway.ErrGatewayUnreachable)
}
