// Package confirm reconciles the payment collaborator's answer into a final order state once
// the shopper comes back from the payment page.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/gateway"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 24
)

var (
	// ErrConfirmationTimeout means no answer came in time. It says nothing about the payment.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrMissingReference    = errors.New("no transaction or session reference")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Result struct {
	DraftID     string          `json:"draft_id"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	OrderNumber string          `json:"order_number,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Reason      string          `json:"reason,omitempty"`
	// Retryable is set when the shopper may ask to check again.
	Retryable bool      `json:"retryable"`
	UpdatedAt time.Time `json:"updated_at"`
	Err       error     `json:"-"`
}

// Ref is what the shopper brings back from the payment page. SessionID is the reference of a
// redirect-based checkout session.
type Ref struct {
	TransactionRef string `json:"transaction_id"`
	SessionID      string `json:"session_id"`
	PaymentMethod  string `json:"payment_method"`
}

func (r Ref) usable() string {
	if r.TransactionRef != "" {
		return r.TransactionRef
	}
	return r.SessionID
}

type Confirmer interface {
	Confirm(ctx context.Context, draftID string, ref gateway.ConfirmRequest) (gateway.Confirmation, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, draftID string, out checkout.Outcome) (checkout.Order, error)
}

type Poller struct {
	Gateway     Confirmer
	Orders      Finalizer
	Interval    time.Duration
	MaxAttempts int
	Log         *zap.Logger
	Now         func() time.Time
	// Sleep waits d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p *Poller) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

func (p *Poller) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) result(draftID string, s Status) Result {
	return Result{DraftID: draftID, Status: s, TotalAmount: decimal.Zero, UpdatedAt: p.now()}
}

// Confirm makes one call to the confirmation collaborator and applies its answer to the
// draft. The returned error explains an error status; a pending status never carries one
// unless ctx ended.
func (p *Poller) Confirm(ctx context.Context, draftID string, ref Ref) (Result, error) {
	txRef := ref.usable()
	if txRef == "" {
		res := p.result(draftID, StatusError)
		res.Reason = ErrMissingReference.Error()
		res.Err = ErrMissingReference
		return res, ErrMissingReference
	}

	conf, err := p.Gateway.Confirm(ctx, draftID, gateway.ConfirmRequest{TransactionRef: txRef, PaymentMethod: ref.PaymentMethod})
	switch {
	case errors.Is(err, gateway.ErrPaymentDeclined):
		return p.declined(ctx, draftID, err)
	case err != nil && ctx.Err() != nil:
		res := p.result(draftID, StatusPending)
		res.Err = ctx.Err()
		return res, ctx.Err()
	case err != nil:
		if ref.SessionID != "" {
			p.logger().Info("confirmation call failed, session still open",
				zap.String("draft_id", draftID), zap.Error(err))
			return p.result(draftID, StatusPending), nil
		}
		res := p.result(draftID, StatusError)
		res.Reason = err.Error()
		res.Retryable = true
		res.Err = err
		return res, err
	}

	out := checkout.Outcome{
		Status:         conf.Order.Status,
		OrderNumber:    conf.Order.OrderNumber,
		TotalAmount:    conf.Order.TotalAmount,
		TransactionRef: txRef,
		PaymentMethod:  ref.PaymentMethod,
	}
	switch {
	case conf.Paid():
		order, err := p.Orders.Finalize(ctx, draftID, out)
		if err != nil {
			// paid upstream; finalizing again on the next attempt is safe
			p.logger().Error("finalize paid order", zap.String("draft_id", draftID), zap.Error(err))
			return p.result(draftID, StatusPending), nil
		}
		res := p.result(draftID, StatusSuccess)
		res.OrderNumber = order.OrderNumber
		res.TotalAmount = order.TotalAmount
		return res, nil

	case conf.Success:
		out.Status = gateway.OrderPending
		if _, err := p.Orders.Finalize(ctx, draftID, out); err != nil {
			p.logger().Warn("record pending order", zap.String("draft_id", draftID), zap.Error(err))
		}
		res := p.result(draftID, StatusPending)
		res.OrderNumber = conf.Order.OrderNumber
		return res, nil

	case ref.SessionID != "":
		return p.result(draftID, StatusPending), nil
	}
	err = fmt.Errorf("confirmation rejected: %s", conf.Message)
	res := p.result(draftID, StatusError)
	res.Reason = err.Error()
	res.Retryable = true
	res.Err = err
	return res, err
}

func (p *Poller) declined(ctx context.Context, draftID string, cause error) (Result, error) {
	if _, err := p.Orders.Finalize(ctx, draftID, checkout.Outcome{Status: gateway.OrderDeclined}); err != nil &&
		!errors.Is(err, checkout.ErrDraftClosed) {
		p.logger().Error("fail declined draft", zap.String("draft_id", draftID), zap.Error(err))
	}
	res := p.result(draftID, StatusError)
	res.Reason = gateway.ErrPaymentDeclined.Error()
	res.Err = cause
	return res, cause
}

// Run confirms immediately and then every Interval while the answer is pending, at most
// MaxAttempts calls in total. Cancelling ctx stops the loop at once and returns a pending
// result carrying the context error.
func (p *Poller) Run(ctx context.Context, draftID string, ref Ref) Result {
	return p.run(ctx, draftID, ref, nil)
}

func (p *Poller) run(ctx context.Context, draftID string, ref Ref, observe func(Result)) Result {
	limit := p.maxAttempts()
	log := p.logger().With(zap.String("draft_id", draftID))
	for attempt := 1; ; attempt++ {
		res, _ := p.Confirm(ctx, draftID, ref)
		res.Attempts = attempt
		if res.Status != StatusPending {
			log.Info("confirmation settled", zap.String("status", string(res.Status)), zap.Int("attempts", attempt))
			return res
		}
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if attempt >= limit {
			res = p.result(draftID, StatusError)
			res.Attempts = attempt
			res.Reason = ErrConfirmationTimeout.Error()
			res.Retryable = true
			res.Err = ErrConfirmationTimeout
			log.Warn("confirmation timed out", zap.Int("attempts", attempt))
			return res
		}
		if observe != nil {
			observe(res)
		}
		if err := p.sleep(ctx, p.interval()); err != nil {
			res = p.result(draftID, StatusPending)
			res.Attempts = attempt
			res.Err = err
			return res
		}
	}
}
