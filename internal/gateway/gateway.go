// Package gateway holds the HTTP clients for the shipping-quote, payment and
// order-confirmation collaborators. Every call is a single attempt bounded by the client
// timeout; retrying is left to the caller.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrGatewayUnreachable covers network failures, timeouts and 5xx answers.
	ErrGatewayUnreachable = errors.New("gateway unreachable")
	// ErrPaymentDeclined is a definitive negative answer and must not be retried.
	ErrPaymentDeclined = errors.New("payment declined")
)

// Order statuses reported by the confirmation collaborator.
const (
	OrderPaid     = "paid"
	OrderPending  = "pending"
	OrderDeclined = "declined"
)

type Quote struct {
	Service string          `json:"service"`
	Price   decimal.Decimal `json:"price"`
}

type Session struct {
	ID          string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

type ConfirmedOrder struct {
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OrderNumber string          `json:"order_number"`
}

type Confirmation struct {
	Success bool           `json:"success"`
	Order   ConfirmedOrder `json:"order"`
	Message string         `json:"message,omitempty"`
}

// Paid reports a confirmed payment.
func (c Confirmation) Paid() bool {
	return c.Success && strings.EqualFold(c.Order.Status, OrderPaid)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log,
	}
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Log.Warn("gateway call failed", zap.String("path", path), zap.Duration("took", time.Since(start)), zap.Error(err))
		return fmt.Errorf("post %s: %w: %w", path, ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()
	c.Log.Debug("gateway call", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("post %s: %w: status %d", path, ErrGatewayUnreachable, resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("post %s: %w", path, ErrPaymentDeclined)
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: %w", path, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("post %s: decode: %w", path, err)
	}
	return nil
}

// Quotes asks the shipping provider for the services available to the draft's address. An
// empty list is a valid answer.
func (c *Client) Quotes(ctx context.Context, draftID string) ([]Quote, error) {
	var out []Quote
	if err := c.post(ctx, "/quotes", map[string]string{"order_draft_id": draftID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenSession starts a hosted checkout session for amount.
func (c *Client) OpenSession(ctx context.Context, draftID string, amount decimal.Decimal, currency string) (Session, error) {
	in := struct {
		OrderDraftID string          `json:"order_draft_id"`
		Amount       decimal.Decimal `json:"amount"`
		Currency     string          `json:"currency"`
	}{draftID, amount, currency}
	var out Session
	if err := c.post(ctx, "/sessions", in, &out); err != nil {
		return Session{}, err
	}
	if out.ID == "" {
		return Session{}, fmt.Errorf("open session: empty session id: %w", ErrGatewayUnreachable)
	}
	return out, nil
}

type ConfirmRequest struct {
	TransactionRef string `json:"transaction_ref"`
	PaymentMethod  string `json:"payment_method,omitempty"`
}

// Confirm asks the order-confirmation collaborator for the payment state of a draft.
func (c *Client) Confirm(ctx context.Context, draftID string, ref ConfirmRequest) (Confirmation, error) {
	in := struct {
		OrderDraftID string `json:"order_draft_id"`
		ConfirmRequest
	}{draftID, ref}
	var out Confirmation
	if err := c.post(ctx, "/orders/confirm", in, &out); err != nil {
		return Confirmation{}, err
	}
	if strings.EqualFold(out.Order.Status, OrderDeclined) {
		return out, fmt.Errorf("confirm %s: %w", draftID, ErrPaymentDeclined)
	}
	return out, nil
}
