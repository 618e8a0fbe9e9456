package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	EventReservationChanged = "ReservationChanged"
	EventDraftCreated       = "DraftCreated"
	EventPaymentStarted     = "PaymentStarted"
	EventOrderFinalized     = "OrderFinalized"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // draft id or shopper id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type LineQty struct {
	ProductID string `json:"product_id"`
	SizeML    int    `json:"size_ml"`
	Qty       int    `json:"qty"`
}

type ReservationChangedPayload struct {
	ShopperID string `json:"shopper_id"`
	ProductID string `json:"product_id"`
	SizeML    int    `json:"size_ml"`
	Quantity  int    `json:"quantity"` // 0 = released
}

type DraftCreatedPayload struct {
	DraftID   string    `json:"draft_id"`
	ShopperID string    `json:"shopper_id"`
	AddressID string    `json:"address_id"`
	Lines     []LineQty `json:"lines"`
}

type PaymentStartedPayload struct {
	DraftID   string `json:"draft_id"`
	ShopperID string `json:"shopper_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	SessionID string `json:"session_id"`
}

type OrderFinalizedPayload struct {
	DraftID     string `json:"draft_id"`
	OrderID     string `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	ShopperID   string `json:"shopper_id"`
	FinalStatus string `json:"final_status"` // paid | failed
	Reason      string `json:"reason,omitempty"`
}

// Sink delivers an encoded envelope to a topic.
type Sink interface {
	Publish(topic string, key, value []byte, eventType string)
}

// Emitter wraps payloads into v1 envelopes.
type Emitter struct {
	Sink     Sink
	Producer string
	Now      func() time.Time
}

func (e *Emitter) Emit(ctx context.Context, topic, eventType, correlationID string, payload any) error {
	if e == nil || e.Sink == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    now().UTC(),
		Producer:      e.Producer,
		TraceID:       middleware.GetReqID(ctx),
		CorrelationID: correlationID,
		Payload:       raw,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	e.Sink.Publish(topic, PartitionKey(correlationID), b, eventType)
	return nil
}

// Decode unwraps an envelope payload.
func Decode[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
