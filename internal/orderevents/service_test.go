package orderevents

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront-checkout/internal/confirm"
	"github.com/ariefcatur/go-storefront-checkout/internal/events"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type messageSink struct{ msgs []kafkago.Message }

func (s *messageSink) Publish(topic string, key, value []byte, eventType string) {
	s.msgs = append(s.msgs, kafkago.Message{
		Topic: topic, Key: key, Value: value,
		Headers: []kafkago.Header{{Key: kafkax.HeaderEventType, Value: []byte(eventType)}},
	})
}

func finalized(t *testing.T, p events.OrderFinalizedPayload) kafkago.Message {
	t.Helper()
	sink := &messageSink{}
	e := &events.Emitter{Sink: sink, Producer: "checkout-api"}
	require.NoError(t, e.Emit(context.Background(), events.TopicOrderFinalized, events.EventOrderFinalized, p.DraftID, p))
	return sink.msgs[0]
}

type failingCache struct{ err error }

func (c failingCache) Put(context.Context, confirm.Result) error { return c.err }
func (c failingCache) Get(context.Context, string) (confirm.Result, bool, error) {
	return confirm.Result{}, false, nil
}

func newService(t *testing.T) (*Service, *confirm.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	cache := &confirm.RedisCache{RDB: rdb}
	return &Service{Redis: rdb, Cache: cache, ServiceName: "orderevents", Log: zap.NewNop()}, cache, mr
}

func TestProjectsPaidOrder(t *testing.T) {
	ctx := context.Background()
	s, cache, _ := newService(t)

	m := finalized(t, events.OrderFinalizedPayload{DraftID: "d1", OrderNumber: "ORD-7", ShopperID: "alice", FinalStatus: "paid"})
	require.NoError(t, s.HandleOrderFinalized(ctx, m))

	res, found, err := cache.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, confirm.StatusSuccess, res.Status)
	assert.Equal(t, "ORD-7", res.OrderNumber)
}

func TestProjectsFailedOrder(t *testing.T) {
	ctx := context.Background()
	s, cache, _ := newService(t)

	m := finalized(t, events.OrderFinalizedPayload{DraftID: "d2", FinalStatus: "failed", Reason: "payment declined"})
	require.NoError(t, s.HandleOrderFinalized(ctx, m))

	res, _, err := cache.Get(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusError, res.Status)
	assert.Equal(t, "payment declined", res.Reason)
}

func TestRedeliveryIsIgnored(t *testing.T) {
	ctx := context.Background()
	s, cache, _ := newService(t)

	m := finalized(t, events.OrderFinalizedPayload{DraftID: "d1", FinalStatus: "paid"})
	require.NoError(t, s.HandleOrderFinalized(ctx, m))
	require.NoError(t, cache.Put(ctx, confirm.Result{DraftID: "d1", Status: confirm.StatusPending}))

	require.NoError(t, s.HandleOrderFinalized(ctx, m))
	res, _, err := cache.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusPending, res.Status, "second delivery must not write again")
}

func TestCacheFailureReleasesDedupKey(t *testing.T) {
	ctx := context.Background()
	s, cache, mr := newService(t)
	s.Cache = failingCache{err: errors.New("boom")}

	m := finalized(t, events.OrderFinalizedPayload{DraftID: "d1", FinalStatus: "paid"})
	require.Error(t, s.HandleOrderFinalized(ctx, m))
	assert.Empty(t, mr.Keys(), "dedup key is released")

	s.Cache = cache
	require.NoError(t, s.HandleOrderFinalized(ctx, m))
	res, found, err := cache.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, confirm.StatusSuccess, res.Status)
}

func TestIgnoresOtherMessages(t *testing.T) {
	ctx := context.Background()
	s, _, mr := newService(t)

	other := kafkago.Message{
		Value:   []byte(`{"event_id":"e1","event_type":"DraftCreated","payload":{}}`),
		Headers: []kafkago.Header{{Key: kafkax.HeaderEventType, Value: []byte(events.EventDraftCreated)}},
	}
	require.NoError(t, s.HandleOrderFinalized(ctx, other))
	require.NoError(t, s.HandleOrderFinalized(ctx, kafkago.Message{Value: []byte("{")}))
	assert.Empty(t, mr.Keys())
}
