// Package orderevents projects finalized orders into the shared confirmation status cache, so
// every API instance can answer a status check even when the loop ran elsewhere.
package orderevents

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/confirm"
	"github.com/ariefcatur/go-storefront-checkout/internal/events"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Service struct {
	Redis       *redis.Client
	Cache       confirm.StatusCache
	ServiceName string
	Log         *zap.Logger
}

// HandleOrderFinalized is installed as the consumer handler. Each event is applied once.
func (s *Service) HandleOrderFinalized(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.EventType(m); t != "" && t != events.EventOrderFinalized {
		return nil
	}
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		// a poison message would block the partition forever
		s.Log.Error("drop undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != events.EventOrderFinalized {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	won, err := redisx.Once(ctx, s.Redis, dkey, redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !won {
		return nil
	}

	p, err := events.Decode[events.OrderFinalizedPayload](env.Payload)
	if err != nil {
		s.Log.Error("drop undecodable payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	if err := s.Cache.Put(ctx, project(p, env.OccurredAt)); err != nil {
		// the consumer retries the message; it must not look processed
		_ = s.Redis.Del(ctx, dkey).Err()
		return fmt.Errorf("cache status of %s: %w", p.DraftID, err)
	}
	s.Log.Info("order status projected",
		zap.String("draft_id", p.DraftID),
		zap.String("final_status", p.FinalStatus),
		zap.String("trace_id", env.TraceID))
	return nil
}

func project(p events.OrderFinalizedPayload, at time.Time) confirm.Result {
	res := confirm.Result{DraftID: p.DraftID, OrderNumber: p.OrderNumber, UpdatedAt: at}
	if p.FinalStatus == "paid" {
		res.Status = confirm.StatusSuccess
		return res
	}
	res.Status = confirm.StatusError
	res.Reason = p.Reason
	return res
}
