package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisTimeout = 2 * time.Second

// StatusCache keeps the latest result per draft where every API instance can read it.
type StatusCache interface {
	Put(ctx context.Context, res Result) error
	Get(ctx context.Context, draftID string) (Result, bool, error)
}

type RedisCache struct{ RDB *redis.Client }

func (c *RedisCache) Put(ctx context.Context, res Result) error {
	return redisx.SetJSON(ctx, c.RDB, fmt.Sprintf(redisx.KeyOrderStatus, res.DraftID), res, redisx.TTLStatusCache)
}

func (c *RedisCache) Get(ctx context.Context, draftID string) (Result, bool, error) {
	var res Result
	found, err := redisx.GetJSON(ctx, c.RDB, fmt.Sprintf(redisx.KeyOrderStatus, draftID), &res)
	return res, found, err
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
	latest Result
}

func (j *job) running() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// Tracker owns the background confirmation loops, one per draft. A finished draft can be
// started again, which is the manual "check again".
type Tracker struct {
	poller *Poller
	cache  StatusCache
	log    *zap.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func NewTracker(p *Poller, cache StatusCache, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Tracker{poller: p, cache: cache, log: log, base: base, stop: stop, jobs: map[string]*job{}}
}

// Start launches a confirmation loop for draftID unless one is already running. It returns
// the latest known result and whether a new loop was started.
func (t *Tracker) Start(draftID string, ref Ref) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j, ok := t.jobs[draftID]; ok && j.running() {
		return j.latest, false
	}
	if t.base.Err() != nil {
		return Result{DraftID: draftID, Status: StatusError, Reason: "shutting down", Retryable: true}, false
	}

	ctx, cancel := context.WithCancel(t.base)
	j := &job{cancel: cancel, done: make(chan struct{}), latest: t.poller.result(draftID, StatusPending)}
	t.jobs[draftID] = j
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(j.done)
		defer cancel()
		res := t.poller.run(ctx, draftID, ref, func(r Result) { t.record(j, r) })
		t.record(j, res)
	}()
	return j.latest, true
}

func (t *Tracker) record(j *job, res Result) {
	t.mu.Lock()
	j.latest = res
	t.mu.Unlock()

	if t.cache == nil {
		return
	}
	// the job context may already be cancelled; the cache write must still land
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := t.cache.Put(ctx, res); err != nil {
		t.log.Warn("cache confirmation status", zap.String("draft_id", res.DraftID), zap.Error(err))
	}
}

// Status returns the latest result for draftID, from a local job or from the cache.
func (t *Tracker) Status(ctx context.Context, draftID string) (Result, bool, error) {
	t.mu.Lock()
	j, ok := t.jobs[draftID]
	var res Result
	if ok {
		res = j.latest
	}
	t.mu.Unlock()
	if ok {
		return res, true, nil
	}
	if t.cache == nil {
		return Result{}, false, nil
	}
	return t.cache.Get(ctx, draftID)
}

// Cancel stops the loop of draftID and waits for it to exit.
func (t *Tracker) Cancel(draftID string) bool {
	t.mu.Lock()
	j, ok := t.jobs[draftID]
	t.mu.Unlock()
	if !ok || !j.running() {
		return false
	}
	j.cancel()
	<-j.done
	return true
}

// Shutdown cancels every loop and waits for them until ctx ends.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.stop()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
