package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/cart"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/confirm"
	"github.com/ariefcatur/go-storefront-checkout/internal/events"
	"github.com/ariefcatur/go-storefront-checkout/internal/gateway"
	"github.com/ariefcatur/go-storefront-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/packaging"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/pricing"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stores groups the backends selected by STORAGE.
type stores struct {
	catalog  catalog.Reader
	entries  pricing.EntrySource
	promos   pricing.PromotionSource
	ledger   ledger.Ledger
	lines    cart.LineRepo
	guests   cart.GuestRepo
	guard    cart.MergeGuard
	drafts   checkout.Repo
	coupons  checkout.CouponSource
	statuses confirm.StatusCache
	close    func()
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("open stores", zap.Error(err))
	}
	defer st.close()

	pack, err := packagingTable(cfg.Packaging)
	if err != nil {
		log.Fatal("packaging config", zap.Error(err))
	}

	// Kafka producer, or the log when no broker is configured
	var (
		sink events.Sink = events.LogSink{Log: log}
		prod *kafkax.Producer
	)
	if len(cfg.KafkaBrokers) > 0 && cfg.Storage != "memory" {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start()
		sink = prod
	}
	emitter := &events.Emitter{Sink: sink, Producer: cfg.ServiceName}

	resolver := &pricing.Resolver{Catalog: st.catalog, Entries: st.entries, Promotions: st.promos}
	carts := &cart.Service{
		Catalog:   st.catalog,
		Prices:    resolver,
		Ledger:    st.ledger,
		Lines:     st.lines,
		Guests:    st.guests,
		Packaging: pack,
		Guard:     st.guard,
		Events:    emitter,
		Log:       log.Named("cart"),
	}

	orch := &checkout.Orchestrator{
		Carts:    carts,
		Ledger:   st.ledger,
		Repo:     st.drafts,
		Quotes:   gateway.New(cfg.ShippingURL, cfg.GatewayTimeout, log.Named("shipping")),
		Payments: gateway.New(cfg.PaymentURL, cfg.GatewayTimeout, log.Named("payments")),
		Coupons:  st.coupons,
		Events:   emitter,
		Log:      log.Named("checkout"),
		Currency: cfg.Currency,
	}

	poller := &confirm.Poller{
		Gateway:     gateway.New(cfg.ConfirmURL, cfg.GatewayTimeout, log.Named("confirm")),
		Orders:      orch,
		Interval:    cfg.ConfirmInterval,
		MaxAttempts: cfg.ConfirmMaxAttempts,
		Log:         log.Named("poller"),
	}
	tracker := confirm.NewTracker(poller, st.statuses, log.Named("tracker"))

	router := httpx.NewRouter(httpx.Deps{
		Log:         log,
		Auth:        &httpx.Auth{Secret: []byte(cfg.JWTSecret)},
		Cart:        &httpx.CartHandler{Carts: carts, Prices: resolver, Log: log},
		Checkout:    &httpx.CheckoutHandler{Checkout: orch, Tracker: tracker, Log: log},
		Limiter:     httpx.NewRateLimiter(5, 10),
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("storage", cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := tracker.Shutdown(ctx2); err != nil {
		log.Warn("confirmation loops still running", zap.Error(err))
	}
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (stores, error) {
	if cfg.Storage == "memory" {
		log.Warn("using in-memory stores; data is lost on restart")
		return memoryStores(), nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return stores{}, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return stores{}, fmt.Errorf("db migrate: %w", err)
	}
	rdb := redisx.New(cfg.RedisAddr)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping", zap.Error(err))
	}

	prices := &pricing.PG{DB: db}
	return stores{
		catalog:  &catalog.PG{DB: db},
		entries:  prices,
		promos:   prices,
		ledger:   &ledger.PG{DB: db},
		lines:    &cart.PGLines{DB: db},
		guests:   &cart.RedisGuests{RDB: rdb, TTL: cfg.GuestCartTTL},
		guard:    &cart.RedisGuard{RDB: rdb},
		drafts:   &checkout.PGRepo{DB: db},
		coupons:  &checkout.PGCoupons{DB: db},
		statuses: &confirm.RedisCache{RDB: rdb},
		close: func() {
			_ = rdb.Close()
			db.Close()
		},
	}, nil
}

func memoryStores() stores {
	prices := pricing.NewMemory()
	return stores{
		catalog: catalog.NewMemory(),
		entries: prices,
		promos:  prices,
		ledger:  ledger.NewMemory(),
		lines:   cart.NewMemoryLines(),
		guests:  cart.NewMemoryGuests(),
		drafts:  checkout.NewMemoryRepo(),
		coupons: checkout.NewMemoryCoupons(),
		close:   func() {},
	}
}

func packagingTable(p config.Packaging) (packaging.Table, error) {
	decant, err := decimal.NewFromString(p.DecantBoxCost)
	if err != nil {
		return packaging.Table{}, fmt.Errorf("decant box cost: %w", err)
	}
	bottle, err := decimal.NewFromString(p.BottleBoxCost)
	if err != nil {
		return packaging.Table{}, fmt.Errorf("bottle box cost: %w", err)
	}
	return packaging.Table{
		DecantMaxML:       p.DecantMaxML,
		DecantBoxCapacity: p.DecantBoxCapacity,
		DecantBoxCost:     decant,
		BottleBoxCost:     bottle,
	}, nil
}
