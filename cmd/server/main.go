// main wires the authorization gateway's dependencies: stores (in-memory by
// default, Redis/Postgres/Kafka when configured), the risk and policy
// pipeline, the BFF auth flow, and the debug control plane. Business logic
// lives in the internal packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"anybank/internal/audit"
	"anybank/internal/bff"
	"anybank/internal/debugevents"
	"anybank/internal/debughttp"
	"anybank/internal/directory"
	"anybank/internal/gateway"
	"anybank/internal/overrides"
	"anybank/internal/platform/config"
	"anybank/internal/platform/database"
	"anybank/internal/platform/logger"
	"anybank/internal/platform/metrics"
	"anybank/internal/policy"
	"anybank/internal/risk"
	"anybank/internal/session"
	httptransport "anybank/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing anybank authorization gateway",
		"addr", cfg.Addr,
		"provider_url", cfg.ProviderURL,
		"policy_url", cfg.PolicyURL,
		"strict_exchange", cfg.StrictExchange,
	)

	m := metrics.New()
	bus := debugevents.New(
		debugevents.WithCapacity(cfg.EventCapacity),
		debugevents.WithLogger(log),
		debugevents.WithMetrics(m),
	)
	controls := overrides.New(overrides.WithLogger(log))

	// Session store: Redis when configured, memory otherwise.
	var sessions session.Store = session.NewInMemoryStore()
	if cfg.RedisAddr != "" {
		redisStore := session.NewRedisStore(cfg.RedisAddr, cfg.SessionTTL)
		if err := redisStore.Ping(context.Background()); err != nil {
			log.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		sessions = redisStore
		log.Info("using redis session store", "addr", cfg.RedisAddr)
	}

	// Audit store: Postgres when configured, memory otherwise; optional
	// Kafka sink fan-out.
	var auditStore audit.Store = audit.NewInMemoryStore()
	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(dbCfg)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
		auditStore = audit.NewPostgresStore(pool.DB())
		log.Info("using postgres audit store")
	}

	recorderOpts := []audit.RecorderOption{
		audit.WithAsyncBuffer(1024),
		audit.WithRecorderLogger(log),
		audit.WithRecorderMetrics(m),
	}
	if cfg.KafkaBrokers != "" {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, log)
		if err != nil {
			log.Error("kafka sink init failed", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		recorderOpts = append(recorderOpts, audit.WithSinks(sink))
		log.Info("audit records mirrored to kafka", "topic", cfg.KafkaTopic)
	}
	recorder := audit.NewRecorder(auditStore, recorderOpts...)
	defer recorder.Close()

	dir := directory.NewInMemoryStore()
	scorer := risk.New(auditStore, controls, risk.WithLogger(log))
	policyClient := policy.New(cfg.PolicyURL,
		policy.WithLogger(log),
		policy.WithEventBus(bus),
		policy.WithMetrics(m),
	)
	gw := gateway.New(scorer, policyClient, recorder, dir,
		gateway.WithLogger(log),
		gateway.WithEventBus(bus),
		gateway.WithMetrics(m),
	)

	provider := bff.NewProvider(bff.ProviderConfig{
		BaseURL:        cfg.ProviderURL,
		InternalURL:    cfg.ProviderInternalURL,
		Realm:          cfg.Realm,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURI:    cfg.BackendURL + "/bff/auth/callback",
		StrictExchange: cfg.StrictExchange,
		HTTPTimeout:    cfg.HTTPTimeout,
	}, bff.WithProviderEventBus(bus), bff.WithProviderLogger(log))

	bffHandler := bff.New(sessions, provider, cfg.FrontendURL, cfg.SessionTTL,
		bff.WithEventBus(bus),
		bff.WithMetrics(m),
		bff.WithLogger(log),
		bff.WithAuditRecorder(recorder),
	)
	apiHandler := httptransport.NewAPIHandler(sessions, gw, log)
	debugHandler := debughttp.New(bus, controls, auditStore, sessions, dir, log)

	router := httptransport.NewRouter(log, bffHandler, apiHandler, debugHandler)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Background sweep of expired sessions, memory store only; Redis
		// expires keys itself.
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := sessions.DeleteExpired(context.Background(), time.Now()); err != nil {
					log.Warn("session sweep failed", "error", err)
				} else if n > 0 {
					log.Info("expired sessions removed", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
