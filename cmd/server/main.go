package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpgate/backend/internal/api"
	"github.com/mcpgate/backend/internal/circuitbreaker"
	"github.com/mcpgate/backend/internal/config"
	"github.com/mcpgate/backend/internal/events"
	"github.com/mcpgate/backend/internal/gate"
	"github.com/mcpgate/backend/internal/infra"
	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/ledger"
	"github.com/mcpgate/backend/internal/metrics"
	"github.com/mcpgate/backend/internal/pricing"
	"github.com/mcpgate/backend/internal/protocol"
	"github.com/mcpgate/backend/internal/quota"
	"github.com/mcpgate/backend/internal/ratelimit"
	"github.com/mcpgate/backend/internal/router"
	"github.com/mcpgate/backend/internal/security"
	"github.com/mcpgate/backend/internal/webhooks"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := flag.String("config", os.Getenv("MCPGATE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting mcpgate (env=%s, shadow=%v, backends=%d)",
		cfg.Server.Env, cfg.Gate.ShadowMode, len(cfg.Backends))

	led := ledger.New(cfg.Store.LedgerCap)

	var mirror keystore.KeyMirror
	if cfg.Redis.Enabled {
		m, err := infra.NewRedisKeyMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 0)
		if err != nil {
			log.Printf("redis mirror unavailable, continuing without: %v", err)
		} else {
			mirror = m
			defer m.Close()
		}
	}

	store, err := keystore.New(led, keystore.Options{
		StatePath: cfg.Store.StatePath,
		MaxKeys:   cfg.Store.MaxKeys,
		Mirror:    mirror,
	})
	if err != nil {
		log.Fatalf("keystore: %v", err)
	}

	var emitter events.Emitter
	var bus *events.EventBus
	if cfg.PubSub.Enabled {
		pb, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer pb.Close()
		emitter = pb
		bus = pb.EventBus
	} else {
		b := events.NewEventBus()
		emitter = b
		bus = b
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var freeMethods protocol.MethodSet
	if len(cfg.Gate.FreeMethods) > 0 {
		freeMethods = protocol.NewMethodSet(cfg.Gate.FreeMethods)
	}
	g := gate.New(
		store,
		pricing.NewTable(cfg.Pricing.DefaultPrice, cfg.Pricing.Tools, cfg.Router.Separator),
		quota.NewTracker(quota.Limits{
			DailyCalls:     cfg.Limits.DailyCalls,
			MonthlyCalls:   cfg.Limits.MonthlyCalls,
			DailyCredits:   cfg.Limits.DailyCredits,
			MonthlyCredits: cfg.Limits.MonthlyCredits,
		}),
		ratelimit.New(ratelimit.Config{
			DefaultPerWindow: cfg.Limits.RatePerMinute,
			PerTool:          cfg.Limits.RatePerTool,
		}),
		emitter,
		m,
		gate.Config{ShadowMode: cfg.Gate.ShadowMode, FreeMethods: freeMethods},
	)

	rt, err := router.New(cfg.Backends, cfg.Router.Separator, circuitbreaker.NewManager(nil), m)
	if err != nil {
		log.Fatalf("router: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		log.Fatalf("router: %v", err)
	}
	defer rt.Stop()

	hookRegistry := webhooks.NewRegistry()
	for _, wh := range cfg.Webhooks {
		if err := hookRegistry.Register(&webhooks.Subscription{
			URL:    wh.URL,
			Secret: wh.Secret,
			Events: wh.Events,
			KeyID:  wh.KeyID,
		}); err != nil {
			log.Fatalf("webhooks: %v", err)
		}
	}
	dispatcher := webhooks.NewDispatcher(hookRegistry, bus)
	defer dispatcher.Shutdown()

	broker := security.NewTokenBroker(security.BrokerConfig{
		Secret:         cfg.Tokens.Secret,
		PreviousSecret: cfg.Tokens.PreviousSecret,
		DefaultTTL:     cfg.Tokens.DefaultTTL,
		MaxTTL:         cfg.Tokens.MaxTTL,
	})

	srv := api.NewServer(api.Deps{
		Config:  cfg,
		Store:   store,
		Ledger:  led,
		Gate:    g,
		Router:  rt,
		Broker:  broker,
		Emitter: emitter,
		Bus:     bus,
		Hooks:   hookRegistry,
		Metrics: m,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, draining", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("stopped")
}
