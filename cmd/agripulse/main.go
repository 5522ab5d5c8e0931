package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agripulse.org/internal/ai"
	"agripulse.org/internal/config"
	"agripulse.org/internal/content"
	"agripulse.org/internal/decommission"
	"agripulse.org/internal/httpapi"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/ledger/remote"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/obs"
	"agripulse.org/internal/platform"
	"agripulse.org/internal/purchase"
	"agripulse.org/internal/registration"
	"agripulse.org/internal/retirement"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/store/sqlkv"
	"agripulse.org/internal/stream"
	"agripulse.org/internal/verify"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("AGRIPULSE_CONFIG"), "path to YAML config")
	flag.Parse()

	log := obs.Logger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mirror store.
	var (
		kv    mirror.KV = mirror.NewMemoryKV()
		ready func(context.Context) error
	)
	if cfg.Store.Driver != "" {
		db, err := sqlkv.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			log.WithError(err).Fatal("open store")
		}
		defer db.Close()
		applied, err := db.Migrate(ctx)
		if err != nil {
			log.WithError(err).Fatal("migrate store")
		}
		if len(applied) > 0 {
			log.WithField("migrations", applied).Info("store migrated")
		}
		kv, ready = db, db.Ping
	}
	store := mirror.NewStore(kv)

	// Ledger gateway.
	var gw ledger.Gateway
	treasury := ledger.AccountID(cfg.Ledger.TreasuryAccount)
	if cfg.Ledger.GRPCAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := remote.Dial(dialCtx, cfg.Ledger.GRPCAddr)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("dial ledger")
		}
		defer client.Close()
		gw = remote.NewGateway(client, cfg.Ledger.CallTimeout)
	} else {
		mem := ledger.NewInMemory()
		treasury, err = mem.CreateAccount(ctx, 1_000_000*ledger.TinybarsPerHbar)
		if err != nil {
			log.WithError(err).Fatal("create dev treasury")
		}
		log.WithField("treasury", treasury).Warn("no ledger configured, using in-process development ledger")
		gw = mem
	}

	// Content publisher and AI.
	var pub content.Publisher = content.NewMemory()
	if cfg.Content.Endpoint != "" {
		pub = content.NewHTTPPublisher(cfg.Content.Endpoint, cfg.Content.Token, content.WithRateLimit(cfg.Content.RatePerSec))
	} else {
		log.Warn("no content endpoint configured, published documents are kept in memory")
	}
	var svc ai.Service
	if cfg.AI.APIKey != "" {
		oa, err := ai.NewOpenAI(ai.Options{
			BaseURL:    cfg.AI.BaseURL,
			APIKey:     cfg.AI.APIKey,
			Model:      cfg.AI.Model,
			ImageModel: cfg.AI.ImageModel,
			RatePerSec: cfg.AI.RatePerSec,
		})
		if err != nil {
			log.WithError(err).Fatal("init ai")
		}
		svc = oa
	}

	// Conversion rate.
	fallback, err := decimal.NewFromString(cfg.Purchase.USDPerHBAR)
	if err != nil {
		log.WithError(err).Fatal("parse purchase.usd_per_hbar")
	}
	var src purchase.RateSource = purchase.StaticRate(fallback)
	if cfg.Purchase.RateURL != "" {
		src = purchase.HTTPRate{URL: cfg.Purchase.RateURL, Path: cfg.Purchase.RatePath}
	}
	rates := purchase.NewRateCache(src, fallback, cfg.Purchase.RateTTL)
	scheduler := cron.New()
	if cfg.Purchase.RateURL != "" && cfg.Purchase.RateRefreshSpec != "" {
		if _, err := rates.Schedule(scheduler, cfg.Purchase.RateRefreshSpec); err != nil {
			log.WithError(err).Fatal("schedule rate refresh")
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Sagas.
	bus := stream.New(256)
	refresher := saga.NewBalanceRefresher(gw, store, saga.RefreshPolicy{
		Delay:          cfg.Purchase.PropagationDelay,
		Attempts:       cfg.Purchase.RefreshAttempts,
		InitialBackoff: cfg.Purchase.RefreshBackoff,
		MaxBackoff:     cfg.Purchase.RefreshMaxBackoff,
	})
	engine := verify.New(svc, verify.Options{
		Threshold:       cfg.Verification.Threshold,
		AIPenalty:       cfg.Verification.AIPenalty,
		AIMinConfidence: cfg.Verification.AIMinConfidence,
	})
	deps := httpapi.Deps{
		Store:        store,
		Ledger:       gw,
		Bus:          bus,
		Platform:     platform.New(gw, store, bus, platform.Options{Treasury: treasury, Network: cfg.Ledger.Network}),
		Registration: registration.New(gw, pub, engine, store, bus),
		Purchase: purchase.New(gw, pub, svc, rates, store, refresher, bus, purchase.Options{
			Treasury:     treasury,
			SharePercent: cfg.Purchase.FarmerSharePercent,
			BuyerTiers:   purchase.NewTierTable(cfg.Rewards.Buyer),
			SellerTiers:  purchase.NewTierTable(cfg.Rewards.Seller),
		}),
		Retirement:   retirement.New(gw, store, refresher, bus),
		Decommission: decommission.New(gw, treasury, store, bus, cfg.Decommission.Concurrency),
		Ready:        ready,
	}
	api := httpapi.New(deps, httpapi.Options{
		Version:     version,
		RateBurst:   cfg.HTTP.RateBurst,
		RatePerSec:  cfg.HTTP.RatePerSec,
		MaxBody:     cfg.HTTP.MaxBody,
		TokenTTL:    cfg.Auth.TokenTTL,
		IssueTokens: cfg.Auth.IssueTokens,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Sagas wait on the ledger and the SSE stream stays open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(map[string]any{"addr": srv.Addr, "version": version}).Info("starting agripulse")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}
