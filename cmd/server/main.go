package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/api"
	"github.com/gyaneshwarpardhi/npe/internal/arbiter"
	"github.com/gyaneshwarpardhi/npe/internal/config"
	"github.com/gyaneshwarpardhi/npe/internal/dedup"
	"github.com/gyaneshwarpardhi/npe/internal/digest"
	"github.com/gyaneshwarpardhi/npe/internal/dispatch"
	"github.com/gyaneshwarpardhi/npe/internal/engine"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/fatigue"
	"github.com/gyaneshwarpardhi/npe/internal/kv"
	"github.com/gyaneshwarpardhi/npe/internal/queue"
	"github.com/gyaneshwarpardhi/npe/internal/rules"
	"github.com/gyaneshwarpardhi/npe/internal/scorer"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/npe.yaml", "Path to YAML config")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, nil)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Stores ───────────────────────────────────────────────────────────────
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Store.Path, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	var kvs kv.Store = kv.NewMemory(time.Now)
	if cfg.KV.Driver == "redis" {
		kvs = kv.NewRedis(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB)
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := kvs.Ping(pingCtx); err != nil {
			// Counters and dedup degrade per request; keep serving.
			slog.Warn("redis unreachable at startup", "addr", cfg.KV.Addr, "err", err)
		}
		pingCancel()
	}
	defer kvs.Close()
	tracker := fatigue.NewTracker(kvs)

	// ── Outbound queue ───────────────────────────────────────────────────────
	var pub queue.Publisher = queue.NewMemory()
	if cfg.Queue.Driver == "kafka" {
		k, err := queue.NewKafka(queue.KafkaConfig{
			Brokers:        cfg.Queue.Brokers,
			ImmediateTopic: cfg.Queue.ImmediateTopic,
			DeferredTopic:  cfg.Queue.DeferredTopic,
			WriteTimeout:   cfg.Queue.WriteTimeout(),
		})
		if err != nil {
			slog.Error("failed to create kafka publisher", "err", err)
			os.Exit(1)
		}
		pub = k
	} else {
		slog.Warn("using in-memory queue, deliveries are not durable")
	}
	defer pub.Close()

	// ── Rules ────────────────────────────────────────────────────────────────
	ruleEngine := rules.NewEngine(st, cfg.Rules.Refresh(), logger)
	if err := ruleEngine.Refresh(ctx); err != nil {
		slog.Error("failed to load rules", "err", err)
		os.Exit(1)
	}
	go ruleEngine.Run(ctx)

	// ── Pipeline ─────────────────────────────────────────────────────────────
	hasher, err := dedup.NewMinHasher(128, 32, 3)
	if err != nil {
		slog.Error("failed to build minhash", "err", err)
		os.Exit(1)
	}
	t := tunables(cfg)

	var model scorer.Model
	if cfg.Scorer.APIKey != "" {
		model, err = scorer.NewLLM(scorer.LLMConfig{
			APIKey:     cfg.Scorer.APIKey,
			BaseURL:    cfg.Scorer.BaseURL,
			Model:      cfg.Scorer.Model,
			RatePerSec: cfg.Scorer.RatePerSec,
		})
		if err != nil {
			slog.Error("failed to create model client", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no scorer API key, scoring with heuristic only")
	}
	breaker := scorer.NewBreaker(cfg.Scorer.BreakerThreshold, cfg.Scorer.BreakerRecovery(), time.Now)

	disp := dispatch.New(pub, tracker, st, dispatch.Config{
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		RetryBase:    cfg.Dispatch.RetryBase(),
		RetryMax:     cfg.Dispatch.RetryMax(),
		DigestWindow: cfg.Digest.Window(),
		RatePerSec:   cfg.Dispatch.RatePerSec,
	}, logger)

	eng := engine.New(engine.Deps{
		Rules:      ruleEngine,
		Guard:      dedup.NewGuard(kvs, tracker, hasher, t.Dedup, logger),
		Enricher:   enrich.New(tracker, st, tracker, t.Caps, t.EnrichTimeout, logger),
		Scorer:     scorer.New(model, breaker, t.Scorer, logger),
		Arbiter:    arbiter.New(t.Scorer.Thresholds),
		Dispatcher: disp,
	}, engine.Conf{BatchWorkers: cfg.Engine.BatchWorkers, QueueDepth: cfg.Engine.QueueDepth}, logger)

	// ── Digest scheduler ─────────────────────────────────────────────────────
	sched := digest.New(st, disp, digest.Config{
		Tick:        cfg.Digest.Tick(),
		RedriveTick: cfg.Digest.RedriveTick(),
		BatchLimit:  cfg.Digest.BatchLimit,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start digest scheduler", "err", err)
		os.Exit(1)
	}

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		eng.ApplyConfig(tunables(newCfg))
		slog.Info("pipeline tunables hot-reloaded",
			"threshold_now", newCfg.Scorer.ThresholdNow,
			"threshold_later", newCfg.Scorer.ThresholdLater,
			"hourly_cap", newCfg.Caps.Hourly,
			"daily_cap", newCfg.Caps.Daily,
		)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Engine:   eng,
		Store:    st,
		Counters: tracker,
		Rules:    ruleEngine,
		KV:       kvs,
		Caps: func() enrich.Caps {
			c := loader.Config().Caps
			return enrich.Caps{Hourly: c.Hourly, Daily: c.Daily}
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "kv", cfg.KV.Driver, "queue", cfg.Queue.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown()
	sched.Stop()
	cancel() // stop rule refresher
	slog.Info("goodbye")
}

func newLogger(c config.LogConf) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// tunables maps the reloadable part of cfg onto the pipeline stages.
func tunables(cfg *config.Config) engine.Tunables {
	cooldown := cfg.Dedup.Cooldown()
	return engine.Tunables{
		Dedup: dedup.Config{
			ExactTTL:       time.Duration(cfg.Dedup.ExactTTLSec) * time.Second,
			NearTTL:        time.Duration(cfg.Dedup.NearTTLSec) * time.Second,
			Threshold:      cfg.Dedup.Threshold,
			MinNearLength:  cfg.Dedup.MinNearLength,
			MaxSketches:    cfg.Dedup.MaxSketches,
			Cooldown:       cooldown,
			CooldownAction: cfg.Dedup.CooldownAction,
		},
		Caps:          enrich.Caps{Hourly: cfg.Caps.Hourly, Daily: cfg.Caps.Daily},
		EnrichTimeout: cfg.Enrich.Timeout(),
		Scorer: scorer.Config{
			Thresholds: scorer.Thresholds{Now: cfg.Scorer.ThresholdNow, Later: cfg.Scorer.ThresholdLater},
			Cooldown:   cooldown,
			Timeout:    cfg.Scorer.Timeout(),
		},
	}
}
