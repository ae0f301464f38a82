package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/config"
	"github.com/Martian-dev/mail-sync-engine/internal/dedup"
	"github.com/Martian-dev/mail-sync-engine/internal/httpapi"
	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	natsjs "github.com/Martian-dev/mail-sync-engine/internal/nats"
	"github.com/Martian-dev/mail-sync-engine/internal/providers"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
	"github.com/Martian-dev/mail-sync-engine/internal/subscription"
	"github.com/Martian-dev/mail-sync-engine/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	secrets, err := auth.OpenKeyring(cfg.KeyringDir, cfg.KeyringPassword)
	if err != nil {
		return err
	}

	creds := auth.NewManager(st, secrets, cfg.TokenRefreshBuffer, logger)
	redirectBase := cfg.OAuthRedirectBase
	if redirectBase == "" {
		redirectBase = cfg.PublicBaseURL
	}
	redirectBase = strings.TrimRight(redirectBase, "/")
	if cfg.GoogleEnabled() {
		creds.RegisterClient(model.ProviderPollREST,
			auth.NewGoogleClient(cfg.GoogleClientID, cfg.GoogleClientSecret, redirectBase+"/oauth/gmail/callback"))
	}
	if cfg.MicrosoftEnabled() {
		creds.RegisterClient(model.ProviderPushREST,
			auth.NewMicrosoftClient(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant, redirectBase+"/oauth/outlook/callback"))
	}

	var locker dedup.Locker = dedup.NewMemoryLocker()
	if cfg.RedisURL != "" {
		rl, err := dedup.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rl.Close()
		if err := rl.Ping(ctx); err != nil {
			return err
		}
		locker = rl
		logger.Info("dedup locks on redis")
	}
	guard := dedup.NewGuard(locker, st, dedup.Options{LockTTL: cfg.DedupLockTTL}, logger)
	progress := tracker.New(st, logger)

	poison := extract.NewPoisonList(st, logger)
	if err := poison.Load(ctx); err != nil {
		logger.Warn("failed to load poisoned message ids", "error", err)
	}
	factory := providers.NewFactory(creds, poison, providers.Options{
		MaxPartDepth: cfg.MIMEMaxDepth,
		SMTPPort:     cfg.SMTPPort,
		DialTimeout:  cfg.IMAPDialTimeout,
	}, logger)

	// Queue and transport: JetStream behind the outbox, or in-process
	var (
		queue    jobs.Queue
		source   jobs.Source
		bg       sync.WaitGroup
		natsPing func() error
	)
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		consumer, err := pub.Consumer("mailsync-workers", cfg.Jobs.InitialTimeout+time.Minute, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()

		queue = jobs.NewOutboxQueue(st)
		source = jobs.TransportSource{Consumer: consumer}
		natsPing = pub.Ping

		dispatcher := jobs.NewDispatcher(st, pub, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			dispatcher.Run(ctx)
		}()
		logger.Info("job transport on nats", "stream", natsjs.JobStream)
	} else {
		mq := jobs.NewMemoryQueue(1024)
		defer mq.Close()
		queue, source = mq, mq
		logger.Info("job transport in process")
	}

	orch := mailsync.NewOrchestrator(mailsync.Deps{
		Store:       st,
		Credentials: creds,
		Factory:     factory.New,
		Guard:       guard,
		Tracker:     progress,
		Queue:       queue,
	}, mailsync.Options{
		BatchSize:         cfg.Sync.BatchSize,
		InitialLimit:      cfg.Sync.InitialLimit,
		QuickLimit:        cfg.Sync.QuickLimit,
		Cooldown:          cfg.Sync.Cooldown,
		ContinuationDelay: cfg.Sync.ContinuationDelay,
		MaxBatchesPerUnit: cfg.Sync.MaxBatchesPerUnit,
		IncludeRead:       cfg.Sync.IncludeRead,
	}, logger)

	subs := subscription.New(st, factory.New, orch, subscription.Options{
		CallbackURL:  subscription.CallbackURL(cfg.PublicBaseURL, "/webhooks/outlook"),
		Lifetime:     cfg.Subscription.Lifetime,
		RenewWindow:  cfg.Subscription.RenewWindow,
		ServerSecret: cfg.WebhookSecret,
	}, logger)
	orch.SetSubscriptions(subs)

	scheduler := mailsync.NewManager(orch, queue, mailsync.SchedulerConfig{
		PollInterval:  cfg.Sync.PollInterval,
		RenewInterval: cfg.Subscription.RenewInterval,
		RetryDelay:    cfg.Sync.ContinuationDelay,
		PollPush:      cfg.PublicBaseURL == "",
	}, logger)
	scheduler.SetRenewer(func(ctx context.Context) error {
		_, err := subs.RenewDue(ctx, false)
		return err
	})

	pool := jobs.NewPool(queue, jobs.PoolConfig{
		Workers:     cfg.Jobs.Workers,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Backoff:     cfg.Jobs.Backoff,
		Timeouts: jobs.Timeouts{
			Initial: cfg.Jobs.InitialTimeout,
			Quick:   cfg.Jobs.QuickTimeout,
			Message: cfg.Jobs.MessageTimeout,
		},
	}, logger)
	orch.Register(pool, scheduler.Exclusive)

	bg.Add(2)
	go func() {
		defer bg.Done()
		if err := pool.Run(ctx, source); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool stopped", "error", err)
		}
	}()
	go func() {
		defer bg.Done()
		scheduler.Run(ctx)
	}()

	var admin httpapi.Authenticator
	if cfg.AdminJWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.AdminJWKSURL, "")
		if err != nil {
			return err
		}
		admin = verifier
	}

	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.New(ctx, httpapi.Deps{
		Syncer:        orch,
		Subscriptions: subs,
		Accounts:      st,
		Credentials:   creds,
		Progress:      progress,
		Profile:       providers.ProfileEmail,
		Admin:         admin,
		Health: func(ctx context.Context) error {
			if err := st.Ping(ctx); err != nil {
				return err
			}
			if natsPing != nil {
				return natsPing()
			}
			return nil
		},
	}, cfg.WebhookSecret, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "public_base_url", cfg.PublicBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	api.Wait()
	bg.Wait()
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}
