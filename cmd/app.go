package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"payflow/internal/config"
	cronpkg "payflow/internal/cron"
	"payflow/internal/events"
	"payflow/internal/gateway"
	"payflow/internal/handler"
	"payflow/internal/handler/api"
	"payflow/internal/middleware"
	"payflow/internal/payment"
	"payflow/internal/pkg/telegram"
	"payflow/internal/rail"
	"payflow/internal/repository"
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
	redis  *redis.Client

	attempts    *repository.AttemptRepository
	wallets     *repository.WalletRepository
	settlements *repository.SettlementRepository
	runs        *repository.ReconcileRunRepository

	events   payment.EventSink
	history  api.EventHistory
	stream   *events.RedisStream
	reporter *events.TelegramReporter

	checkout     *gateway.HostedCheckout
	verifier     *payment.Verifier
	fallback     *payment.FallbackEngine
	orchestrator *payment.Orchestrator
	scheduler    *cronpkg.Scheduler
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database, cfg.Server.IsDevelopment(), logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.attempts = repository.NewAttemptRepository(db)
	a.wallets = repository.NewWalletRepository(db)
	a.settlements = repository.NewSettlementRepository(db)
	a.runs = repository.NewReconcileRunRepository(db)

	// --- Redis (optional, in-memory fallbacks) ---
	rdb, err := config.NewRedis(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory event stream and webhook dedup", zap.Error(err))
	}
	a.redis = rdb

	// --- Event stream ---
	memory := events.NewMemory(0)
	sinks := events.Fanout{memory}
	a.history = memory
	if rdb != nil {
		a.stream = events.NewRedisStream(rdb, "", logger)
		sinks = append(sinks, a.stream)
		a.history = a.stream
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ReportChat != "" {
		a.reporter = events.NewTelegramReporter(telegram.NewBotAPI(cfg.Telegram.BotToken, ""), cfg.Telegram.ReportChat, logger)
		sinks = append(sinks, a.reporter)
	}
	a.events = sinks

	// --- Gateway and rails ---
	gw := gateway.NewCashfree(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		APIVersion:   cfg.Gateway.APIVersion,
		ReturnURL:    cfg.Gateway.ReturnURL,
		NotifyURL:    cfg.Gateway.NotifyURL,
		Timeout:      cfg.Gateway.Timeout,
	}, logger)
	a.checkout = gateway.NewHostedCheckout(logger)
	intent := rail.NewUPIIntent(rail.IntentConfig{
		VPA:        cfg.Intent.VPA,
		PayeeName:  cfg.Intent.PayeeName,
		RelayURL:   cfg.Intent.RelayURL,
		RelayToken: cfg.Intent.RelayToken,
	}, logger)

	// --- Engine ---
	classifier := payment.NewClassifier()
	executor := payment.NewRetryExecutor(classifier, nil, logger)

	verifierCfg := payment.DefaultVerifierConfig()
	if cfg.Verification.MaxRetries > 0 {
		verifierCfg.AutoMaxRetries = cfg.Verification.MaxRetries
	}
	verifierCfg.BatchPause = cfg.Verification.BatchPause
	a.verifier = payment.NewVerifier(gw, executor, nil, verifierCfg, logger)

	a.fallback = payment.NewFallbackEngine(executor, payment.Rails{
		Wallet: a.wallets,
		Intent: intent,
		Manual: a.settlements,
	}, nil, logger)

	a.orchestrator, err = payment.NewOrchestrator(payment.Dependencies{
		Sessions:   gw,
		Checkout:   a.checkout,
		Classifier: classifier,
		Executor:   executor,
		Verifier:   a.verifier,
		Fallback:   a.fallback,
		Store:      a.attempts,
		Events:     a.events,
		Logger:     logger,
	}, payment.OrchestratorConfig{
		CheckoutTimeout: cfg.Checkout.Timeout,
		SessionPolicy: payment.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialDelay:      cfg.Retry.InitialDelay,
			BackoffMultiplier: cfg.Retry.Multiplier,
			MaxDelay:          cfg.Retry.MaxDelay,
		},
		VerifyAfterSuccess: cfg.Verification.Enabled,
		VerifyInitialDelay: cfg.Verification.InitialDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	// --- Scheduler ---
	a.scheduler = cronpkg.New(cronpkg.Config{
		Spec:          cfg.Reconcile.Cron,
		BatchLimit:    cfg.Reconcile.BatchLimit,
		Concurrency:   cfg.Verification.BatchConcurrency,
		Grace:         cfg.Reconcile.Grace,
		SettlementTTL: cfg.Reconcile.SettlementTTL,
	}, cronpkg.Deps{
		Attempts:    a.attempts,
		Verifier:    a.verifier,
		Reconciler:  a.orchestrator,
		Runs:        a.runs,
		Settlements: a.settlements,
	}, logger)

	return a, nil
}

func (a *app) paymentHandler() *api.PaymentHandler {
	return api.NewPaymentHandler(api.PaymentDeps{
		Service:           a.orchestrator,
		Launcher:          a.checkout,
		Verifier:          a.verifier,
		Fallback:          a.fallback,
		History:           a.history,
		VerifyConcurrency: a.cfg.Verification.BatchConcurrency,
	}, a.logger)
}

func (a *app) webhookHandler() *handler.WebhookHandler {
	verifier := payment.NewWebhookVerifier(a.cfg.Webhook.Secret, a.cfg.Webhook.Tolerance)
	deduper := middleware.NewDeduper(a.redis, "payflow:webhook", a.cfg.Webhook.Tolerance*2)
	return handler.NewWebhookHandler(verifier, a.orchestrator, deduper, a.logger)
}

// Close flushes queued events, waits for pending admin reports and
// releases connections.
func (a *app) Close() {
	if a.stream != nil {
		a.stream.Close()
	}
	if a.reporter != nil {
		a.reporter.Wait()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
