package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/znz-systems/mailpipe/internal/actions"
	"github.com/znz-systems/mailpipe/internal/auth"
	"github.com/znz-systems/mailpipe/internal/blob"
	"github.com/znz-systems/mailpipe/internal/config"
	"github.com/znz-systems/mailpipe/internal/database"
	"github.com/znz-systems/mailpipe/internal/imapsync"
	"github.com/znz-systems/mailpipe/internal/jobqueue"
	"github.com/znz-systems/mailpipe/internal/mail"
	"github.com/znz-systems/mailpipe/internal/notify"
	"github.com/znz-systems/mailpipe/internal/outbox"
	"github.com/znz-systems/mailpipe/internal/priority"
	"github.com/znz-systems/mailpipe/internal/ratelimit"
	"github.com/znz-systems/mailpipe/internal/snooze"
	"github.com/znz-systems/mailpipe/internal/store/postgres"
	"github.com/znz-systems/mailpipe/internal/ticker"
	"github.com/znz-systems/mailpipe/internal/vault"
	"github.com/znz-systems/mailpipe/internal/web"
	"github.com/znz-systems/mailpipe/internal/web/handlers"
	"github.com/znz-systems/mailpipe/migrations"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := postgres.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Stores
	actionStore := postgres.NewActionStore(db)
	messageStore := postgres.NewMessageStore(db)
	credentialStore := postgres.NewCredentialStore(db)
	cursorStore := postgres.NewCursorStore(db)
	outboxStore := postgres.NewOutboxStore(db)
	deviceStore := postgres.NewDeviceTokenStore(db)

	credentialVault, err := vault.New(cfg.VaultSecret)
	if err != nil {
		slog.Error("failed to init credential vault", "error", err)
		os.Exit(1)
	}

	// Notifications
	var sinks []notify.Sink
	var natsSink *notify.NATSSink
	if cfg.NATSURL != "" {
		natsSink, err = notify.NewNATSSink(cfg.NATSURL)
		if err != nil {
			slog.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, natsSink)
	}
	if cfg.FCMCredentialsFile != "" {
		fcmSink, err := notify.NewFCMSink(ctx, cfg.FCMCredentialsFile, deviceStore)
		if err != nil {
			slog.Error("failed to init fcm", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, fcmSink)
	}
	notifier := notify.NewFanout(sinks...)

	archive, err := blob.NewFromConfig(ctx, blob.Config{
		Backend:           cfg.ArchiveBackend,
		FSRoot:            cfg.ArchivePath,
		S3Bucket:          cfg.S3Bucket,
		S3Region:          cfg.S3Region,
		S3Endpoint:        cfg.S3Endpoint,
		S3AccessKeyID:     cfg.S3AccessKey,
		S3SecretAccessKey: cfg.S3SecretKey,
		S3ForcePathStyle:  cfg.S3Endpoint != "",
	})
	if err != nil {
		slog.Error("failed to init message archive", "error", err)
		os.Exit(1)
	}
	if c, ok := archive.(io.Closer); ok {
		defer c.Close()
	}

	// Engines
	imapThrottle := ratelimit.NewLimiter(cfg.IMAPConnectRate, cfg.IMAPConnectBurst)
	engine := imapsync.NewEngine(
		imapsync.NewIMAPDialer(imapsync.DialerConfig{
			Host:    cfg.IMAPHost,
			Port:    cfg.IMAPPort,
			TLS:     cfg.IMAPTLS,
			Timeout: cfg.IMAPTimeout,
		}),
		messageStore, cursorStore, notifier,
		imapsync.Options{Limit: cfg.SyncLimit},
	)
	engine.SetThrottle(imapThrottle)
	if archive != nil {
		engine.SetArchive(archive)
	}

	var transport outbox.Transport = outbox.DisabledTransport{}
	if cfg.SMTPEnabled {
		transport = mail.NewSMTPTransport(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			User:        cfg.SMTPUser,
			Password:    cfg.SMTPPass,
			ImplicitTLS: cfg.SMTPTLS,
			Timeout:     cfg.SMTPTimeout,
		})
	} else {
		slog.Warn("SMTP_HOST not set; outbox entries will fail to send")
	}

	snoozeService := snooze.NewService(messageStore, nil, notifier, snooze.Options{
		SweepInterval: cfg.SnoozeSweepInterval,
		BatchSize:     cfg.SnoozeBatchSize,
	})
	outboxService := outbox.NewService(outboxStore, messageStore, transport, notifier, outbox.Options{
		UndoDelay:     cfg.OutboxUndoDelay,
		SweepInterval: cfg.OutboxSweepInterval,
		RetryDelay:    cfg.OutboxRetryDelay,
	})
	ranker := priority.NewRanker(messageStore, credentialStore)

	// Job queue
	queue := jobqueue.New(actionStore, jobqueue.Options{
		Concurrency:    cfg.JobConcurrency,
		PollInterval:   cfg.JobPollInterval,
		RetryBaseDelay: cfg.JobRetryBase,
		MaxRetryDelay:  cfg.JobMaxRetryDelay,
		Retention:      cfg.JobRetention,
		Lease:          cfg.JobLease,
	})
	jobHandlers := actions.NewHandlers(queue, credentialStore, credentialVault, engine, outboxService, snoozeService, ranker)
	jobHandlers.Register(queue)
	snoozeService.SetWakeScheduler(jobHandlers)
	outboxService.SetSendScheduler(jobHandlers)

	// Rate limiters
	apiLimiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	pruneLoop := ticker.New("ratelimit-prune", 10*time.Minute, func(context.Context) error {
		n := apiLimiter.Prune(time.Hour) + imapThrottle.Prune(time.Hour)
		if n > 0 {
			slog.Debug("pruned idle rate limit buckets", "count", n)
		}
		return nil
	})

	// Handlers
	apiHandler := handlers.NewAPIHandler(handlers.APIDeps{
		Vault:               credentialVault,
		Credentials:         credentialStore,
		Devices:             deviceStore,
		Sync:                jobHandlers,
		Actions:             queue,
		Outbox:              outboxService,
		Snooze:              snoozeService,
		Ranker:              ranker,
		DB:                  db,
		DefaultSyncInterval: cfg.SyncInterval,
	})

	// Router
	router := web.NewRouter(web.RouterDeps{
		APIHandler: apiHandler,
		TokenHash:  []byte(cfg.TriggerTokenHash),
		Limiter:    apiLimiter,
	})
	if cfg.TriggerTokenHash == "" {
		slog.Warn("TRIGGER_TOKEN_HASH not set; every /api/v1 request will be rejected")
	}

	// Background work
	queue.Start(ctx)
	outboxService.Start(ctx)
	snoozeService.Start(ctx)
	pruneLoop.Start(ctx)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("mailpipe starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("server error", "error", err)
	}
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	pruneLoop.Stop()
	snoozeService.Stop()
	outboxService.Stop()
	queue.Stop()
	notifier.Wait()
	if natsSink != nil {
		natsSink.Close()
	}
	slog.Info("shutdown complete")
}

// printToken generates a trigger token and the hash to put in TRIGGER_TOKEN_HASH.
func printToken() error {
	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	// Single quotes keep .env loaders from expanding the $ segments of the hash.
	fmt.Printf("token: %s\nTRIGGER_TOKEN_HASH='%s'\n", token, hash)
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
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
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
