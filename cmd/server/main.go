package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
	"github.com/jpranav0802/Neurolearn-22/internal/config"
	"github.com/jpranav0802/Neurolearn-22/internal/crypto"
	internalhttp "github.com/jpranav0802/Neurolearn-22/internal/http"
	"github.com/jpranav0802/Neurolearn-22/internal/jobs"
	"github.com/jpranav0802/Neurolearn-22/internal/mail"
	"github.com/jpranav0802/Neurolearn-22/internal/repository"
	"github.com/jpranav0802/Neurolearn-22/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	var logger *zap.Logger
	if cfg.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !config.KeyComplexityOK(cfg.EncryptionKey) {
		logger.Warn("ENCRYPTION_KEY fails the complexity check: use mixed case, digits and symbols")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	cancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	codec, err := crypto.NewCodec(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("codec init failed", zap.Error(err))
	}

	recorder := audit.NewRecorder(redisClient, store, logger)
	recorder.Start()
	defer recorder.Close()

	reporter := audit.NewReporter(store)
	sessions := session.NewStore(redisClient, cfg.SessionTTL)

	var mailer mail.Sender
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.FromEmail, cfg.FrontendURL, logger)
	} else {
		mailer = mail.NewNoOpSender(logger)
	}

	jobs.StartRetentionJob(ctx, cfg, store, logger)

	server := internalhttp.NewServer(cfg, store, codec, sessions, recorder, reporter, mailer, redisClient, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("auth-service listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
