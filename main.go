package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/actor"
	"github.com/Chandorkar-Technologies/Zero-sub000/config"
	controller "github.com/Chandorkar-Technologies/Zero-sub000/controllers"
	"github.com/Chandorkar-Technologies/Zero-sub000/driver"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/routes"
	"github.com/Chandorkar-Technologies/Zero-sub000/store"
	"github.com/Chandorkar-Technologies/Zero-sub000/subscription"
	"github.com/Chandorkar-Technologies/Zero-sub000/syncer"
	"github.com/Chandorkar-Technologies/Zero-sub000/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Environment == "development" {
		logger.SetLevel(logrus.DebugLevel)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Failed to initialize Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := config.ConnectDB(cfg, models.Migrate)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}

	repo := store.NewRepository(db)
	queue := store.NewRedisQueue(redisClient)
	blobs := store.NewRedisBlobStore(redisClient)
	mailbox := store.NewMailbox(repo, blobs)

	hub := controller.NewSyncHub(logger)

	dispatcher := actor.NewDispatcher(8, 128, logger)
	dispatcher.Start()
	actors := actor.New(dispatcher, repo, blobs, mailbox, hub, logger)

	registry := driver.NewRegistry()
	registry.Register(models.ProviderGoogle, driver.NewGmailFactory(cfg, logger))
	registry.Register(models.ProviderMicrosoft, driver.NewGraphFactory(cfg, logger))
	registry.Register(models.ProviderIMAP, driver.NewIMAPFactory(cfg, logger, mailbox))

	pipeline := syncer.NewPipeline(repo, registry, actors, logger)
	subs := subscription.NewManager(repo, registry, cfg.SubscriptionMaxAge, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncWorkers := worker.NewSyncWorker(queue, pipeline, cfg.SyncWorkers, logger)
	syncWorkers.Start(ctx)
	sweeper := worker.NewSubscriptionWorker(subs, cfg.SweepInterval, logger)
	sweeper.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:   "zeromail-sync",
		BodyLimit: 25 * 1024 * 1024,
	})
	routes.SetupRoutes(app, routes.Controllers{
		Connections: controller.NewConnectionController(cfg, repo, registry, subs, queue, logger),
		Mailbox:     controller.NewMailboxController(repo, registry, actors, logger),
		Notify:      controller.NewNotifyController(queue, cfg.WebhookSecret, logger),
		Inbound:     controller.NewInboundController(repo, actors, logger),
		SyncHub:     hub,
	})

	go func() {
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			logger.WithError(err).Fatal("Server failed")
		}
	}()
	logger.WithField("port", cfg.ServerPort).Info("Server started")

	<-ctx.Done()
	logger.Info("Shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	syncWorkers.Stop()
	sweeper.Stop()
	dispatcher.Stop()

	if err := redisClient.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close Redis client")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("Shutdown complete")
}
