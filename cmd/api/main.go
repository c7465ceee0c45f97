// Package main (in api-subfolder) provides launch of the HTTP API and the orphan recovery loop
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/budget"
	appcfg "github.com/UnendingLoop/ImageEditor/internal/config"
	"github.com/UnendingLoop/ImageEditor/internal/metrics"
	"github.com/UnendingLoop/ImageEditor/internal/mwlogger"
	"github.com/UnendingLoop/ImageEditor/internal/pricing"
	"github.com/UnendingLoop/ImageEditor/internal/queue"
	"github.com/UnendingLoop/ImageEditor/internal/repository"
	"github.com/UnendingLoop/ImageEditor/internal/service"
	"github.com/UnendingLoop/ImageEditor/internal/storage"
	"github.com/UnendingLoop/ImageEditor/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/ginext"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/zlog"
)

const (
	orphanAge   = 10 * time.Minute
	orphanBatch = 20
)

func main() {
	// инициализировать конфиг/ считать энвы
	appConfig := config.New()
	appConfig.EnableEnv("")
	if err := appConfig.LoadEnvFiles("./.env"); err != nil {
		log.Printf("No .env file loaded (%s), relying on process environment", err)
	}

	// стартуем логгер
	zlog.InitConsole()
	if err := zlog.SetLevel("info"); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	cfg, err := appcfg.Load(appConfig)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.DevAuthToken == "" {
		zlog.Logger.Warn().Msg("DEV_AUTH_TOKEN is empty, every API request will be rejected")
	}

	// готовим заранее слушатель прерываний - контекст для всего приложения
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// подключитсья к базе
	dbConn, err := repository.ConnectWithRetries(cfg.PostgresDSN, 5, 10*time.Second)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to connect to PGDB")
	}
	// накатываем миграцию
	if err := repository.MigrateWithRetries(dbConn.Master, "./migrations", 10, 15*time.Second); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	// создаем экземпляр репо
	repo := repository.NewPostgresJobStore(dbConn)

	// подключиться к хранилищу
	strg, err := storage.NewImgStorage(cfg.Storage, 5, 5*time.Second)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to init IMG-storage")
	}

	// бюджет и квоты живут в редисе
	redisClient, err := budget.Connect(ctx, cfg.RedisURL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	guard := budget.NewGuard(redisClient, cfg.DailyGlobalCap, cfg.UserDailyQuota)

	// ждем пока кафка раздуплится
	if err := queue.WaitReady(ctx, cfg.KafkaBroker, 5*time.Second); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Kafka is not reachable")
	}
	if err := queue.InitTopics(ctx, cfg.KafkaBroker, 10*time.Second, cfg.KafkaTopic, cfg.KafkaDLQTopic); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to init Kafka topics")
	}
	// подключиться к кафке как продюсер
	producer := wbfkafka.NewProducer([]string{cfg.KafkaBroker}, cfg.KafkaTopic)
	pub := queue.NewPublisher(producer, queue.SendStrategy)

	// создаем экземпляр сервиса
	var svc EditAPIService = service.NewEditService(repo, pub, strg, guard, service.Options{
		ProviderName: cfg.Provider.Name,
		Rates: pricing.Rates{
			InputPerMBCents:  cfg.CostInputPerMBCents,
			OutputPerMBCents: cfg.CostOutputPerMBCents,
		},
	})
	// cоздаем экземпляр хендлера HTTP
	handlers := transport.NewEditHandler(svc, cfg.DevAuthToken)
	// сетапим сервер
	engine := ginext.New(cfg.GinMode)

	engine.GET("/health", handlers.Health)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := engine.Group("/api/v1", handlers.RequireAuth)
	api.POST("/edit", handlers.Submit)           // постановка задачи
	api.GET("/edit/:id", handlers.Status)        // статус задачи
	api.GET("/edit/:id/result", handlers.Result) // выдача результата

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mwlogger.NewMWLogger(engine),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Server launch
	go func() {
		zlog.Logger.Info().Str("addr", srv.Addr).Str("provider", cfg.Provider.Name).Msg("Server running")
		err := srv.ListenAndServe()
		if err != nil {
			switch {
			case errors.Is(err, http.ErrServerClosed):
				zlog.Logger.Info().Msg("Server gracefully stopping...")
			default:
				zlog.Logger.Error().Err(err).Msg("Server stopped")
				stop()
			}
		}
	}()

	// запускаем фонового воркера для отслеживания подвисших задач
	go recoveryLoop(ctx, svc)

	// ждем отмены контекста для запуска грейсфул закрытия соединений бд и кафки
	<-ctx.Done()

	shutdown(srv, producer, redisClient, dbConn)
	zlog.Logger.Info().Msg("Exiting API...")
}

func recoveryLoop(ctx context.Context, svc EditAPIService) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().Interface("panic", r).Msg("Recovery loop crashed")
		}
	}()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.ReviveOrphans(ctx, orphanAge, orphanBatch)
		}
	}
}

func shutdown(srv *http.Server, prod *wbfkafka.Producer, rdb *redis.Client, dbConn *dbpg.DB) {
	zlog.Logger.Info().Msg("Interrupt received!!! Starting shutdown sequence...")

	// даем обработчикам дописать ответы
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// Closing Kafka connection:
	if err := prod.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to close Kafka-writer")
	}
	zlog.Logger.Info().Msg("Kafka-producer connection closed.")

	if err := rdb.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to close Redis client")
	}

	// Closing DB connection
	if err := dbConn.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to close DB-conn correctly")
		return
	}
	zlog.Logger.Info().Msg("DBconn closed")
}
