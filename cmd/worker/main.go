// Package main (in worker-subfolder) provides launch of the edit worker consuming the job queue
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

	appcfg "github.com/UnendingLoop/ImageEditor/internal/config"
	"github.com/UnendingLoop/ImageEditor/internal/metrics"
	"github.com/UnendingLoop/ImageEditor/internal/pricing"
	"github.com/UnendingLoop/ImageEditor/internal/provider"
	"github.com/UnendingLoop/ImageEditor/internal/queue"
	"github.com/UnendingLoop/ImageEditor/internal/repository"
	"github.com/UnendingLoop/ImageEditor/internal/storage"
	"github.com/UnendingLoop/ImageEditor/internal/worker"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

const drainTimeout = 30 * time.Second

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

	// Listening to interruptions through context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// подключитсья к базе, миграции катит API
	dbConn, err := repository.ConnectWithRetries(cfg.PostgresDSN, 5, 10*time.Second)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to connect to PGDB")
	}
	// создаем экземпляр репо
	repo := repository.NewPostgresJobStore(dbConn)

	// подкллючиться к хранилищу
	strg, err := storage.NewImgStorage(cfg.Storage, 5, 5*time.Second)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to init IMG-storage")
	}

	// выбираем провайдера генерации
	editor, err := provider.New(cfg.Provider)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to init generation provider")
	}

	// ждем пока кафка раздуплится
	if err := queue.WaitReady(ctx, cfg.KafkaBroker, 5*time.Second); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Kafka is not reachable")
	}
	if err := queue.InitTopics(ctx, cfg.KafkaBroker, 10*time.Second, cfg.KafkaTopic, cfg.KafkaDLQTopic); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("Failed to init Kafka topics")
	}

	// подключиться к кафке как читатель
	msgs := make(chan kafkago.Message)
	consumeStrategy := retry.Strategy{
		Attempts: 5,
		Delay:    2 * time.Second,
		Backoff:  1.5,
	}
	cons := wbfkafka.NewConsumer([]string{cfg.KafkaBroker}, cfg.KafkaTopic, cfg.KafkaGroupID)
	cons.StartConsuming(ctx, msgs, consumeStrategy)

	// неудачные задачи уходят в DLQ
	dlqProducer := wbfkafka.NewProducer([]string{cfg.KafkaBroker}, cfg.KafkaDLQTopic)
	dlq := queue.NewPublisher(dlqProducer, queue.SendStrategy)

	metricsSrv := serveMetrics(cfg.WorkerMetricsPort)

	// Собираем воедино все что нужно воркеру и запускаем его
	w := worker.New(repo, strg, editor, cons, dlq, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		Retry: retry.Strategy{
			Attempts: cfg.QueueAttempts,
			Delay:    cfg.QueueBackoff,
			Backoff:  2,
		},
		AttemptTimeout: cfg.Provider.Timeout + time.Minute,
		MaxBytes:       cfg.PrepMaxBytes,
		MaxDim:         cfg.PrepMaxDim,
		Rates: pricing.Rates{
			InputPerMBCents:  cfg.CostInputPerMBCents,
			OutputPerMBCents: cfg.CostOutputPerMBCents,
		},
	})
	zlog.Logger.Info().
		Str("provider", editor.Name()).
		Int("concurrency", cfg.WorkerConcurrency).
		Str("topic", cfg.KafkaTopic).
		Msg("Worker started")

	done := make(chan struct{})
	go func() {
		w.Run(ctx, msgs)
		close(done)
	}()

	// Waiting for interruption to stop context to start Graceful shutdown
	<-ctx.Done()

	// ждем пока слоты отпустят текущие сообщения
	select {
	case <-done:
	case <-time.After(drainTimeout):
		zlog.Logger.Warn().Dur("timeout", drainTimeout).Msg("Worker slots did not drain in time")
	}

	shutdown(metricsSrv, cons, dlqProducer, dbConn)
	zlog.Logger.Info().Msg("Exiting worker...")
}

func serveMetrics(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return srv
}

func shutdown(metricsSrv *http.Server, cons *wbfkafka.Consumer, dlq *wbfkafka.Producer, dbConn *dbpg.DB) {
	zlog.Logger.Info().Msg("Interrupt received!!! Starting shutdown sequence...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(ctx); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to shutdown metrics server")
	}

	// Closing Kafka connection:
	if err := cons.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to close Kafka-reader")
	}
	if err := dlq.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to close Kafka DLQ-writer")
	}
	zlog.Logger.Info().Msg("Kafka connections closed.")

	// Closing DB connection
	if err := dbConn.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("Failed to close DB-conn correctly")
		return
	}
	zlog.Logger.Info().Msg("DBconn closed")
}
