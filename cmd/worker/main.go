package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/ai"
	"github.com/suPer8Hu/supportbot/internal/chat"
	"github.com/suPer8Hu/supportbot/internal/config"
	"github.com/suPer8Hu/supportbot/internal/db"
	"github.com/suPer8Hu/supportbot/internal/logging"
	"github.com/suPer8Hu/supportbot/internal/observability"
	"github.com/suPer8Hu/supportbot/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the memory worker")
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	repo := chat.NewRepo(gdb)

	// Provider registry (route by AI_PROVIDER + model)
	reg := ai.DefaultRegistry(ai.Settings{
		OllamaBaseURL: cfg.OllamaBaseURL,
		OllamaModel:   cfg.OllamaModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
	})
	model := cfg.OllamaModel
	if cfg.AIProvider == "openai" {
		model = cfg.OpenAIModel
	}
	provider, err := reg.Get(context.Background(), cfg.AIProvider, model)
	if err != nil {
		log.Fatal("ai provider", zap.Error(err))
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	worker := chat.NewMemoryWorker(repo, chat.NewExtractor(provider), cfg.ChatContextWindowSize*2, metrics, log)

	cons, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, log)
	if err != nil {
		log.Fatal("rabbit consumer", zap.Error(err))
	}
	defer cons.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cons.Run(ctx, func(ctx context.Context, jobID string) error {
		return handleJob(ctx, repo, worker, jobID)
	}); err != nil {
		log.Error("worker stopped", zap.Error(err))
	}
}

// handleJob runs one memory job. A job that was claimed and then failed is
// already marked failed in the table, so redelivering it would do nothing.
func handleJob(ctx context.Context, repo *chat.Repo, worker *chat.MemoryWorker, jobID string) error {
	err := worker.Run(ctx, jobID)
	if err == nil || errors.Is(err, chat.ErrJobNotQueued) {
		return nil
	}
	if j, gerr := repo.GetJobByID(context.WithoutCancel(ctx), jobID); gerr == nil && j.Status == chat.JobFailed {
		return rabbitmq.Permanent(err)
	}
	return err
}
