package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/supportbot/internal/ai"
	"github.com/suPer8Hu/supportbot/internal/chat"
	"github.com/suPer8Hu/supportbot/internal/config"
	"github.com/suPer8Hu/supportbot/internal/db"
	"github.com/suPer8Hu/supportbot/internal/httpapi"
	"github.com/suPer8Hu/supportbot/internal/httpapi/middleware"
	"github.com/suPer8Hu/supportbot/internal/identity"
	"github.com/suPer8Hu/supportbot/internal/logging"
	"github.com/suPer8Hu/supportbot/internal/observability"
	"github.com/suPer8Hu/supportbot/internal/security"
	"github.com/suPer8Hu/supportbot/internal/store/rabbitmq"
	"github.com/suPer8Hu/supportbot/internal/store/redisstore"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "supportbot",
		Short:        "Support chatbot turn pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			if err := chat.AutoMigrate(gdb); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migration done", zap.String("driver", cfg.DBDriver))
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the memory sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "run table migrations on start")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, migrate bool) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if migrate {
		if err := chat.AutoMigrate(gdb); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rules, err := loadRules(cfg.SecurityRulesFile)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	repo := chat.NewRepo(gdb)
	reg := ai.DefaultRegistry(ai.Settings{
		OllamaBaseURL: cfg.OllamaBaseURL,
		OllamaModel:   cfg.OllamaModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
	})

	var locker chat.ChatLocker
	if cfg.RedisAddr != "" {
		rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rds.Close()
		locker = rds
		log.Info("using redis chat lock", zap.String("addr", cfg.RedisAddr))
	}

	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg, repo, reg, metrics, log)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	svc := chat.NewService(chat.Deps{
		Repo:       repo,
		Registry:   reg,
		Screener:   security.NewScreener(rules...),
		Dispatcher: dispatcher,
		Locker:     locker,
		Metrics:    metrics,
		Log:        log,
		Provider:   cfg.AIProvider,
		Model:      defaultModel(cfg),
		Pace: chat.Pace{
			WordDelayMin:   cfg.WordDelayMin,
			WordDelayMax:   cfg.WordDelayMax,
			ParagraphPause: cfg.ParagraphPause,
			FollowUpDelay:  cfg.FollowUpDelay,
		},
		ContextWindow: cfg.ChatContextWindowSize,
		MemoryTopN:    cfg.MemoryTopN,
	})

	router := httpapi.NewRouter(httpapi.RouterDeps{
		ChatSvc:  svc,
		Resolver: identity.NewResolver(cfg.JWTSecret),
		Limiter:  middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Gatherer: prometheus.DefaultGatherer,
		Log:      log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := chat.NewSweeper(svc, cfg.MemorySweepSpec, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("memory sweep spec %q: %w", cfg.MemorySweepSpec, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("provider", cfg.AIProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sweeper.Stop(sctx)
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		log.Info("server stopped")
		return nil
	})
	return g.Wait()
}

// newDispatcher uses the broker when RABBIT_URL is set and runs extraction
// in-process otherwise.
func newDispatcher(ctx context.Context, cfg config.Config, repo *chat.Repo, reg *ai.Registry, m *observability.Metrics, log *zap.Logger) (chat.MemoryDispatcher, func(), error) {
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return nil, nil, err
		}
		log.Info("memory jobs go to rabbitmq", zap.String("queue", cfg.RabbitQueue))
		return chat.NewQueueDispatcher(repo, pub, m), func() { _ = pub.Close() }, nil
	}

	provider, err := reg.Get(ctx, cfg.AIProvider, defaultModel(cfg))
	if err != nil {
		return nil, nil, err
	}
	worker := chat.NewMemoryWorker(repo, chat.NewExtractor(provider), cfg.ChatContextWindowSize*2, m, log)
	d := chat.NewInlineDispatcher(repo, worker, log)
	log.Info("memory jobs run in-process")
	return d, d.Wait, nil
}

func defaultModel(cfg config.Config) string {
	if cfg.AIProvider == "openai" {
		return cfg.OpenAIModel
	}
	return cfg.OllamaModel
}

func loadRules(path string) ([]security.Rule, error) {
	if path == "" {
		return nil, nil
	}
	rules, err := security.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("security rules %s: %w", path, err)
	}
	return rules, nil
}
