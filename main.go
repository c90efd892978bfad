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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"botchat/internal/api"
	"botchat/internal/config"
	"botchat/internal/generation"
	"botchat/internal/logging"
	"botchat/internal/redis"
	"botchat/internal/retrieval"
	"botchat/internal/service/assembler"
	"botchat/internal/service/turn"
	"botchat/internal/storage"
	"botchat/internal/store"
	"botchat/internal/worker"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "botchat",
		Short:        "Streaming chat service for retrieval-augmented bots",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("BOTCHAT_CONFIG"), "config file (json, yaml or toml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cfgPath)
			if err != nil {
				return err
			}
			db, err := storage.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			results, err := storage.Migrate(cmd.Context(), db, cfg.Database.Driver)
			if err != nil {
				return err
			}
			for _, r := range results {
				logger.Info().Str("migration", r.Source.Path).Dur("took", r.Duration).Msg("applied")
			}
			logger.Info().Int("applied", len(results)).Msg("database up to date")
			return nil
		},
	})
	return root
}

func setup(cfgPath string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Log), nil
}

func serve(parent context.Context, cfgPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := storage.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		return err
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	baseHistory := store.NewHistory(db)
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}
	history := store.NewCachedHistory(baseHistory, rdb, cfg.Redis.HistoryTTL, logger)
	sessions := store.NewSessions(db)
	bots := store.NewBots(db)

	var docs, web retrieval.Retriever
	if len(cfg.Retrieval.Elasticsearch.Addresses) > 0 {
		es, err := retrieval.NewElasticRetriever(cfg.Retrieval.Elasticsearch, logger)
		if err != nil {
			return err
		}
		docs = es
	}
	if cfg.Retrieval.Web.Enabled {
		ws, err := retrieval.NewWebRetriever(ctx, cfg.Retrieval.Web, cfg.Retrieval.Timeout, logger)
		if err != nil {
			return err
		}
		web = ws
	}
	retriever := retrieval.NewRouter(docs, web, cfg.Retrieval.Timeout)

	provCfg, ok := cfg.Provider()
	if !ok {
		return fmt.Errorf("provider %s not configured", cfg.Generation.Provider)
	}
	chatModel, err := generation.NewChatModel(ctx, cfg.Generation, provCfg)
	if err != nil {
		return err
	}

	var counter assembler.TokenCounter
	if cfg.Turn.MaxPromptTokens > 0 {
		tc, err := assembler.NewTiktokenCounter("")
		if err != nil {
			return err
		}
		counter = tc
	}
	asm := assembler.New(history, retriever, assembler.Options{
		HistoryPairs:    cfg.Turn.HistoryPairs,
		Passages:        cfg.Turn.Passages,
		SystemPrompt:    cfg.Turn.SystemPrompt,
		MaxPromptTokens: cfg.Turn.MaxPromptTokens,
	}, counter, logger)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.Worker.MinWorkers,
		MaxWorkers:        cfg.Worker.MaxWorkers,
		QueueSize:         cfg.Worker.QueueSize,
		WorkerIdleTimeout: cfg.Worker.IdleTimeout,
	}, logger)
	defer dispatcher.Close()

	coordinator := turn.New(turn.Deps{
		Sessions:  sessions,
		History:   history,
		Bots:      bots,
		Assembler: asm,
		Generator: generation.NewEinoGenerator(chatModel),
		Executor:  dispatcher,
		Observer:  logging.NewZerologObserver(logger),
	}, turn.Options{
		TurnTimeout:         cfg.Turn.TurnTimeout,
		FragmentIdleTimeout: cfg.Turn.FragmentIdleTimeout,
	}, logger)

	handlers := api.NewHandler(coordinator, sessions, history, bots, retriever, db, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(logging.GinLogger(logger), gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", addr).Str("provider", cfg.Generation.Provider).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
