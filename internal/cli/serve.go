package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"competition-engine/internal/config"
	"competition-engine/internal/domain"
	"competition-engine/internal/gateway"
	"competition-engine/internal/infra/memory"
	"competition-engine/internal/infra/postgres"
	redisinfra "competition-engine/internal/infra/redis"
	"competition-engine/internal/session"
	transport "competition-engine/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the competition server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := log.Logger

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var notifier gateway.Notifier = pollOnlyNotifier{}
	var publisher postgres.Publisher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rn := redisinfra.NewNotifier(client, logger)
		notifier = rn
		publisher = rn
	}

	var store gateway.Store
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = postgres.NewStore(pool, publisher)
	} else {
		mem := memory.NewStore()
		seedSampleCompetition(mem)
		store = mem
		if cfg.Redis.Addr == "" {
			notifier = mem
		}
		logger.Warn().Msg("no postgres configured, serving the in-memory sample competition")
	}

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}

	wsHandler := transport.NewWSHandler(transport.Deps{
		Store:    store,
		Notifier: notifier,
		CacheDir: cacheDir,
		Session: session.Config{
			Tick:            config.Duration(cfg.Session.Tick, 0),
			SettleDelay:     config.Duration(cfg.Session.SettleDelay, 0),
			BarrierWait:     config.Duration(cfg.Session.BarrierWait, 0),
			RefreshInterval: config.Duration(cfg.Session.RefreshInterval, 0),
		},
		Log: logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().Str("port", finalPort).Msg("starting competition engine")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info().Msg("shutting down server")
	case <-ctx.Done():
		logger.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// pollOnlyNotifier is the stand-in when no Redis broker is configured:
// sessions fall back to their periodic row-set refresh.
type pollOnlyNotifier struct{}

func (pollOnlyNotifier) Subscribe(context.Context, string) (<-chan domain.ChangeEvent, func(), error) {
	return nil, nil, domain.ErrRemoteUnavailable
}

// seedSampleCompetition provides minimal demo content; pair with
// postgres for real data.
func seedSampleCompetition(store *memory.Store) {
	store.SeedCompetition(domain.Competition{
		ID:              "comp-1",
		Title:           "Quick arithmetic",
		Subject:         "math",
		Status:          domain.StatusActive,
		QuestionCount:   2,
		TimePerQuestion: 30,
		IsPrivate:       true,
		AllowMidJoin:    true,
	}, []domain.Question{
		{ID: "q1", CompetitionID: "comp-1", Text: "What is 2 + 2?", Position: 0},
		{ID: "q2", CompetitionID: "comp-1", Text: "What is 7 * 8?", Position: 1},
	}, map[string][]domain.AnswerOption{
		"q1": {
			{ID: "q1-a", QuestionID: "q1", Text: "3", IsCorrect: false},
			{ID: "q1-b", QuestionID: "q1", Text: "4", IsCorrect: true},
		},
		"q2": {
			{ID: "q2-a", QuestionID: "q2", Text: "56", IsCorrect: true},
			{ID: "q2-b", QuestionID: "q2", Text: "54", IsCorrect: false},
		},
	})
}
