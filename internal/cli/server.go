package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/config"
	"quiz-battle-service/internal/domain"
	"quiz-battle-service/internal/infra/memory"
	pginfra "quiz-battle-service/internal/infra/postgres"
	redisinfra "quiz-battle-service/internal/infra/redis"
	transport "quiz-battle-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battle server",
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

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, log); err != nil {
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

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader redisinfra.CatalogLoader = staticCatalogLoader{catalog: memory.NewStaticCatalog(sampleUnits())}
	if pool != nil {
		loader = pginfra.NewCatalogLoader(pool)
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var catalog app.UnitCatalog
	if redisClient != nil {
		catalog = redisinfra.NewUnitCatalog(redisClient, loader, catalogTTL)
	} else {
		catalog = loaderCatalog{loader: loader}
	}

	var store app.MatchStore
	var notifier app.Notifier
	if redisClient != nil {
		store = redisinfra.NewMatchStore(redisClient, redisTTL)
		notifier = redisinfra.NewNotifier(redisClient, redisTTL)
	} else {
		store = memory.NewMatchStore()
		notifier = memory.NewNotifier()
	}

	var archiver app.MatchArchiver
	if pool != nil {
		archiver = pginfra.NewMatchArchive(pool)
	}

	settings := app.Settings{
		UnitTimer:         config.TTLDuration(cfg.Battle.UnitTimer, 0),
		MatchCeiling:      config.TTLDuration(cfg.Battle.MatchCeiling, 0),
		MonitorInterval:   config.TTLDuration(cfg.Battle.MonitorInterval, 0),
		ForfeitThreshold:  config.TTLDuration(cfg.Battle.ForfeitThreshold, 0),
		PointsPerQuestion: cfg.Battle.PointsPerQuestion,
	}
	service := app.NewBattleService(store, catalog, notifier, archiver, settings, log)
	wsHandler := transport.NewWSHandler(service, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/battle", wsHandler.ServeWS)
	mux.HandleFunc("/battle/create", wsHandler.CreateMatch)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting battle service", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// staticCatalogLoader adapts the in-memory catalog to the loader interface
// used by the Redis cache.
type staticCatalogLoader struct {
	catalog *memory.StaticCatalog
}

func (l staticCatalogLoader) LoadUnits(ctx context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error) {
	return l.catalog.FindUnits(ctx, subject, gradeLevel)
}

// loaderCatalog exposes a bare loader as a catalog when no Redis cache is
// configured.
type loaderCatalog struct {
	loader redisinfra.CatalogLoader
}

func (c loaderCatalog) FindUnits(ctx context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error) {
	return c.loader.LoadUnits(ctx, subject, gradeLevel)
}

// sampleUnits provides a minimal catalog for running without Postgres.
func sampleUnits() []domain.ContentUnit {
	return []domain.ContentUnit{
		{
			ID:         "math-g2-addition",
			Subject:    "math",
			GradeLevel: 2,
			Questions: []domain.Question{
				{Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, Correct: 1},
				{Prompt: "What is 5 + 3?", Options: []string{"8", "7", "9"}, Correct: 0},
			},
		},
		{
			ID:         "reading-g2-words",
			Subject:    "reading",
			GradeLevel: 2,
			Questions: []domain.Question{
				{Prompt: "Which word is an animal?", Options: []string{"chair", "tiger", "cloud"}, Correct: 1},
				{Prompt: "Which word rhymes with cat?", Options: []string{"dog", "hat", "sun"}, Correct: 1},
			},
		},
	}
}
