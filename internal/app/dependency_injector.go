package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/docuhub/taskrelay/internal/infra/config"
	"github.com/docuhub/taskrelay/internal/infra/store/idempotency"
	taskstore "github.com/docuhub/taskrelay/internal/infra/store/task"
	"github.com/docuhub/taskrelay/internal/infra/worker"
	"github.com/docuhub/taskrelay/internal/pkg/postgresconn"
	"github.com/docuhub/taskrelay/internal/pkg/redisconn"
	"github.com/docuhub/taskrelay/internal/pkg/retry"
	"github.com/docuhub/taskrelay/internal/transport"
	"github.com/docuhub/taskrelay/internal/usecase"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const cfgPath = "./configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	taskStore usecase.TaskStore
	idemp     usecase.IdempotencyIndex
	worker    usecase.WorkerClient

	usecase transport.Usecase
	handler transport.Handler
	router  Router
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) PostgresPool(ctx context.Context) *pgxpool.Pool {
	if di.pool == nil {
		pool, err := postgresconn.NewPool(ctx, di.Config().Postgres.DSN)
		if err != nil {
			log.Fatalf("TaskStore postgres: %+v", err)
		}

		di.pool = pool
		di.Logger().Info("connected to postgres")
	}
	return di.pool
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := redisconn.NewClient(redisconn.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("IdempotencyIndex redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) usecase.TaskStore {
	if di.taskStore == nil {
		di.taskStore = taskstore.NewPostgresStore(di.PostgresPool(ctx))
	}
	return di.taskStore
}

func (di *dependencyInjector) IdempotencyIndex(ctx context.Context) usecase.IdempotencyIndex {
	if di.idemp == nil {
		di.idemp = idempotency.NewRedisIndex(di.RedisClient(ctx), di.Config().IdempotencyTTL)
	}
	return di.idemp
}

func (di *dependencyInjector) WorkerClient() usecase.WorkerClient {
	if di.worker == nil {
		cfg := di.Config().Worker
		di.worker = worker.NewClient(retry.Policy{
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.AttemptTimeout,
			BackoffBase:    cfg.BackoffBase,
		}, cfg.APIKey)
		di.Logger().Info("worker client ready",
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.String("attempt_timeout", cfg.AttemptTimeout.String()),
		)
	}
	return di.worker
}

func (di *dependencyInjector) CallbackURL() string {
	return strings.TrimRight(di.Config().CallbackBaseURL, "/") + "/callback"
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		di.usecase = usecase.New(
			di.CallbackURL(),
			di.TaskStore(ctx),
			di.WorkerClient(),
			di.IdempotencyIndex(ctx),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Health(ctx context.Context) func(context.Context) error {
	pool := di.PostgresPool(ctx)
	rdb := di.RedisClient(ctx)

	return func(ctx context.Context) error {
		eg, eCtx := errgroup.WithContext(ctx)
		eg.Go(func() error { return pool.Ping(eCtx) })
		eg.Go(func() error { return rdb.Ping(eCtx).Err() })
		return eg.Wait()
	}
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Usecase(ctx), di.Health(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}

func (di *dependencyInjector) Close() {
	if di.pool != nil {
		di.pool.Close()
	}
	if di.redis != nil {
		if err := di.redis.Close(); err != nil {
			slog.Warn("close redis", slog.String("error", err.Error()))
		}
	}
}
