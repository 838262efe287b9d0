package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/monitoring"
	"github.com/ifuryst/postwave/internal/notify"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/service"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/internal/store"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Store      store.Store
	Queue      queue.Queue
	Registry   *publisher.Registry
	Metrics    *monitoring.Metrics
	Dispatcher *notify.Dispatcher

	// Services
	Content  *service.ContentService
	Channels *service.ChannelService
	Executor *service.Executor
	Sweeper  *service.Sweeper
	Stats    *monitoring.StatsUpdater
	Auth     *service.AuthService

	closers []func()
}

// OpenStore connects the configured storage backend
func OpenStore(cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Database.Type == "memory" {
		logger.Warn("Using in-memory storage; nothing survives a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := store.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return store.NewGormStore(db), closeDB, nil
}

// OpenQueue builds the configured queue driver
func OpenQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Queue, func(), error) {
	opts := queue.Options{
		Workers:     cfg.Queue.Workers,
		QueueSize:   cfg.Queue.QueueSize,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryBase:   config.Duration(cfg.Queue.RetryBase),
		RetryMax:    config.Duration(cfg.Queue.RetryMax),
	}
	if cfg.Queue.Driver != "redis" {
		return queue.NewMemoryQueue(opts, logger), func() {}, nil
	}

	client, err := queue.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	q := queue.NewRedisQueue(client, queue.RedisOptions{
		Options:           opts,
		KeyPrefix:         cfg.Queue.KeyPrefix,
		PollInterval:      config.Duration(cfg.Queue.PollInterval),
		VisibilityTimeout: config.Duration(cfg.Queue.VisibilityTimeout),
	}, logger)
	return q, func() { _ = client.Close() }, nil
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:  cfg,
		Router:  gin.New(),
		Logger:  logger,
		Metrics: monitoring.NewMetrics(cfg.Metrics.Namespace),
	}

	st, closeStore, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Store = st
	srv.closers = append(srv.closers, closeStore)

	q, closeQueue, err := OpenQueue(ctx, cfg, logger)
	if err != nil {
		srv.close()
		return nil, err
	}
	srv.Queue = q
	srv.closers = append(srv.closers, closeQueue)

	registry, err := service.NewPublisherRegistry(cfg, logger)
	if err != nil {
		srv.close()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}
	registry.OnBreakerChange(func(provider string, state circuitbreaker.State) {
		srv.Metrics.SetBreakerState(provider, state)
	})
	srv.Registry = registry

	emitter, closeEmitter, err := notify.New(cfg.Notify, logger)
	if err != nil {
		srv.close()
		return nil, fmt.Errorf("failed to initialize notifications: %w", err)
	}
	srv.closers = append(srv.closers, closeEmitter)
	srv.Dispatcher = notify.NewDispatcher(emitter, config.Duration(cfg.Notify.Timeout), logger)
	srv.Dispatcher.OnError = srv.Metrics.NotificationFailed

	recorder := monitoring.NewErrorRecorder(st, logger)
	srv.Content = service.NewContentService(st, q, cfg.Scheduler.ImmediateTolerance(), logger, nil)
	srv.Channels = service.NewChannelService(st, registry, logger, nil)
	srv.Executor = service.NewExecutor(service.ExecutorDeps{
		Store:    st,
		Queue:    q,
		Gateway:  registry,
		Notifier: srv.Dispatcher,
		Metrics:  srv.Metrics,
		Errors:   recorder,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.Executor.Retry.MaxAttempts,
			BaseDelay:   config.Duration(cfg.Executor.Retry.BaseDelay),
			MaxDelay:    config.Duration(cfg.Executor.Retry.MaxDelay),
		},
		Logger: logger,
	})
	srv.Sweeper = service.NewSweeper(st, q, service.SweepConfig{
		Interval:     cfg.Scheduler.SweepInterval(),
		BatchSize:    cfg.Scheduler.SweepBatchSize,
		ClaimTimeout: cfg.Scheduler.ClaimTimeout(),
	}, srv.Metrics, recorder, logger, nil)
	srv.Stats = monitoring.NewStatsUpdater(srv.Metrics, st, q, logger, cfg.Scheduler.StatsInterval())
	srv.Auth = service.NewAuthService(logger, cfg.Server.AdminTOTPSecret)

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health", s.Config.Metrics.Path},
	}))

	if s.Config.Metrics.Enabled {
		s.Router.Use(s.Metrics.GinMiddleware())
	}

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TenantHeader+", "+UserHeader+", "+service.AdminTokenHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

// Run starts the queue workers, the sweep, the stats updater and the HTTP
// listener, and blocks until ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	if !s.Queue.Durable() {
		// The memory queue starts empty; rebuild it before workers can fire stale jobs
		if _, err := service.Rehydrate(ctx, s.Store, s.Queue, s.Logger, nil); err != nil {
			return fmt.Errorf("failed to rehydrate queue: %w", err)
		}
	}
	if err := s.Queue.Start(ctx, s.Executor.Execute); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	s.Server = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	if s.Config.Scheduler.Disabled {
		s.Logger.Warn("Periodic sweep disabled; overdue schedules are only recovered on demand")
	} else {
		g.Go(func() error {
			return s.Sweeper.Run(gctx)
		})
	}
	g.Go(func() error {
		return s.Stats.Run(gctx)
	})

	err := g.Wait()

	s.Queue.Stop()
	s.Dispatcher.Wait()
	s.Logger.Info("Server stopped")
	return err
}

func (s *Server) serve() error {
	s.Logger.Info("Starting HTTP server", zap.String("addr", s.Server.Addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.Logger.Info("Shutting down HTTP server")
	return s.Server.Shutdown(shutdownCtx)
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
