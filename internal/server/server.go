package server

import (
	"context"
	"errors"
	"sync"

	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/config"
	"backend-fieldtrack/internal/logging"
	"backend-fieldtrack/internal/stream"
	"backend-fieldtrack/internal/tracking"
	"backend-fieldtrack/internal/trip"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Logger   *zap.Logger
	Trips    *trip.Service
	Recorder *tracking.Recorder
	Stream   *stream.Hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, log *zap.Logger) *Server {
	log = logging.OrNop(log)

	app := fiber.New(fiber.Config{
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	var store trip.Store
	if db != nil {
		store = trip.NewPostgresStore(db)
	} else {
		log.Warn("postgres not configured, trips are kept in memory")
		store = trip.NewMemoryStore()
	}
	if redisClient == nil {
		log.Info("redis not configured, live locations stay on this instance")
	}

	recorder := tracking.NewRecorder(store, log, tracking.Config{
		Workers:      cfg.PersistWorkers,
		QueueSize:    cfg.PersistQueueSize,
		RetryMax:     cfg.PersistRetryMax,
		WriteTimeout: cfg.PersistWriteTimeout,
	})

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       db,
		Redis:    redisClient,
		Logger:   log,
		Trips:    trip.NewService(store, log),
		Recorder: recorder,
		Stream:   stream.NewHub(stream.NewRegistry(), recorder, redisClient, log, stream.WithRelayBuffer(cfg.RelayBuffer)),
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		stats := s.Stream.Registry().Stats()
		return c.JSON(fiber.Map{
			"status":    "ok",
			"subjects":  stats.Subjects,
			"observers": stats.Observers,
		})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	trip.RegisterRoutes(s.App.Group("/trips"), s.Trips, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware, s.Cfg.ObserverBuffer)
}

// Start runs the persistence workers and the cross-instance relay until
// Stop is called or ctx is done.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.Recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error("recorder stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Stream.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error("relay stopped", zap.Error(err))
		}
	}()
}

// Stop ends the background loops and waits for queued path points to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
