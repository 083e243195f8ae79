package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lbaudoin/quizshow/internal/api"
	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/driver"
	"github.com/lbaudoin/quizshow/internal/event"
	"github.com/lbaudoin/quizshow/internal/game"
	"github.com/lbaudoin/quizshow/internal/leaderboard"
	"github.com/lbaudoin/quizshow/internal/store"
	"github.com/lbaudoin/quizshow/internal/store/memory"
	pgstore "github.com/lbaudoin/quizshow/internal/store/postgres"
	redisstore "github.com/lbaudoin/quizshow/internal/store/redis"
	"github.com/lbaudoin/quizshow/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	// Store selects the session store backend: memory, redis or postgres.
	Store struct {
		Backend string
	}

	Redis struct {
		Store struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Store struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Quiz struct {
		DriverName      string
		QuestionSeconds int
		RevealSeconds   int
		Questions       []domain.Question
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			store       redis.UniversalClient
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool

		store store.Store
	}

	service struct {
		game        *game.Service
		leaderboard *leaderboard.Service
		driver      *driver.Driver
	}

	http *http.Server

	driverCtx    context.Context
	driverCancel context.CancelFunc
	driverDone   chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initStore(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	if s.c.Store.Backend == "redis" {
		s.infra.redis.store, err = connect(s.c.Redis.Store.Addrs, s.c.Redis.Store.Pass)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	return nil
}

func (s *Server) initStore() error {
	switch s.c.Store.Backend {
	case "", "memory":
		s.infra.store = memory.New()
		return nil

	case "redis":
		s.infra.store = redisstore.New(redisstore.Config{
			Redis:  s.infra.redis.store,
			Prefix: s.c.Redis.Store.Prefix,
		})
		return nil

	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p := s.c.Postgres.Store
		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
		if err != nil {
			return fmt.Errorf("postgres: parse config: %w", err)
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return fmt.Errorf("postgres: connect: %w", err)
		}

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: ping: %w", err)
		}

		s.infra.postgres = db
		s.infra.store, err = pgstore.New(ctx, pgstore.Config{DB: db})
		if err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown backend %q", s.c.Store.Backend)
	}
}

func (s *Server) initService() error {
	questions := s.c.Quiz.Questions
	if len(questions) > 0 {
		if err := game.ValidateQuestions(questions); err != nil {
			return fmt.Errorf("questions: %w", err)
		}
	}

	s.service.game = game.NewService(game.Config{
		Store:           s.infra.store,
		EventBus:        s.eb,
		Questions:       questions,
		DriverName:      s.c.Quiz.DriverName,
		QuestionSeconds: s.c.Quiz.QuestionSeconds,
		RevealSeconds:   s.c.Quiz.RevealSeconds,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Game:     s.service.game,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.driver = driver.New(driver.Config{
		Store: s.infra.store,
		Game:  s.service.game,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())
	e.Use(telemetry.HTTPLogger())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Game:         s.service.game,
		Leaderboard:  s.service.leaderboard,
		Store:        s.infra.store,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	s.driverCtx, s.driverCancel = context.WithCancel(context.Background())
	s.driverDone = make(chan struct{})

	var eg errgroup.Group
	eg.Go(func() error {
		defer close(s.driverDone)
		slog.InfoContext(ctx, "server: phase driver running")
		if err := s.service.driver.Run(s.driverCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.driverCancel != nil {
		s.driverCancel()
		select {
		case <-s.driverDone:
		case <-ctx.Done():
		}
	}

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
