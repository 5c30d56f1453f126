package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskcore/internal/breaker"
	"github.com/c360studio/taskcore/internal/config"
	"github.com/c360studio/taskcore/internal/contextbuilder"
	"github.com/c360studio/taskcore/internal/dispatcher"
	"github.com/c360studio/taskcore/internal/feedback"
	"github.com/c360studio/taskcore/internal/httpapi"
	"github.com/c360studio/taskcore/internal/kv"
	"github.com/c360studio/taskcore/internal/llmclient"
	"github.com/c360studio/taskcore/internal/profile"
	"github.com/c360studio/taskcore/internal/progress"
	"github.com/c360studio/taskcore/internal/search"
	"github.com/c360studio/taskcore/internal/skill"
	"github.com/c360studio/taskcore/internal/store"

	"github.com/anthropics/anthropic-sdk-go"
)

// App wires every component package into one running server: a single
// struct holding every dependency, constructed once in Start and run
// until Shutdown.
type App struct {
	cfg *config.Config

	st  *store.Store
	rdb *redis.Client

	breaker      *breaker.Breaker
	kv           *kv.Coordinator
	profiles     *profile.Service
	skills       *skill.Engine
	searcher     *search.Search
	contextBuild *contextbuilder.Builder
	feedback     *feedback.Capture
	progressBus  *progress.Bus
	llm          *llmclient.Client

	registry   *dispatcher.Registry
	dispatcher *dispatcher.Dispatcher
	supervisor *dispatcher.Supervisor

	httpServer *httpapi.Server
	srv        *http.Server

	logger *slog.Logger
}

// NewApp wires components from cfg but does not open any network
// connection; call Start for that.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &App{cfg: cfg, logger: logger}
}

// Start opens the Postgres pool and Redis client, then wires every
// domain package on top of them.
func (a *App) Start(ctx context.Context) error {
	st, err := store.Open(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	a.rdb = redis.NewClient(opts)
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	a.kv = kv.New(a.rdb)
	a.breaker = breaker.New(a.rdb, breaker.Config{
		FailMax:          a.cfg.Breaker.FailMax,
		ResetTimeout:     a.cfg.Breaker.ResetTimeout,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
	}, a.logger)

	a.profiles = profile.New(st, a.kv)
	a.skills = skill.New(st)

	var embedder search.Embedder
	if a.cfg.LLM.MockLLM {
		embedder = search.NewMockEmbedder(256)
	} else {
		embedder = search.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"))
	}
	a.searcher = search.New(embedder, storeRetriever{st})

	// No document corpus lister is wired: document ingestion and blob
	// storage live outside this core, so the Context Builder degrades
	// to an empty document list for every task (graceful by design).
	a.contextBuild = contextbuilder.New(a.profiles, a.skills, nil, st, a.logger)
	a.feedback = feedback.New(st)
	a.progressBus = progress.New(progressCoordinator{a.kv}, a.cfg.Redis.HeartbeatTTL)

	llmOpts := []llmclient.Option{llmclient.WithLogger(a.logger)}
	if !a.cfg.LLM.MockLLM {
		llmOpts = append(llmOpts, llmclient.WithBreaker(a.breaker))
	}
	a.llm = llmclient.New(anthropic.Model(a.cfg.LLM.Model), llmOpts...)

	a.registry = dispatcher.NewRegistry()
	registerHandlers(a.registry, a.llm, a.progressBus, a.logger)

	dispatchCfg := dispatcher.DefaultConfig("taskcore-worker")
	dispatchCfg.PollInterval = a.cfg.Dispatcher.PollInterval
	dispatchCfg.MaxConcurrent = a.cfg.Dispatcher.MaxConcurrent
	a.dispatcher = dispatcher.New(dispatchCfg, st, a.contextBuild, a.registry, a.progressBus, a.breaker, a.logger)

	a.supervisor = dispatcher.NewSupervisor(
		st, st, a.kv,
		dispatcher.RetryPolicy{
			MaxAttempts:       a.cfg.Dispatcher.MaxAttempts,
			BackoffBase:       a.cfg.Dispatcher.BackoffBase,
			BackoffMultiplier: 2.0,
			MaxBackoff:        10 * time.Minute,
		},
		30*time.Second,
		a.logger,
	)

	a.httpServer = httpapi.New(st, a.profiles, a.feedback, a.progressBus, nil, a.logger)
	a.srv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: a.httpServer}

	return nil
}

// Run starts the dispatch loop, the supervisor sweep, and the HTTP
// server, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.dispatcher.Run(ctx)
	go a.supervisor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown releases the Postgres pool and Redis client.
func (a *App) Shutdown() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.st != nil {
		a.st.Close()
	}
}

// progressCoordinator narrows *kv.Coordinator's Subscribe return type
// (*kv.Subscription) to progress.Subscription, the interface the
// Progress Bus depends on, so the Bus never needs to know about the
// concrete Redis-backed subscription type.
type progressCoordinator struct {
	*kv.Coordinator
}

func (c progressCoordinator) Subscribe(ctx context.Context, taskID string) progress.Subscription {
	return c.Coordinator.Subscribe(ctx, taskID)
}
