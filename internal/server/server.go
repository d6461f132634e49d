// Package server exposes the reasoning agent over HTTP: a synchronous and
// streaming /ask surface backed by the orchestrator, and a REST CRUD/search
// surface over the tool catalog.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/toolmind/agent/config"
	"github.com/toolmind/agent/internal/agent"
	"github.com/toolmind/agent/internal/agent/telemetry"
	"github.com/toolmind/agent/internal/oracle"
	"github.com/toolmind/agent/internal/orchestrator"
	"github.com/toolmind/agent/internal/sandbox"
	"github.com/toolmind/agent/internal/store"
)

var (
	errEmptyQuestion = errors.New("question must not be empty")
	errRunNotFound   = errors.New("no in-flight run with that id")
)

// Server wires the tool store, its search index, the sandboxed executor,
// the oracle adapter, and the orchestrator together behind an echo router.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	index        *store.Index
	executor     *sandbox.Executor
	oracleClient *oracle.Adapter
	telemetry    *telemetry.Telemetry
	otelShutdown func(context.Context) error
	agent        *agent.Agent
	orchestrator *orchestrator.Orchestrator
	mirror       *orchestrator.Mirror
	runs         *runRegistry
	logger       *log.Logger
	echo         *echo.Echo
}

// New constructs a Server from an already-loaded configuration, wiring
// every dependency in the order each needs the last: the store needs a
// database connection, the index needs the store's rows to seed itself,
// the executor needs the store to resolve execute_tool calls back into the
// catalog, and the agent needs all three plus the oracle.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	otelShutdown, err := telemetry.SetupOTel(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("server: setup otel: %w", err)
	}

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.BuildDSN())
	if err != nil {
		return nil, fmt.Errorf("server: connect store: %w", err)
	}

	idx, err := store.NewIndex(store.SearchWeights(cfg.Search.Weights), cfg.Search.Synonyms)
	if err != nil {
		return nil, fmt.Errorf("server: build index: %w", err)
	}
	tools, err := st.ListAllForIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("server: seed index: %w", err)
	}
	if err := idx.Rebuild(tools); err != nil {
		return nil, fmt.Errorf("server: rebuild index: %w", err)
	}

	policy, err := sandbox.LoadPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("server: load sandbox policy: %w", err)
	}
	resolver := store.Resolver{Store: st}
	executor := sandbox.NewExecutor(resolver, policy)
	store.NewAccountedExecutor(st, executor, cfg.Agent.BugThreshold)

	oracleClient, err := oracle.NewAdapter(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("server: build oracle adapter: %w", err)
	}

	tel := telemetry.New(cfg.Telemetry)

	ag := agent.New(st, idx, executor, oracleClient, tel, cfg.Agent, cfg.Search)

	mirror, err := orchestrator.NewMirror(ctx, cfg.Storage.Redis)
	if err != nil {
		return nil, fmt.Errorf("server: build stream mirror: %w", err)
	}

	orch := orchestrator.New(ag, mirror, cfg.Agent.EventBufferSize)

	s := &Server{
		cfg:          cfg,
		store:        st,
		index:        idx,
		executor:     executor,
		oracleClient: oracleClient,
		telemetry:    tel,
		agent:        ag,
		orchestrator: orch,
		mirror:       mirror,
		otelShutdown: otelShutdown,
		runs:         newRunRegistry(),
		logger:       log.New(os.Stderr, "[HTTP] ", log.LstdFlags),
	}
	s.echo = s.newRouter()
	return s, nil
}

func (s *Server) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `${time_rfc3339} ${method} ${uri} status=${status} latency=${latency_human} id=${id}` + "\n",
	}))

	e.GET("/health", s.health)
	if s.cfg.Telemetry.MetricsEnabled {
		e.GET(s.cfg.Telemetry.PrometheusPath, echo.WrapHandler(telemetry.MetricsHandler()))
	}

	e.POST("/ask", s.askSync)
	e.GET("/ask/stream", s.askStream)
	e.GET("/ask/poll", s.pollAsk)
	e.GET("/ask/stream/lag", s.askStreamLag)
	e.GET("/ws/ask", s.askWS)
	e.DELETE("/ask/:id", s.cancelAsk)

	tools := e.Group("/tools")
	tools.GET("", s.listTools)
	tools.POST("", s.createTool)
	tools.GET("/bugged/list", s.listBugged)
	tools.GET("/search/:query", s.searchTools)
	tools.GET("/name/:name", s.getToolByName)
	tools.GET("/:id", s.getTool)
	tools.PUT("/:id", s.updateTool)
	tools.DELETE("/:id", s.deleteTool)
	tools.POST("/:id/execute", s.executeTool)
	tools.POST("/:id/deactivate", s.deactivateTool)
	tools.POST("/:id/clear-bugs", s.clearBugs)
	tools.GET("/:id/examples", s.toolExamples)

	return e
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then drains in-flight requests within the server's configured timeouts
// before returning.
func Run(ctx context.Context, cfg *config.Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.echo,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases the server's held resources. It is safe to call more than
// once.
func (s *Server) Close() {
	if s.telemetry != nil {
		s.telemetry.Shutdown()
	}
	s.mirror.Close()
	if s.otelShutdown != nil {
		s.otelShutdown(context.Background())
	}
	if s.store != nil {
		s.store.DB.Close()
	}
}
