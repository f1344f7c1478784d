package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mochi-ai/mochi-server/internal/agents"
	"github.com/mochi-ai/mochi-server/internal/chat"
	"github.com/mochi-ai/mochi-server/internal/config"
	"github.com/mochi-ai/mochi-server/internal/confirm"
	"github.com/mochi-ai/mochi-server/internal/ollama"
	"github.com/mochi-ai/mochi-server/internal/prompts"
	"github.com/mochi-ai/mochi-server/internal/session"
	"github.com/mochi-ai/mochi-server/internal/summary"
	"github.com/mochi-ai/mochi-server/internal/tools"
)

// Server wires every component behind the /api/v1 surface.
type Server struct {
	cfg        *config.Settings
	upstream   *ollama.Client
	sessions   *session.Store
	agentChats *session.Store
	tools      *tools.Registry
	agents     *agents.Registry
	runner     *agents.Runner
	broker     *confirm.Broker
	orch       *chat.Orchestrator
	summaries  *summary.Worker
	prompts    *prompts.Service
}

// New constructs the server and all its components from settings.
func New(cfg *config.Settings) (*Server, error) {
	upstream := ollama.NewClient(cfg.OllamaHost)

	sessions, err := session.NewStore(cfg.ResolvedSessionsDir())
	if err != nil {
		return nil, err
	}
	agentChats, err := session.NewStore(cfg.ResolvedAgentChatsDir())
	if err != nil {
		return nil, err
	}
	toolReg, err := tools.NewRegistry(cfg.ResolvedToolsDir())
	if err != nil {
		return nil, err
	}
	agentReg, err := agents.NewRegistry(cfg.ResolvedAgentsDir())
	if err != nil {
		return nil, err
	}
	promptSvc, err := prompts.NewService(cfg.ResolvedSystemPromptsDir())
	if err != nil {
		return nil, err
	}

	runner := agents.NewRunner(agentReg, agentChats, upstream, agents.RunnerOptions{
		PlanningPromptPath:  cfg.ResolvedPlanningPromptPath(),
		ExecutionPromptPath: cfg.ResolvedExecutionPromptPath(),
		MaxIterations:       cfg.MaxAgentIterations,
	})
	broker := confirm.NewBroker()
	summaries := summary.NewWorker(sessions, upstream, cfg.SummarizationEnabled)
	orch := chat.NewOrchestrator(sessions, upstream, toolReg, agentReg, runner, broker, summaries, chat.Options{
		MaxToolRounds:       cfg.MaxToolRounds,
		ConfirmationTimeout: time.Duration(cfg.ConfirmationTimeout) * time.Second,
	})

	return &Server{
		cfg:        cfg,
		upstream:   upstream,
		sessions:   sessions,
		agentChats: agentChats,
		tools:      toolReg,
		agents:     agentReg,
		runner:     runner,
		broker:     broker,
		orch:       orch,
		summaries:  summaries,
		prompts:    promptSvc,
	}, nil
}

// Routes builds the /api/v1 mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/models", s.handleListModels)
	mux.HandleFunc("GET /api/v1/models/{name}", s.handleGetModel)

	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}", s.handlePatchSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/messages/{index}", s.handleEditMessage)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/system-prompt", s.handleSetSystemPrompt)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/system-prompt", s.handleRemoveSystemPrompt)
	mux.HandleFunc("GET /api/v1/sessions/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/summarize", s.handleForceSummary)
	mux.HandleFunc("GET /api/v1/sessions/{id}/summary", s.handleGetSummary)

	mux.HandleFunc("POST /api/v1/chat/{id}", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/{id}/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/v1/chat/{id}/confirm-tool", s.handleConfirmTool)

	mux.HandleFunc("GET /api/v1/system-prompts", s.handleListPrompts)
	mux.HandleFunc("POST /api/v1/system-prompts", s.handleCreatePrompt)
	mux.HandleFunc("GET /api/v1/system-prompts/{name}", s.handleGetPrompt)
	mux.HandleFunc("PUT /api/v1/system-prompts/{name}", s.handleUpdatePrompt)
	mux.HandleFunc("DELETE /api/v1/system-prompts/{name}", s.handleDeletePrompt)

	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	mux.HandleFunc("POST /api/v1/tools/reload", s.handleReloadTools)

	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/agents/reload", s.handleReloadAgents)
	mux.HandleFunc("GET /api/v1/agents/sessions/{id}", s.handleGetAgentSession)

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. The
// summary worker and tools watcher run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.summaries.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := s.tools.Watch(ctx); err != nil {
			slog.Warn("tools watcher stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("mochi-server listening", "addr", s.cfg.Addr(), "ollama", s.cfg.OllamaHost)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("mochi-server stopped")
	return nil
}
