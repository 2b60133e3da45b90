package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router   *http.ServeMux
	server   *http.Server
	arena    *usecase.ArenaService
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// heartbeat keeps idle SSE and WS connections from being reaped by proxies.
	heartbeat time.Duration
}

func NewServer(port int, arena *usecase.ArenaService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router: http.NewServeMux(),
		arena:  arena,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	// Lifecycle
	s.router.HandleFunc("POST /api/arena/sessions", s.handleCreateSession)
	s.router.HandleFunc("GET /api/arena/sessions", s.handleListSessions)
	s.router.HandleFunc("POST /api/arena/start", s.handleStart)
	s.router.HandleFunc("POST /api/arena/pause", s.handlePause)
	s.router.HandleFunc("POST /api/arena/resume", s.handleResume)
	s.router.HandleFunc("POST /api/arena/stop", s.handleStop)
	s.router.HandleFunc("POST /api/arena/restore/{id}", s.handleRestore)

	// Queries
	s.router.HandleFunc("GET /api/arena/status", s.handleStatus)
	s.router.HandleFunc("GET /api/arena/agents", s.handleAgents)
	s.router.HandleFunc("GET /api/arena/rankings", s.handleRankings)
	s.router.HandleFunc("GET /api/arena/config", s.handleConfig)
	s.router.HandleFunc("GET /api/arena/events", s.handleEvents)
	s.router.HandleFunc("GET /api/arena/roster", s.handleRoster)
	s.router.HandleFunc("GET /api/arena/agent-configs", s.handleAgentConfigs)
	s.router.HandleFunc("GET /api/arena/budget", s.handleBudget)
	s.router.HandleFunc("GET /api/arena/candles", s.handleCandles)

	// Streams
	s.router.HandleFunc("GET /api/arena/stream", s.handleSSE)
	s.router.HandleFunc("GET /ws/arena", s.handleWebSocket)

	s.router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
