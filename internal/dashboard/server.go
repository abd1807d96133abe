// Package dashboard exposes the REST surface and the streaming event
// channel that dashboard clients consume.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/store"
)

// drainTimeout bounds how long shutdown waits for streaming clients.
const drainTimeout = 10 * time.Second

// Syncer forces a transcript rescrape for one session; the scrape package
// implements it.
type Syncer interface {
	Scrape(ctx context.Context, sess *models.Session) (int, error)
}

// Server is the dashboard HTTP gateway.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	store    *store.Store
	router   *router.Router
	bus      *bus.Bus
	syncer   Syncer
	out      io.Writer

	limiter *rateLimiter
	ws      *wsHub
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Config   *config.Config
	Registry *registry.Registry
	Store    *store.Store
	Router   *router.Router
	Bus      *bus.Bus
	Syncer   Syncer // optional; /sync returns 503 without one
	Out      io.Writer
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("dashboard: config is required")
	}
	if opts.Registry == nil || opts.Store == nil || opts.Router == nil || opts.Bus == nil {
		return nil, fmt.Errorf("dashboard: registry, store, router, and bus are required")
	}
	return &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		store:    opts.Store,
		router:   opts.Router,
		bus:      opts.Bus,
		syncer:   opts.Syncer,
		out:      opts.Out,
		limiter:  newRateLimiter(defaultRate, defaultBurst),
		ws:       newWSHub(opts.Bus),
	}, nil
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.limiter.middleware())

	// Unauthenticated: liveness and the local hook webhook.
	r.GET("/healthz", s.handleHealthz)
	r.POST("/api/hooks/event", s.handleHookEvent)

	api := r.Group("/api", s.authMiddleware())
	{
		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleCreateSession)
		api.POST("/sessions/bulk-delete", s.handleBulkDelete)
		api.GET("/sessions/:name", s.handleGetSession)
		api.DELETE("/sessions/:name", s.handleDeleteSession)
		api.PATCH("/sessions/:name", s.handleUpdateSession)
		api.GET("/sessions/:name/messages", s.handleSessionMessages)
		api.POST("/sessions/:name/send", s.handleSendMessage)
		api.POST("/sessions/:name/sync", s.handleSyncSession)
		api.GET("/search", s.handleSearch)
		api.GET("/stats", s.handleStats)
		api.GET("/preferences", s.handleGetPreferences)
		api.PUT("/preferences", s.handleSetPreferences)
	}

	r.GET("/ws", s.authWS(), s.ws.handle)
	return r
}

// Run serves until ctx is cancelled, then drains streaming clients and
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Dashboard.Host, s.cfg.Dashboard.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		s.ws.drain(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Dashboard listening on %s\n", addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
