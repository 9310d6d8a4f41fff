// Package api exposes the admin control surface and the OpenAI-compatible
// proxy endpoints over gin.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/qwen-proxy/internal/config"
	"github.com/nghyane/qwen-proxy/internal/dispatch"
	"github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/oauth"
	"github.com/nghyane/qwen-proxy/internal/pool"
	"github.com/nghyane/qwen-proxy/internal/scheduler"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
)

// indexPage is the optional admin page served at the root path.
const indexPage = "templates/index.html"

// Server wires the HTTP surface to the domain components. The scheduler
// may be nil when disabled; its routes then answer 503.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	pool       *pool.Pool
	store      *store.Store
	coord      *oauth.Coordinator
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
	loc        *time.Location

	httpServer *http.Server
}

// New builds the server and registers all routes.
func New(cfg *config.Config, p *pool.Pool, st *store.Store, coord *oauth.Coordinator, d *dispatch.Dispatcher, sched *scheduler.Scheduler, loc *time.Location) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		pool:       p,
		store:      st,
		coord:      coord,
		dispatcher: d,
		sched:      sched,
		loc:        loc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleIndex)

	api := s.engine.Group("/api")
	api.POST("/login", s.handleLogin)

	auth := authMiddleware(s.cfg.APIPassword)

	admin := api.Group("", auth)
	admin.POST("/upload-token", s.handleUploadToken)
	admin.GET("/token-status", s.handleTokenStatus)
	admin.POST("/refresh-single-token", s.handleRefreshSingle)
	admin.POST("/delete-token", s.handleDeleteToken)
	admin.POST("/delete-all-tokens", s.handleDeleteAllTokens)
	admin.POST("/refresh-token", s.handleRefreshAll)
	admin.POST("/oauth-init", s.handleOAuthInit)
	admin.POST("/oauth-poll", s.handleOAuthPoll)
	admin.POST("/oauth-cancel", s.handleOAuthCancel)
	admin.POST("/chat", s.handleChat)
	admin.GET("/statistics/usage", s.handleUsage)
	admin.GET("/statistics/available-dates", s.handleAvailableDates)
	admin.DELETE("/statistics/usage", s.handleDeleteUsage)
	admin.GET("/health", s.handleHealth)
	admin.GET("/metrics", s.handleMetrics)

	sched := admin.Group("/scheduler")
	sched.GET("/status", s.handleSchedulerStatus)
	sched.POST("/start", s.handleSchedulerStart)
	sched.POST("/stop", s.handleSchedulerStop)
	sched.POST("/force-refresh", s.handleSchedulerForceRefresh)
	sched.POST("/set-interval", s.handleSchedulerSetInterval)

	v1 := s.engine.Group("/v1", auth)
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChat)
}

// handleIndex serves the admin page when present, else a small identity
// payload.
func (s *Server) handleIndex(c *gin.Context) {
	if _, err := os.Stat(indexPage); err == nil {
		c.File(indexPage)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":   "qwen-proxy",
		"status": "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"database": gin.H{
			"token_count": s.pool.Len(),
		},
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	report := s.pool.Status()
	valid := 0
	for _, t := range report.Tokens {
		if !t.IsExpired {
			valid++
		}
	}

	var todayTokens int64
	today := util.LocalTodayISO(s.loc)
	if stats, err := s.store.ReadUsage(c.Request.Context(), today); err == nil {
		for _, u := range stats {
			todayTokens += u.TotalTokens
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens": gin.H{
			"total": report.TokenCount,
			"valid": valid,
		},
		"usage": gin.H{
			"today": todayTokens,
		},
	})
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the route tree. Intended for tests.
func (s *Server) Handler() http.Handler { return s.engine }
