// Package api serves the read-only status endpoints. The engine has no
// write surface over HTTP; all trading parameters live in the database.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/engine"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

// Server is the status HTTP server.
type Server struct {
	cfg        config.StatusServerConfig
	repo       *database.Repository
	instances  []*engine.Instance
	regimes    *market.Classifier
	router     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
	log        *logging.Logger
}

// NewServer builds the status server. regimes may be nil.
func NewServer(cfg config.StatusServerConfig, repo *database.Repository,
	instances []*engine.Instance, regimes *market.Classifier) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		repo:      repo,
		instances: instances,
		regimes:   regimes,
		router:    router,
		startedAt: time.Now().UTC(),
		log:       logging.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/positions/closed", s.handleClosedPositions)
		api.GET("/optimizer/history", s.handleOptimizerHistory)
	}
}

// Start runs the listener until the context ends, then shuts down with a 5s
// grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	engines := make([]map[string]interface{}, 0, len(s.instances))
	for _, in := range s.instances {
		engines = append(engines, in.Status())
	}

	resp := gin.H{
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"engines": engines,
	}
	if s.regimes != nil {
		if regime := s.regimes.Current(); regime != nil {
			resp["regime"] = regime
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePositions(c *gin.Context) {
	ctx := c.Request.Context()
	out := make(map[string][]*database.Position, len(s.instances))
	for _, in := range s.instances {
		positions, err := s.repo.GetLivePositions(ctx, in.AccountID())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out[in.AccountID()] = positions
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleClosedPositions(c *gin.Context) {
	ctx := c.Request.Context()
	limit := intQuery(c, "limit", 50)

	out := make(map[string][]*database.Position, len(s.instances))
	for _, in := range s.instances {
		positions, err := s.repo.GetRecentClosed(ctx, in.AccountID(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out[in.AccountID()] = positions
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleOptimizerHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	records, err := s.repo.GetOptimizationHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	v := fallback
	if raw := c.Query(key); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v <= 0 {
			v = fallback
		}
	}
	return v
}
