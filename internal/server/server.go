// Package server exposes the operator-facing status surface for the worker
// pool: health, readiness, metrics, per-worker diagnostics, and manual
// pressure/expiration triggers. It reports state; it does not make pool
// decisions.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/forged/internal/observability"
	"github.com/danmuck/forged/internal/pool"
)

type Server struct {
	ID       string
	Appeared time.Time

	pool    *pool.Pool
	monitor *pool.Monitor
	router  *gin.Engine
}

func New(id string, corsOrigins []string, p *pool.Pool, m *pool.Monitor) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Appeared: time.Now(),
		pool:     p,
		monitor:  m,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"daemon":  s.ID,
			"version": "0.1.0",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.Appeared).String(),
			"daemon":  s.ID,
			"workers": s.pool.WorkerCount(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"workers": s.pool.Diagnostics(),
		})
	})

	s.router.POST("/pressure", func(c *gin.Context) {
		var req struct {
			TargetBytes uint64 `json:"target_bytes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.TargetBytes == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "target_bytes required"})
			return
		}
		freed := s.monitor.OnLowMemory(req.TargetBytes)
		c.JSON(http.StatusOK, gin.H{
			"target_bytes":   req.TargetBytes,
			"freed_estimate": freed,
			"workers_live":   s.pool.WorkerCount(),
		})
	})

	s.router.POST("/workers/expire", func(c *gin.Context) {
		stopped := s.monitor.SweepOnce()
		c.JSON(http.StatusOK, gin.H{
			"stopped":      stopped,
			"workers_live": s.pool.WorkerCount(),
		})
	})
}

// Run serves until ctx is canceled, then drains with a short deadline.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("daemon", s.ID).Str("addr", addr).Msg("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		return err
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
