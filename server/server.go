// Package server exposes the herald admin API over HTTP and streams dispatch
// outcomes to websocket subscribers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/health"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/schedule"
)

const shutdownTimeout = 10 * time.Second

// PauseSwitch toggles the persisted dispatch pause
type PauseSwitch interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
}

// Deps are the components the API fronts
type Deps struct {
	Service *schedule.Service
	Admin   *schedule.Admin
	Health  *health.Reporter
	Control PauseSwitch
}

// Options configure the HTTP surface
type Options struct {
	Port           int
	AllowedOrigins []string // websocket origin prefixes
}

// Server is the admin API
type Server struct {
	deps   Deps
	opts   Options
	hub    *Hub
	engine *gin.Engine
	http   *http.Server
	logger *zap.SugaredLogger
}

// New builds the router. The caller subscribes Hub() to the dispatcher.
func New(deps Deps, opts Options, log *zap.SugaredLogger) *Server {
	log = log.Named("server")
	s := &Server{
		deps:   deps,
		opts:   opts,
		hub:    NewHub(opts.AllowedOrigins, log),
		logger: log,
	}
	s.engine = s.routes()
	return s
}

// Hub returns the event hub so it can observe dispatch outcomes
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router, mostly for tests
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/queue", s.handleQueue)
	api.GET("/events", s.handleEvents)

	api.GET("/posts", s.handleListPosts)
	api.POST("/posts", s.handleSchedule)
	api.GET("/posts/:id", s.handleGetPost)
	api.PATCH("/posts/:id", s.handleReschedule)
	api.DELETE("/posts/:id", s.handleDelete)
	api.POST("/posts/:id/cancel", s.handleCancel)
	api.POST("/posts/:id/requeue", s.handleRequeue)

	api.POST("/pause", s.handlePause)
	api.POST("/resume", s.handleResume)
	return r
}

// requestLogger logs each request at debug, failures at warn
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warnw("Request failed", fields...)
			return
		}
		s.logger.Debugw("Request", fields...)
	}
}

// Start serves until Shutdown; it returns nil on a clean shutdown
func (s *Server) Start() error {
	if s.opts.Port <= 0 {
		return errors.NewInvalidArgumentError("server port must be positive, got %d", s.opts.Port)
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("Admin API listening", "port", s.opts.Port)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to serve admin API on port %d", s.opts.Port)
	}
	return nil
}

// Shutdown closes event streams and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shut down admin API")
	}
	return nil
}
