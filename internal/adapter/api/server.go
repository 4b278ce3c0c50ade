// Package api serves the observer-facing submission API and the endpoints
// the downstream pipeline uses to pull pending rows and report commits.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

const (
	basePath        = "/api/adl-collector"
	requestIDHeader = "X-Request-ID"
	requestTimeout  = 10 * time.Second
)

// Submitter commits one raw submission for a caller.
type Submitter interface {
	Submit(ctx context.Context, raw []byte, callerID string) (ingest.Outcome, error)
}

// Directory reads the station configuration shown to observers.
type Directory interface {
	ingest.Directory
	ListStationLinksForUser(ctx context.Context, userID string) ([]domain.StationLink, error)
}

// Reconciler exposes pending rows and applies commits reported downstream.
type Reconciler interface {
	Rows(ctx context.Context, stationLinkID int64, window domain.Window) ([]reconcile.ObservationRow, error)
	Apply(ctx context.Context, stationLinkID int64, commits []reconcile.Commit) (reconcile.Result, error)
}

// Options configures authentication.
type Options struct {
	// BearerToken, when set, is required on every request.
	BearerToken string
	// UserIDHeader carries the caller id set by the upstream auth gateway.
	UserIDHeader string
}

// Server bundles the router and its dependencies.
type Server struct {
	submitter  Submitter
	directory  Directory
	reconciler Reconciler
	opts       Options
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer constructs the API with routes and middleware.
func NewServer(addr string, submitter Submitter, directory Directory, reconciler Reconciler, opts Options, logger *slog.Logger) *Server {
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(accessLogMiddleware(logger))
	if opts.BearerToken != "" {
		engine.Use(bearerAuthMiddleware(opts.BearerToken))
	}

	s := &Server{
		submitter:  submitter,
		directory:  directory,
		reconciler: reconciler,
		opts:       opts,
		logger:     logger,
		engine:     engine,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the gin engine, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	g := s.engine.Group(basePath)
	g.GET("/station-link/", s.handleListStations)
	g.GET("/station-link/:id/", s.handleGetStation)
	g.POST("/manual-obs/submit/", s.handleSubmit)
	g.GET("/station-link/:id/observations/", s.handleObservations)
	g.POST("/station-link/:id/observations/commit/", s.handleCommit)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			if v7, err := uuid.NewV7(); err == nil {
				id = v7.String()
			}
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDHeader),
		)
	}
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}
