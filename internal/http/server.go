// Package http exposes the orchestrator over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
	"github.com/fyrsmithlabs/cognitd/internal/logging"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

const maxBodySize = "1M"

// Service is the orchestrator surface served over HTTP.
type Service interface {
	HandleTask(ctx context.Context, req orchestrator.TaskRequest) (*orchestrator.TaskResponse, error)
	SubmitFeedback(ctx context.Context, decisionID string, fb orchestrator.Feedback) (*router.Decision, error)
	Decision(ctx context.Context, id string) (*router.Decision, error)
	PurgeConversation(ctx context.Context, scope memory.Scope) (int, error)
	Stats(ctx context.Context) orchestrator.Stats
}

// HealthCheck reports a dependency failure as a non-nil error.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server serves the cognitd API.
type Server struct {
	echo    *echo.Echo
	service Service
	logger  *zap.Logger
	config  *Config
	checks  map[string]HealthCheck
	metrics *HTTPMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMetrics replaces the request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the HTTP server.
func NewServer(service Service, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
		checks:  make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(logger)
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	// Logging wraps metrics so it sees the status the metrics middleware wrote.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), id)))
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", id),
			)
			return err
		}
	})
	e.Use(s.metrics.Middleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/tasks", s.handleTask)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.POST("/decisions/:id/feedback", s.handleFeedback)
	v1.DELETE("/memory", s.handlePurge)
	v1.GET("/stats", s.handleStats)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleTask(c echo.Context) error {
	var req orchestrator.TaskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid task request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.service.HandleTask(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDecision(c echo.Context) error {
	d, err := s.service.Decision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var fb orchestrator.Feedback
	if err := c.Bind(&fb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d, err := s.service.SubmitFeedback(c.Request().Context(), c.Param("id"), fb)
	if errors.Is(err, router.ErrAlreadyResolved) {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Decision: d})
	}
	if err != nil {
		return err
	}
	resp := FeedbackResponse{Decision: d}
	if d.Reward != nil {
		resp.Reward = *d.Reward
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePurge(c echo.Context) error {
	scope := memory.Scope{
		ConversationID: c.QueryParam("conversation_id"),
		UserID:         c.QueryParam("user_id"),
	}
	n, err := s.service.PurgeConversation(c.Request().Context(), scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PurgeResponse{Removed: n})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Stats(c.Request().Context()))
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:       "ok",
		Providers:    s.service.Stats(ctx).Health,
		Dependencies: make(map[string]string, len(s.checks)),
	}
	for _, healthy := range resp.Providers {
		if !healthy {
			resp.Status = "degraded"
		}
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	code := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			resp.Dependencies[name] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Dependencies[name] = "ok"
	}
	return c.JSON(code, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var budget *assembler.BudgetExceededError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, memory.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.As(err, &budget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, router.ErrDecisionNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, router.ErrNoCandidates):
		return http.StatusServiceUnavailable
	case errors.Is(err, router.ErrAllProvidersFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", code),
			zap.Error(err),
		)
		if code == http.StatusInternalServerError {
			msg = http.StatusText(code)
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	if werr := c.JSON(code, ErrorResponse{Error: msg}); werr != nil {
		s.logger.Warn("writing error response failed", zap.Error(werr))
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
