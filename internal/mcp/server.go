package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

// Service is the orchestrator surface exposed as tools.
type Service interface {
	HandleTask(ctx context.Context, req orchestrator.TaskRequest) (*orchestrator.TaskResponse, error)
	SubmitFeedback(ctx context.Context, decisionID string, fb orchestrator.Feedback) (*router.Decision, error)
	Decision(ctx context.Context, id string) (*router.Decision, error)
	PurgeConversation(ctx context.Context, scope memory.Scope) (int, error)
	Stats(ctx context.Context) orchestrator.Stats
}

// Server is an MCP server backed by the orchestrator.
type Server struct {
	mcp     *mcp.Server
	service Service
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "cognitd")
	Name string

	// Version is the server version (default: "0.1.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Metrics overrides the tool metrics (default: global meter provider)
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cognitd",
		Version: "0.1.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, service Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger)
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		service: service,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx ends or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
