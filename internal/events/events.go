// Package events publishes outcome events to NATS so other processes can
// follow routing decisions and memory writes.
//
// Subjects:
//
//	{prefix}.decisions.{task_type}.resolved
//	{prefix}.memory.written
//	{prefix}.memory.purged
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/router"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "cognitd"

// DecisionResolved is published after a decision receives its reward.
type DecisionResolved struct {
	DecisionID  string        `json:"decision_id"`
	TaskType    string        `json:"task_type"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Exploration bool          `json:"was_exploration"`
	Attempt     int           `json:"attempt"`
	Success     bool          `json:"success"`
	Reward      float64       `json:"reward"`
	Reason      router.Reason `json:"reason"`
	LatencyMs   float64       `json:"latency_ms"`
	TokenCost   float64       `json:"token_cost"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// MemoryWritten is published after an accepted turn reached the vector store.
type MemoryWritten struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	FragmentID     string    `json:"fragment_id"`
	Created        bool      `json:"created"`
	Redactions     int       `json:"redactions"`
	At             time.Time `json:"at"`
}

// MemoryPurged is published after a scope was purged.
type MemoryPurged struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Removed        int       `json:"removed"`
	At             time.Time `json:"at"`
}

// Publisher emits outcome events. Implementations must be safe for
// concurrent use; a failed publish never fails the caller's operation.
type Publisher interface {
	DecisionResolved(ctx context.Context, e DecisionResolved) error
	MemoryWritten(ctx context.Context, e MemoryWritten) error
	MemoryPurged(ctx context.Context, e MemoryPurged) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) DecisionResolved(context.Context, DecisionResolved) error { return nil }
func (Nop) MemoryWritten(context.Context, MemoryWritten) error       { return nil }
func (Nop) MemoryPurged(context.Context, MemoryPurged) error         { return nil }
func (Nop) Close() error                                             { return nil }

// NATSPublisher publishes JSON events on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Config configures the NATS connection.
type Config struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("cognitd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	p.logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// DecisionSubject returns the subject for resolutions of taskType.
func (p *NATSPublisher) DecisionSubject(taskType string) string {
	return p.prefix + ".decisions." + subjectToken(taskType) + ".resolved"
}

func (p *NATSPublisher) DecisionResolved(_ context.Context, e DecisionResolved) error {
	return p.publish(p.DecisionSubject(e.TaskType), e)
}

func (p *NATSPublisher) MemoryWritten(_ context.Context, e MemoryWritten) error {
	return p.publish(p.prefix+".memory.written", e)
}

func (p *NATSPublisher) MemoryPurged(_ context.Context, e MemoryPurged) error {
	return p.publish(p.prefix+".memory.purged", e)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Flush(); err != nil && !p.nc.IsClosed() {
		p.logger.Warn("flushing NATS connection", zap.Error(err))
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// DecisionListener adapts a publisher to a router resolution listener.
// Publish failures are logged and dropped.
func DecisionListener(p Publisher, logger *zap.Logger) router.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, d *router.Decision) {
		e := DecisionResolved{
			DecisionID:  d.ID,
			TaskType:    d.TaskType,
			Provider:    d.Selected.Provider,
			Model:       d.Selected.Model,
			Exploration: d.Exploration,
			Attempt:     d.Attempt,
			Success:     d.Success,
			Reason:      d.Reason,
			LatencyMs:   d.LatencyMs,
			TokenCost:   d.TokenCost,
		}
		if d.Reward != nil {
			e.Reward = *d.Reward
		}
		if d.ResolvedAt != nil {
			e.ResolvedAt = *d.ResolvedAt
		}
		if err := p.DecisionResolved(ctx, e); err != nil {
			logger.Warn("publishing decision event failed", zap.String("decision_id", d.ID), zap.Error(err))
		}
	}
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
)
