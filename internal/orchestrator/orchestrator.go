// Package orchestrator runs one task through the whole pipeline: context
// assembly, routed execution, quality assessment, outcome recording and
// memory persistence. It also owns the feedback boundary that resolves
// routing decisions.
//
// Turns of one conversation are processed strictly in order; unrelated
// conversations run concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
	"github.com/fyrsmithlabs/cognitd/internal/embedcache"
	"github.com/fyrsmithlabs/cognitd/internal/events"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/logging"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/quality"
	"github.com/fyrsmithlabs/cognitd/internal/redact"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/orchestrator"

// ErrInvalidRequest is returned for malformed task or feedback requests.
var ErrInvalidRequest = errors.New("invalid request")

// Config holds the pipeline settings.
type Config struct {
	// TokenBudget bounds every assembled prompt.
	TokenBudget int
	// MaxResponseTokens is passed to the provider.
	MaxResponseTokens int
	Temperature       float64
	// AutoResolve resolves each decision right after assessment instead of
	// waiting for feedback.
	AutoResolve bool
	// DefaultTaskType is used when a request names none.
	DefaultTaskType string
	// Routes maps task types to their candidate sets.
	Routes map[string][]provider.Candidate
	// DefaultCandidates serve task types without a route.
	DefaultCandidates []provider.Candidate
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		TokenBudget:       4000,
		MaxResponseTokens: 1024,
		Temperature:       0.7,
		DefaultTaskType:   "general",
		Routes:            map[string][]provider.Candidate{},
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token budget must be positive")
	}
	if c.MaxResponseTokens < 0 {
		return fmt.Errorf("max response tokens must be non-negative")
	}
	if c.DefaultTaskType == "" {
		return fmt.Errorf("default task type is required")
	}
	if len(c.DefaultCandidates) == 0 && len(c.Routes) == 0 {
		return fmt.Errorf("at least one route or default candidate is required")
	}
	if err := checkDuplicates(c.DefaultCandidates); err != nil {
		return fmt.Errorf("default candidates: %w", err)
	}
	for taskType, cands := range c.Routes {
		if len(cands) == 0 {
			return fmt.Errorf("route %q has no candidates", taskType)
		}
		if err := checkDuplicates(cands); err != nil {
			return fmt.Errorf("route %q: %w", taskType, err)
		}
	}
	return nil
}

func checkDuplicates(cands []provider.Candidate) error {
	seen := make(map[provider.Candidate]struct{}, len(cands))
	for _, c := range cands {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate candidate %s", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Candidates returns the candidate set for taskType.
func (c Config) Candidates(taskType string) []provider.Candidate {
	if cands, ok := c.Routes[taskType]; ok {
		return cands
	}
	return c.DefaultCandidates
}

// Embedder turns text into a vector, normally through the embedding cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Redactor scrubs secrets from text before it is embedded or stored.
type Redactor interface {
	Redact(text string) redact.Result
}

// Deps are the components the pipeline drives. Redactor and Events are
// optional.
type Deps struct {
	Router    *router.Router
	Assembler *assembler.Assembler
	Memory    *memory.Store
	Embedder  Embedder
	Quality   *quality.Monitor
	Redactor  Redactor
	Events    events.Publisher
	// Cache is reported by Stats when set.
	Cache *embedcache.Cache
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStageCallback registers a callback invoked after every pipeline stage.
func WithStageCallback(fn StageCallback) Option {
	return func(o *Orchestrator) { o.onStage = fn }
}

// Orchestrator is the entry point of the system.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	locks   *conversationLocks
	onStage StageCallback

	tracer        trace.Tracer
	meter         metric.Meter
	tasks         metric.Int64Counter
	stageDuration metric.Float64Histogram
	memoryWrites  metric.Int64Counter
}

// New wires the pipeline.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Router == nil || deps.Assembler == nil || deps.Memory == nil || deps.Embedder == nil || deps.Quality == nil {
		return nil, errors.New("router, assembler, memory, embedder and quality monitor are required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: zap.NewNop(),
		locks:  newConversationLocks(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error
	o.tasks, err = o.meter.Int64Counter("cognitd.orchestrator.tasks",
		metric.WithDescription("Tasks handled, by outcome"))
	if err != nil {
		o.logger.Warn("failed to create tasks counter", zap.Error(err))
	}
	o.stageDuration, err = o.meter.Float64Histogram("cognitd.orchestrator.stage.duration",
		metric.WithDescription("Pipeline stage duration"),
		metric.WithUnit("ms"))
	if err != nil {
		o.logger.Warn("failed to create stage histogram", zap.Error(err))
	}
	o.memoryWrites, err = o.meter.Int64Counter("cognitd.orchestrator.memory_writes",
		metric.WithDescription("Memory writes, by result"))
	if err != nil {
		o.logger.Warn("failed to create memory writes counter", zap.Error(err))
	}
}

// Config returns the pipeline settings.
func (o *Orchestrator) Config() Config { return o.cfg }

// HandleTask runs one turn through the pipeline. The returned DecisionID is
// the handle for SubmitFeedback.
func (o *Orchestrator) HandleTask(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = o.cfg.DefaultTaskType
	}
	candidates := o.cfg.Candidates(taskType)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates for task type %q", router.ErrNoCandidates, taskType)
	}

	ctx = logging.WithConversationID(ctx, req.ConversationID)
	ctx = logging.WithTaskType(ctx, taskType)
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", req.ConversationID),
		attribute.String("task_type", taskType),
	)

	unlock, err := o.locks.lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	resp, err := o.run(ctx, req, taskType, candidates)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if o.tasks != nil {
		o.tasks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_type", taskType), attribute.String("outcome", outcome)))
	}
	return resp, err
}

func (o *Orchestrator) run(ctx context.Context, req TaskRequest, taskType string, candidates []provider.Candidate) (*TaskResponse, error) {
	scope := memory.Scope{ConversationID: req.ConversationID, UserID: req.UserID}

	var prompt *assembler.Prompt
	err := o.stage(ctx, StageAssemble, req.ConversationID, func(ctx context.Context) error {
		var err error
		prompt, err = o.deps.Assembler.Assemble(ctx, req.ConversationID, req.Text, o.cfg.TokenBudget, assembler.ForUser(req.UserID))
		return err
	})
	if err != nil {
		return nil, err
	}

	var result *router.Result
	err = o.stage(ctx, StageExecute, req.ConversationID, func(ctx context.Context) error {
		var err error
		result, err = o.deps.Router.Execute(ctx, taskType, candidates, prompt.Text(), provider.Params{
			MaxTokens:   o.cfg.MaxResponseTokens,
			Temperature: o.cfg.Temperature,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	decisionID := result.Selection.DecisionID
	ctx = logging.WithDecisionID(ctx, decisionID)
	response := result.Completion.Text

	var assessment *quality.Assessment
	err = o.stage(ctx, StageAssess, req.ConversationID, func(ctx context.Context) error {
		var err error
		assessment, err = o.deps.Quality.Assess(ctx, response, req.Text, scope)
		return err
	})
	if err != nil {
		o.cancelDecision(ctx, decisionID)
		return nil, err
	}

	overall := assessment.Overall
	_ = o.stage(ctx, StageObserve, req.ConversationID, func(ctx context.Context) error {
		err := o.deps.Router.RecordObservation(ctx, decisionID, router.Observation{
			Success:   true,
			LatencyMs: result.LatencyMs,
			Cost:      result.Cost,
			Tokens:    result.Completion.TokensUsed,
			Quality:   &overall,
		})
		if err != nil {
			o.logger.Warn("recording observation failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		}
		return err
	})

	resp := &TaskResponse{
		ResponseText: response,
		DecisionID:   decisionID,
		Quality:      assessment,
		Candidate:    result.Selection.Candidate,
		Exploration:  result.Selection.Exploration,
		Attempts:     result.Attempts,
		Prompt: PromptInfo{
			Tokens:           prompt.Tokens,
			Budget:           prompt.Budget,
			FastPath:         prompt.FastPath,
			Summarized:       prompt.Summarized,
			Degraded:         prompt.Degraded,
			Truncated:        prompt.Truncated,
			Fragments:        len(prompt.Fragments),
			DroppedTurns:     prompt.DroppedTurns,
			DroppedFragments: prompt.DroppedFragments,
		},
	}

	if err := o.stage(ctx, StagePersist, req.ConversationID, func(ctx context.Context) error {
		return o.persist(ctx, req, scope, response, assessment, resp)
	}); err != nil {
		o.cancelDecision(ctx, decisionID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if o.cfg.AutoResolve {
		_ = o.stage(ctx, StageResolve, req.ConversationID, func(ctx context.Context) error {
			if _, err := o.deps.Router.Resolve(ctx, decisionID, router.Outcome{Reason: router.ReasonAuto}); err != nil && !errors.Is(err, router.ErrAlreadyResolved) {
				o.logger.Warn("auto resolve failed", append(logging.ContextFields(ctx), zap.Error(err))...)
				return err
			}
			resp.Resolved = true
			return nil
		})
	}

	o.logger.Info("task handled", append(logging.ContextFields(ctx),
		zap.String("candidate", resp.Candidate.String()),
		zap.Int("attempts", resp.Attempts),
		zap.Int("prompt_tokens", resp.Prompt.Tokens),
		zap.Float64("quality", assessment.Overall),
		zap.Bool("persisted", resp.Persisted),
	)...)
	return resp, nil
}

// persist writes the exchange to memory when it passes the hallucination
// gate, then appends both turns to history. A task canceled before the
// appends leaves no turns behind. Memory write failures are logged; history
// failures fail the task.
func (o *Orchestrator) persist(ctx context.Context, req TaskRequest, scope memory.Scope, response string, a *quality.Assessment, resp *TaskResponse) error {
	if err := o.remember(ctx, req, scope, response, a, resp); err != nil {
		return err
	}

	counter := o.deps.Assembler.Counter()
	history := o.deps.Assembler.History()
	if _, err := history.Append(ctx, assembler.Turn{
		ConversationID: req.ConversationID, Role: assembler.RoleUser, Text: req.Text, Tokens: counter.Tokens(req.Text),
	}); err != nil {
		return fmt.Errorf("appending user turn: %w", err)
	}
	if _, err := history.Append(ctx, assembler.Turn{
		ConversationID: req.ConversationID, Role: assembler.RoleAssistant, Text: response, Tokens: counter.Tokens(response),
	}); err != nil {
		return fmt.Errorf("appending assistant turn: %w", err)
	}
	return nil
}

// remember embeds and stores the redacted exchange. Only context errors are
// returned.
func (o *Orchestrator) remember(ctx context.Context, req TaskRequest, scope memory.Scope, response string, a *quality.Assessment, resp *TaskResponse) error {
	if !o.deps.Quality.Persistable(a) {
		o.countWrite(ctx, "rejected")
		o.logger.Info("response not persisted to memory", append(logging.ContextFields(ctx),
			zap.Float64("hallucination", a.Hallucination))...)
		return nil
	}

	text := ExchangeText(req.Text, response)
	redactions := 0
	if o.deps.Redactor != nil {
		r := o.deps.Redactor.Redact(text)
		text, redactions = r.Text, len(r.Findings)
	}
	resp.Redactions = redactions

	vec, err := o.deps.Embedder.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.countWrite(ctx, "error")
		o.logger.Warn("embedding exchange failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		return nil
	}
	res, err := o.deps.Memory.Upsert(ctx, memory.Fragment{Scope: scope, SourceText: text, Embedding: vec})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.countWrite(ctx, "error")
		o.logger.Warn("memory write failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		return nil
	}
	resp.Persisted = true
	resp.FragmentID = res.ID
	if res.Created {
		o.countWrite(ctx, "created")
	} else {
		o.countWrite(ctx, "duplicate")
	}
	if err := o.deps.Events.MemoryWritten(ctx, events.MemoryWritten{
		ConversationID: scope.ConversationID,
		UserID:         scope.UserID,
		FragmentID:     res.ID,
		Created:        res.Created,
		Redactions:     redactions,
		At:             time.Now().UTC(),
	}); err != nil {
		o.logger.Warn("publishing memory event failed", append(logging.ContextFields(ctx), zap.Error(err))...)
	}
	return nil
}

// ExchangeText is the memory representation of one question and answer.
func ExchangeText(question, answer string) string {
	return "user: " + strings.TrimSpace(question) + "\nassistant: " + strings.TrimSpace(answer)
}

func (o *Orchestrator) countWrite(ctx context.Context, result string) {
	if o.memoryWrites != nil {
		o.memoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// cancelDecision resolves an in-flight decision with a neutral reward on a
// context that outlives the caller's cancellation.
func (o *Orchestrator) cancelDecision(ctx context.Context, id string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := o.deps.Router.Resolve(rctx, id, router.Outcome{Reason: router.ReasonCanceled}); err != nil && !errors.Is(err, router.ErrAlreadyResolved) {
		o.logger.Warn("resolving canceled decision failed", zap.String("decision_id", id), zap.Error(err))
	}
}

// SubmitFeedback resolves a decision with user feedback. Fields left nil
// fall back to the observation recorded when the task ran.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, decisionID string, fb Feedback) (*router.Decision, error) {
	if strings.TrimSpace(decisionID) == "" {
		return nil, fmt.Errorf("%w: decision id is required", ErrInvalidRequest)
	}
	ctx = logging.WithDecisionID(ctx, decisionID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit_feedback")
	defer span.End()

	d, err := o.deps.Router.Resolve(ctx, decisionID, fb.outcome())
	if err != nil {
		if errors.Is(err, router.ErrInvalidRating) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if !errors.Is(err, router.ErrAlreadyResolved) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return d, err
	}
	o.logger.Info("feedback applied", append(logging.ContextFields(ctx), zap.Float64("reward", *d.Reward))...)
	return d, nil
}

// Decision returns a decision by ID.
func (o *Orchestrator) Decision(ctx context.Context, id string) (*router.Decision, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: decision id is required", ErrInvalidRequest)
	}
	return o.deps.Router.Decision(ctx, id)
}

// PurgeConversation removes the fragments of scope. For a conversation scope
// the raw history and summary are removed too. Purging an empty scope is
// not an error and reports zero.
func (o *Orchestrator) PurgeConversation(ctx context.Context, scope memory.Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if scope.ConversationID != "" {
		unlock, err := o.locks.lock(ctx, scope.ConversationID)
		if err != nil {
			return 0, err
		}
		defer unlock()
		if err := o.deps.Assembler.History().Delete(ctx, scope.ConversationID); err != nil {
			return 0, fmt.Errorf("deleting history: %w", err)
		}
	}

	n, err := o.deps.Memory.Purge(ctx, scope)
	var notFound *memory.ScopeNotFoundError
	if errors.As(err, &notFound) {
		n, err = 0, nil
	}
	if err != nil {
		return 0, err
	}
	if perr := o.deps.Events.MemoryPurged(ctx, events.MemoryPurged{
		ConversationID: scope.ConversationID,
		UserID:         scope.UserID,
		Removed:        n,
		At:             time.Now().UTC(),
	}); perr != nil {
		o.logger.Warn("publishing purge event failed", zap.Error(perr))
	}
	o.logger.Info("scope purged", zap.String("scope", scope.String()), zap.Int("removed", n))
	return n, nil
}

// Stats reports the ledger per task type, provider health and cache use.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	l := o.deps.Router.Ledger()
	taskTypes := l.TaskTypes()
	s := Stats{Reports: make([]ledger.Report, 0, len(taskTypes))}
	for _, t := range taskTypes {
		s.Reports = append(s.Reports, l.Report(t))
	}
	if reg := o.deps.Router.Registry(); reg != nil {
		s.Health = reg.Health(ctx)
	}
	if o.deps.Cache != nil {
		cs := o.deps.Cache.Stats()
		s.Cache = &cs
	}
	return s
}

// Run drives background work (the decision sweeper) until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.deps.Router.Run(ctx)
}

// Close releases the event publisher.
func (o *Orchestrator) Close() error {
	return o.deps.Events.Close()
}

func (o *Orchestrator) stage(ctx context.Context, s Stage, conversationID string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if o.stageDuration != nil {
		o.stageDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("stage", string(s))))
	}
	if o.onStage != nil {
		o.onStage(StageEvent{Stage: s, ConversationID: conversationID, Duration: elapsed, Err: err})
	}
	return err
}
