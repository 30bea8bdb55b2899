// Package assembler builds the prompt for one conversation turn under a
// fixed token budget.
//
// When the full history fits, it is sent verbatim. Otherwise the assembler
// retrieves related memory fragments, folds turns outside the recency window
// into a rolling summary and trims the composition until it fits. The
// returned prompt never exceeds the budget.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/textutil"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/assembler"

// ErrInvalidInput is returned when the conversation ID is missing.
var ErrInvalidInput = errors.New("invalid assemble input")

// BudgetExceededError reports a token budget too small to hold even an empty
// message. It is a configuration problem, never a content problem.
type BudgetExceededError struct {
	Budget  int
	Minimum int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("assembler: token budget %d cannot hold a message (minimum %d)", e.Budget, e.Minimum)
}

// Config tunes assembly.
type Config struct {
	// Preamble is an optional system message placed first.
	Preamble        string
	MessageOverhead int
	// RecentTurns caps the number of raw turns kept in the recency window.
	RecentTurns int
	// RecentShare caps the share of the budget the window may use.
	RecentShare      float64
	TopK             int
	MinScore         float64
	CompressionRatio float64
}

// DefaultConfig returns the default assembly settings.
func DefaultConfig() Config {
	return Config{
		MessageOverhead:  DefaultMessageOverhead,
		RecentTurns:      10,
		RecentShare:      0.6,
		TopK:             5,
		MinScore:         0.3,
		CompressionRatio: 10,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.MessageOverhead < 0:
		return errors.New("assembler: message_overhead must be >= 0")
	case c.RecentTurns < 1:
		return errors.New("assembler: recent_turns must be >= 1")
	case c.RecentShare <= 0 || c.RecentShare > 1:
		return errors.New("assembler: recent_share must be in (0,1]")
	case c.TopK < 0:
		return errors.New("assembler: top_k must be >= 0")
	case c.CompressionRatio <= 1:
		return errors.New("assembler: compression_ratio must be > 1")
	}
	return nil
}

// Retriever searches stored memory.
type Retriever interface {
	Search(ctx context.Context, vector []float32, scope memory.Scope, k int, minScore float64) ([]memory.Match, error)
}

// QueryEmbedder embeds the new turn for retrieval.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Kind tags the origin of a prompt message.
type Kind string

const (
	KindPreamble Kind = "preamble"
	KindSummary  Kind = "summary"
	KindMemory   Kind = "memory"
	KindTurn     Kind = "turn"
	KindNew      Kind = "new"
)

// Message is one part of an assembled prompt.
type Message struct {
	Role   Role
	Kind   Kind
	Text   string
	Tokens int
	// Score is the retrieval similarity for memory messages.
	Score float64
}

// Prompt is the assembled, budget-bounded input for a provider call.
type Prompt struct {
	ConversationID string
	Messages       []Message
	Tokens         int
	Budget         int

	// FastPath is true when the raw history fit without retrieval.
	FastPath bool
	// Summarized is true when a new rolling summary was produced.
	Summarized bool
	// Degraded is true when summarization failed and old turns were dropped.
	Degraded bool
	// Truncated is true when the new turn or the most recent raw turn had to
	// be shortened because they alone exceeded the budget.
	Truncated        bool
	DroppedTurns     int
	DroppedFragments int
	Fragments        []memory.Match
}

// Text renders the prompt as "role: text" blocks.
func (p *Prompt) Text() string {
	parts := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		parts = append(parts, string(m.Role)+": "+m.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRetriever enables memory retrieval on the slow path.
func WithRetriever(r Retriever, e QueryEmbedder) Option {
	return func(a *Assembler) {
		a.retriever = r
		a.embedder = e
	}
}

// WithSummarizer replaces the default extractive summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(a *Assembler) {
		if s != nil {
			a.summarizer = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// AssembleOption adjusts a single Assemble call.
type AssembleOption func(*assembleOptions)

type assembleOptions struct {
	userID string
}

// ForUser scopes retrieval to the conversation bucket owned by userID.
func ForUser(userID string) AssembleOption {
	return func(o *assembleOptions) { o.userID = userID }
}

// Assembler composes prompts.
type Assembler struct {
	cfg        Config
	counter    Counter
	history    History
	retriever  Retriever
	embedder   QueryEmbedder
	summarizer Summarizer
	logger     *zap.Logger

	tracer     trace.Tracer
	meter      metric.Meter
	assemblies metric.Int64Counter
	tokens     metric.Int64Histogram
}

// New creates an Assembler.
func New(cfg Config, history History, opts ...Option) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if history == nil {
		return nil, errors.New("assembler: history required")
	}
	counter := NewCounter(cfg.MessageOverhead)
	a := &Assembler{
		cfg:        cfg,
		counter:    counter,
		history:    history,
		summarizer: NewExtractiveSummarizer(counter),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.initMetrics()
	return a, nil
}

func (a *Assembler) initMetrics() {
	var err error
	a.assemblies, err = a.meter.Int64Counter(
		"cognitd.assembler.assemblies",
		metric.WithDescription("Prompt assemblies by path"),
		metric.WithUnit("{assembly}"),
	)
	if err != nil {
		a.logger.Warn("failed to create assemblies counter", zap.Error(err))
	}
	a.tokens, err = a.meter.Int64Histogram(
		"cognitd.assembler.prompt_tokens",
		metric.WithDescription("Estimated tokens of assembled prompts"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		a.logger.Warn("failed to create prompt tokens histogram", zap.Error(err))
	}
}

// Counter returns the token counter in use.
func (a *Assembler) Counter() Counter { return a.counter }

// History returns the history store.
func (a *Assembler) History() History { return a.history }

func (a *Assembler) message(role Role, kind Kind, text string) Message {
	return Message{Role: role, Kind: kind, Text: text, Tokens: a.counter.Message(text)}
}

func (a *Assembler) turnMessage(t Turn) Message {
	return a.message(t.Role, KindTurn, t.Text)
}

// Assemble builds the prompt for newTurn in the given conversation.
func (a *Assembler) Assemble(ctx context.Context, conversationID, newTurn string, budget int, opts ...AssembleOption) (*Prompt, error) {
	ctx, span := a.tracer.Start(ctx, "assembler.Assemble", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.Int("budget", budget),
	))
	defer span.End()

	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id required", ErrInvalidInput)
	}
	if budget <= a.counter.Overhead {
		err := &BudgetExceededError{Budget: budget, Minimum: a.counter.Overhead + 1}
		span.RecordError(err)
		span.SetStatus(codes.Error, "budget too small")
		return nil, err
	}
	var o assembleOptions
	for _, opt := range opts {
		opt(&o)
	}

	turns, err := a.history.Turns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	p := &Prompt{ConversationID: conversationID, Budget: budget}
	var preamble *Message
	if a.cfg.Preamble != "" {
		m := a.message(RoleSystem, KindPreamble, a.cfg.Preamble)
		preamble = &m
	}
	newMsg := a.message(RoleUser, KindNew, newTurn)

	total := newMsg.Tokens
	if preamble != nil {
		total += preamble.Tokens
	}
	raw := make([]Message, len(turns))
	for i, t := range turns {
		raw[i] = a.turnMessage(t)
		total += raw[i].Tokens
	}

	if total <= budget {
		if preamble != nil {
			p.Messages = append(p.Messages, *preamble)
		}
		p.Messages = append(p.Messages, raw...)
		p.Messages = append(p.Messages, newMsg)
		p.FastPath = true
		return a.finish(ctx, span, p), nil
	}

	fragments := a.retrieve(ctx, memory.Scope{ConversationID: conversationID, UserID: o.userID}, newTurn)

	stored, err := a.history.Summary(ctx, conversationID)
	if err != nil {
		a.logger.Warn("loading summary failed", zap.String("conversation_id", conversationID), zap.Error(err))
		stored = nil
	}

	start := a.windowStart(raw, budget)
	covered, summaryText := 0, ""
	if stored != nil && stored.CoveredTurns > 0 {
		covered = stored.CoveredTurns
		if covered > len(turns)-1 {
			covered = max(len(turns)-1, 0)
		}
		summaryText = stored.Text
	}
	if covered > start {
		start = covered
	}
	if covered < start {
		target := a.summaryTarget(turns[:start])
		text, err := a.summarizer.Summarize(ctx, summaryText, turns[covered:start], target)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptySummary
		}
		if err != nil {
			a.logger.Warn("summarization failed, dropping oldest turns",
				zap.String("conversation_id", conversationID),
				zap.Int("dropped_turns", start-covered),
				zap.Error(err))
			p.Degraded = true
			p.DroppedTurns += start - covered
		} else {
			summaryText = strings.TrimSpace(text)
			covered = start
			p.Summarized = true
			if err := a.history.SaveSummary(ctx, Summary{
				ConversationID: conversationID,
				Text:           summaryText,
				CoveredTurns:   covered,
			}); err != nil {
				a.logger.Warn("saving summary failed", zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var summary *Message
	if summaryText != "" && covered > 0 {
		m := a.message(RoleSystem, KindSummary, SummaryHeader(covered)+summaryText)
		summary = &m
	}

	window := raw[start:]
	fragMsgs, kept := a.fragmentMessages(fragments, window, newTurn)
	p.Fragments = kept

	a.fit(p, preamble, summary, fragMsgs, window, newMsg)
	return a.finish(ctx, span, p), nil
}

// SummaryHeader is the first line of the summary message.
func SummaryHeader(coveredTurns int) string {
	return fmt.Sprintf("Previous conversation summary (%d turns):\n", coveredTurns)
}

func (a *Assembler) finish(ctx context.Context, span trace.Span, p *Prompt) *Prompt {
	p.Tokens = 0
	for _, m := range p.Messages {
		p.Tokens += m.Tokens
	}
	path := "compressed"
	if p.FastPath {
		path = "fast"
	}
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.Bool("truncated", p.Truncated),
	)
	if a.assemblies != nil {
		a.assemblies.Add(ctx, 1, attrs)
	}
	if a.tokens != nil {
		a.tokens.Record(ctx, int64(p.Tokens), attrs)
	}
	span.SetAttributes(
		attribute.String("path", path),
		attribute.Int("tokens", p.Tokens),
		attribute.Bool("truncated", p.Truncated),
	)
	return p
}

// retrieve embeds the new turn and searches the conversation scope. Any
// failure yields no fragments.
func (a *Assembler) retrieve(ctx context.Context, scope memory.Scope, text string) []memory.Match {
	if a.retriever == nil || a.embedder == nil || a.cfg.TopK == 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := a.embedder.EmbedQuery(ctx, text)
	if err != nil {
		a.logger.Warn("embedding new turn failed, assembling without memory",
			zap.String("conversation_id", scope.ConversationID), zap.Error(err))
		return nil
	}
	matches, err := a.retriever.Search(ctx, vec, scope, a.cfg.TopK, a.cfg.MinScore)
	if err != nil {
		var notFound *memory.ScopeNotFoundError
		if !errors.As(err, &notFound) {
			a.logger.Warn("memory search failed, assembling without memory",
				zap.String("conversation_id", scope.ConversationID), zap.Error(err))
		}
		return nil
	}
	return matches
}

// windowStart returns the index of the oldest turn in the recency window.
// The most recent turn is always included.
func (a *Assembler) windowStart(raw []Message, budget int) int {
	limit := int(a.cfg.RecentShare * float64(budget))
	start := len(raw)
	used := 0
	for i := len(raw) - 1; i >= 0 && len(raw)-i <= a.cfg.RecentTurns; i-- {
		if i < len(raw)-1 && used+raw[i].Tokens > limit {
			break
		}
		used += raw[i].Tokens
		start = i
	}
	return start
}

func (a *Assembler) summaryTarget(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += a.counter.Tokens(t.Text)
	}
	return max(1, int(math.Ceil(float64(n)/a.cfg.CompressionRatio)))
}

// fragmentMessages drops fragments already present in the window or the new
// turn and renders the rest, highest score first.
func (a *Assembler) fragmentMessages(matches []memory.Match, window []Message, newTurn string) ([]Message, []memory.Match) {
	if len(matches) == 0 {
		return nil, nil
	}
	present := make([]string, 0, len(window)+1)
	for _, m := range window {
		present = append(present, strings.ToLower(textutil.Normalize(m.Text)))
	}
	present = append(present, strings.ToLower(textutil.Normalize(newTurn)))

	var (
		msgs []Message
		kept []memory.Match
	)
	for _, m := range matches {
		text := strings.ToLower(textutil.Normalize(m.SourceText))
		if text == "" {
			continue
		}
		dup := false
		for _, p := range present {
			if strings.Contains(p, text) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		msg := a.message(RoleSystem, KindMemory, "Relevant memory: "+m.SourceText)
		msg.Score = m.Score
		msgs = append(msgs, msg)
		kept = append(kept, m)
	}
	return msgs, kept
}

// fit trims the composition to the budget: lowest-relevance fragments first,
// then the summary, then older window turns, then the preamble, and finally
// the most recent turn and the new turn themselves.
func (a *Assembler) fit(p *Prompt, preamble, summary *Message, frags, window []Message, newMsg Message) {
	var last *Message
	older := window
	if len(window) > 0 {
		m := window[len(window)-1]
		last = &m
		older = window[:len(window)-1]
	}

	total := func() int {
		n := newMsg.Tokens
		for _, m := range []*Message{preamble, summary, last} {
			if m != nil {
				n += m.Tokens
			}
		}
		for _, m := range frags {
			n += m.Tokens
		}
		for _, m := range older {
			n += m.Tokens
		}
		return n
	}

	for total() > p.Budget && len(frags) > 0 {
		frags = frags[:len(frags)-1]
		p.DroppedFragments++
	}
	if len(p.Fragments) > len(frags) {
		p.Fragments = p.Fragments[:len(frags)]
	}

	if excess := total() - p.Budget; excess > 0 && summary != nil {
		allowed := a.counter.Tokens(summary.Text) - excess
		header := SummaryHeader(0)
		if allowed <= a.counter.Tokens(header)+1 {
			summary = nil
		} else {
			summary.Text = a.counter.Truncate(summary.Text, allowed)
			summary.Tokens = a.counter.Message(summary.Text)
		}
	}

	for total() > p.Budget && len(older) > 0 {
		older = older[1:]
		p.DroppedTurns++
	}

	if total() > p.Budget {
		a.shrink(&preamble, total()-p.Budget)
	}
	if total() > p.Budget {
		p.Truncated = true
		a.shrink(&last, total()-p.Budget)
	}
	if excess := total() - p.Budget; excess > 0 {
		newMsg.Text = a.counter.Truncate(newMsg.Text, a.counter.Tokens(newMsg.Text)-excess)
		newMsg.Tokens = a.counter.Message(newMsg.Text)
	}

	if preamble != nil {
		p.Messages = append(p.Messages, *preamble)
	}
	if summary != nil {
		p.Messages = append(p.Messages, *summary)
	}
	p.Messages = append(p.Messages, frags...)
	p.Messages = append(p.Messages, older...)
	if last != nil {
		p.Messages = append(p.Messages, *last)
	}
	p.Messages = append(p.Messages, newMsg)
}

// shrink removes excess tokens from *m, dropping it when nothing useful
// would remain.
func (a *Assembler) shrink(m **Message, excess int) {
	if *m == nil || excess <= 0 {
		return
	}
	allowed := a.counter.Tokens((*m).Text) - excess
	if allowed <= 0 {
		*m = nil
		return
	}
	msg := **m
	msg.Text = a.counter.Truncate(msg.Text, allowed)
	msg.Tokens = a.counter.Message(msg.Text)
	*m = &msg
}
