// Package quality scores model responses for hallucination risk, confidence
// and relevance. Scores feed the router's reward and decide whether a turn
// may be written to memory.
package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/textutil"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/quality"

// ErrUnparseableScore is returned when a provider reply holds no score.
var ErrUnparseableScore = errors.New("no score in reply")

// Config holds the scoring weights and thresholds.
type Config struct {
	// HallucinationThreshold is the highest hallucination score a turn may
	// have and still be persisted to memory.
	HallucinationThreshold float64
	// IndicatorWeight is added per matched hallucination pattern.
	IndicatorWeight float64
	// HeuristicWeight and VerifierWeight blend the pattern score with the
	// verification call when one is configured.
	HeuristicWeight float64
	VerifierWeight  float64

	ConfidenceWeight   float64
	GroundednessWeight float64
	RelevanceWeight    float64

	// EvidenceK fragments from the scope are shown to the verifier.
	EvidenceK        int
	EvidenceMinScore float64
	CallTimeout      time.Duration
}

// DefaultConfig returns the default weights.
func DefaultConfig() Config {
	return Config{
		HallucinationThreshold: 0.6,
		IndicatorWeight:        0.2,
		HeuristicWeight:        0.6,
		VerifierWeight:         0.4,
		ConfidenceWeight:       0.3,
		GroundednessWeight:     0.4,
		RelevanceWeight:        0.3,
		EvidenceK:              3,
		EvidenceMinScore:       0.5,
		CallTimeout:            20 * time.Second,
	}
}

// Validate checks weights and thresholds.
func (c Config) Validate() error {
	if c.HallucinationThreshold < 0 || c.HallucinationThreshold > 1 {
		return fmt.Errorf("quality: hallucination_threshold must be in [0,1], got %v", c.HallucinationThreshold)
	}
	for name, w := range map[string]float64{
		"indicator_weight":    c.IndicatorWeight,
		"heuristic_weight":    c.HeuristicWeight,
		"verifier_weight":     c.VerifierWeight,
		"confidence_weight":   c.ConfidenceWeight,
		"groundedness_weight": c.GroundednessWeight,
		"relevance_weight":    c.RelevanceWeight,
	} {
		if w < 0 {
			return fmt.Errorf("quality: %s must be >= 0", name)
		}
	}
	if c.HeuristicWeight+c.VerifierWeight == 0 {
		return errors.New("quality: heuristic_weight and verifier_weight cannot both be 0")
	}
	if c.ConfidenceWeight+c.GroundednessWeight+c.RelevanceWeight == 0 {
		return errors.New("quality: overall weights cannot all be 0")
	}
	return nil
}

// Assessment is the scored result for one response. All scores are in
// [0,1]; higher Hallucination means more likely fabricated.
type Assessment struct {
	Overall       float64
	Hallucination float64
	Confidence    float64
	Relevance     float64
	Suggestions   []string

	Indicators []string
	// Verified is true when the verification call contributed.
	Verified bool
	// SelfRated is true when Confidence came from the rating call.
	SelfRated bool
	Evidence  []string
}

// Retriever provides scope fragments used as verification evidence.
type Retriever interface {
	Search(ctx context.Context, vector []float32, scope memory.Scope, k int, minScore float64) ([]memory.Match, error)
}

// QueryEmbedder embeds the query for evidence lookup.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type indicator struct {
	name    string
	pattern *regexp.Regexp
}

var indicators = []indicator{
	{"uncertainty", regexp.MustCompile(`\b(i think|i believe|probably|maybe|perhaps|possibly)\b`)},
	{"hedging", regexp.MustCompile(`as far as i know|to the best of my knowledge`)},
	{"unsupported figure", regexp.MustCompile(`\d{4,}`)},
	{"vague citation", regexp.MustCompile(`according to (recent )?studies|according to experts`)},
	{"vague attribution", regexp.MustCompile(`research shows|studies (indicate|show)|experts agree`)},
}

var scorePattern = regexp.MustCompile(`(?:^|[^\d.])((?:0|1)?\.\d+|[01](?:\.\d+)?)`)

// Option configures a Monitor.
type Option func(*Monitor)

// WithVerifier enables the verification call.
func WithVerifier(c provider.Completer, params provider.Params) Option {
	return func(m *Monitor) {
		m.verifier = c
		m.verifierParams = params
	}
}

// WithConfidenceRater enables the self-rated confidence call.
func WithConfidenceRater(c provider.Completer, params provider.Params) Option {
	return func(m *Monitor) {
		m.rater = c
		m.raterParams = params
	}
}

// WithEvidence lets the verifier see fragments from the task's scope.
func WithEvidence(r Retriever, e QueryEmbedder) Option {
	return func(m *Monitor) {
		m.retriever = r
		m.embedder = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Monitor assesses responses.
type Monitor struct {
	cfg            Config
	verifier       provider.Completer
	verifierParams provider.Params
	rater          provider.Completer
	raterParams    provider.Params
	retriever      Retriever
	embedder       QueryEmbedder
	logger         *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	overall     metric.Float64Histogram
	degradation metric.Int64Counter
}

// New creates a Monitor.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m, nil
}

func (m *Monitor) initMetrics() {
	var err error
	m.overall, err = m.meter.Float64Histogram(
		"cognitd.quality.overall",
		metric.WithDescription("Overall quality score of assessed responses"),
	)
	if err != nil {
		m.logger.Warn("failed to create overall histogram", zap.Error(err))
	}
	m.degradation, err = m.meter.Int64Counter(
		"cognitd.quality.degraded_calls",
		metric.WithDescription("Verification or rating calls that failed and fell back to heuristics"),
	)
	if err != nil {
		m.logger.Warn("failed to create degradation counter", zap.Error(err))
	}
}

// Config returns the active configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Persistable reports whether an assessed turn may be written to memory.
func (m *Monitor) Persistable(a *Assessment) bool {
	return a != nil && a.Hallucination <= m.cfg.HallucinationThreshold
}

// Assess scores response against the originating query. Provider call
// failures degrade to heuristics; only context cancellation is returned.
func (m *Monitor) Assess(ctx context.Context, response, query string, scope memory.Scope) (*Assessment, error) {
	ctx, span := m.tracer.Start(ctx, "quality.Assess")
	defer span.End()

	heuristic, found := Heuristic(response, m.cfg.IndicatorWeight)
	a := &Assessment{
		Relevance:  Relevance(response, query),
		Indicators: found,
	}

	var (
		verifierScore float64
		verified      bool
		confidence    float64
		rated         bool
	)
	g, gctx := errgroup.WithContext(ctx)
	if m.verifier != nil {
		g.Go(func() error {
			evidence := m.evidence(gctx, query, scope)
			score, err := m.verify(gctx, response, query, evidence)
			if err != nil {
				m.degraded(gctx, "verifier", err)
				return nil
			}
			a.Evidence = evidence
			verifierScore, verified = score, true
			return nil
		})
	}
	if m.rater != nil {
		g.Go(func() error {
			score, err := m.rate(gctx, response)
			if err != nil {
				m.degraded(gctx, "confidence", err)
				return nil
			}
			confidence, rated = score, true
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.Hallucination = heuristic
	if verified {
		total := m.cfg.HeuristicWeight + m.cfg.VerifierWeight
		a.Hallucination = clamp01((m.cfg.HeuristicWeight*heuristic + m.cfg.VerifierWeight*verifierScore) / total)
		a.Verified = true
	}
	if rated {
		a.Confidence = confidence
		a.SelfRated = true
	} else {
		a.Confidence = 1 - a.Hallucination
	}

	wsum := m.cfg.ConfidenceWeight + m.cfg.GroundednessWeight + m.cfg.RelevanceWeight
	a.Overall = clamp01((m.cfg.ConfidenceWeight*a.Confidence +
		m.cfg.GroundednessWeight*(1-a.Hallucination) +
		m.cfg.RelevanceWeight*a.Relevance) / wsum)
	a.Suggestions = suggestions(a)

	if m.overall != nil {
		m.overall.Record(ctx, a.Overall, metric.WithAttributes(attribute.Bool("verified", a.Verified)))
	}
	span.SetAttributes(
		attribute.Float64("quality.overall", a.Overall),
		attribute.Float64("quality.hallucination", a.Hallucination),
	)
	m.logger.Debug("response assessed",
		zap.Float64("overall", a.Overall),
		zap.Float64("hallucination", a.Hallucination),
		zap.Float64("confidence", a.Confidence),
		zap.Float64("relevance", a.Relevance),
		zap.Bool("verified", a.Verified))
	return a, nil
}

func (m *Monitor) degraded(ctx context.Context, call string, err error) {
	if ctx.Err() != nil {
		return
	}
	m.logger.Warn("quality call failed, using heuristics", zap.String("call", call), zap.Error(err))
	if m.degradation != nil {
		m.degradation.Add(ctx, 1, metric.WithAttributes(attribute.String("call", call)))
	}
}

func (m *Monitor) evidence(ctx context.Context, query string, scope memory.Scope) []string {
	if m.retriever == nil || m.embedder == nil || m.cfg.EvidenceK == 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	if scope.Validate() != nil {
		return nil
	}
	vec, err := m.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil
	}
	matches, err := m.retriever.Search(ctx, vec, scope, m.cfg.EvidenceK, m.cfg.EvidenceMinScore)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		out = append(out, match.SourceText)
	}
	return out
}

func (m *Monitor) call(ctx context.Context, c provider.Completer, prompt string, params provider.Params) (string, error) {
	if m.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
	}
	if params.Temperature == 0 {
		params.Temperature = 0.2
	}
	completion, err := c.Complete(ctx, prompt, params)
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

func (m *Monitor) verify(ctx context.Context, response, query string, evidence []string) (float64, error) {
	var b strings.Builder
	b.WriteString("You are a fact-checker. Estimate how likely the response below contains fabricated or unsupported claims.\n\n")
	fmt.Fprintf(&b, "Question:\n%s\n\nResponse:\n%s\n\n", query, response)
	if len(evidence) > 0 {
		b.WriteString("Known facts from this conversation:\n")
		for _, e := range evidence {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteByte('\n')
		}
		b.WriteString("\nAnswer INCONSISTENT if the response contradicts these facts.\n")
	}
	b.WriteString("Respond with only a number between 0.0 (fully supported) and 1.0 (fabricated), or CONSISTENT / INCONSISTENT.")

	text, err := m.call(ctx, m.verifier, b.String(), m.verifierParams)
	if err != nil {
		return 0, err
	}
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "INCONSISTENT"):
		return 1, nil
	case strings.Contains(upper, "CONSISTENT"):
		return 0, nil
	}
	return ParseScore(text)
}

func (m *Monitor) rate(ctx context.Context, response string) (float64, error) {
	prompt := "Assess how confident this response is:\n\n" + response + "\n\n" +
		"Rate the confidence level from 0.0 (very uncertain) to 1.0 (very confident). " +
		"Definitive statements are confident; hedging and vague claims are not.\n\n" +
		"Respond with only a number between 0.0 and 1.0."
	text, err := m.call(ctx, m.rater, prompt, m.raterParams)
	if err != nil {
		return 0, err
	}
	return ParseScore(text)
}

// Heuristic counts matched hallucination patterns and returns
// min(1, weight*matches) with the names of the matched patterns.
func Heuristic(response string, weight float64) (float64, []string) {
	lower := strings.ToLower(response)
	var found []string
	for _, ind := range indicators {
		if ind.pattern.MatchString(lower) {
			found = append(found, ind.name)
		}
	}
	return math.Min(1, weight*float64(len(found))), found
}

// Relevance is min(1, 1.5*(0.4*jaccard + 0.6*coverage)) over the
// stopword-filtered terms of response and query.
func Relevance(response, query string) float64 {
	q := textutil.Set(textutil.Terms(query))
	r := textutil.Set(textutil.Terms(response))
	if len(q) == 0 || len(r) == 0 {
		return 0
	}
	score := 0.4*textutil.Jaccard(q, r) + 0.6*textutil.Coverage(q, r)
	return math.Min(1, 1.5*score)
}

// ParseScore extracts the first number in [0,1] from a model reply.
func ParseScore(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return clamp01(v), nil
	}
	match := scorePattern.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableScore, text)
	}
	v, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableScore, text)
	}
	return clamp01(v), nil
}

func suggestions(a *Assessment) []string {
	var out []string
	if a.Confidence < 0.5 {
		out = append(out, "Response seems uncertain. Consider a more capable model or more context.")
	}
	if a.Hallucination > 0.5 {
		out = append(out, "High hallucination risk detected. Verify facts before using this response.")
	}
	if a.Relevance < 0.5 {
		out = append(out, "Response may not be fully relevant to the query. Consider rephrasing the question.")
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
