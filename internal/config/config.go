// Package config loads cognitd configuration from a YAML or TOML file with
// COGNITD_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
	"github.com/fyrsmithlabs/cognitd/internal/embedcache"
	"github.com/fyrsmithlabs/cognitd/internal/events"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/logging"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/quality"
	"github.com/fyrsmithlabs/cognitd/internal/router"
	"github.com/fyrsmithlabs/cognitd/internal/telemetry"
)

// Config is the complete cognitd configuration.
type Config struct {
	Server       ServerConfig              `koanf:"server"`
	Logging      logging.Config            `koanf:"logging"`
	Telemetry    telemetry.Config          `koanf:"telemetry"`
	Storage      StorageConfig             `koanf:"storage"`
	Providers    map[string]ProviderConfig `koanf:"providers"`
	Pricing      PricingConfig             `koanf:"pricing"`
	Embedder     EmbedderConfig            `koanf:"embedder"`
	EmbedCache   EmbedCacheConfig          `koanf:"embedcache"`
	Memory       MemoryConfig              `koanf:"memory"`
	Router       RouterConfig              `koanf:"router"`
	Ledger       LedgerConfig              `koanf:"ledger"`
	Assembler    AssemblerConfig           `koanf:"assembler"`
	Quality      QualityConfig             `koanf:"quality"`
	Orchestrator OrchestratorConfig        `koanf:"orchestrator"`
	Events       EventsConfig              `koanf:"events"`
	Redact       RedactConfig              `koanf:"redact"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	// Path is a directory, a database file, or ":memory:".
	Path string `koanf:"path"`
}

// ProviderConfig configures one named language model provider.
type ProviderConfig struct {
	Kind    string `koanf:"kind"` // anthropic, openai or langchain
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv    string   `koanf:"api_key_env"`
	DefaultModel string   `koanf:"default_model"`
	Timeout      Duration `koanf:"timeout"`
	RateLimit    float64  `koanf:"rate_limit"`
	Burst        int      `koanf:"burst"`
	MaxRetries   int      `koanf:"max_retries"`
}

// Key returns the API key, preferring the configured environment variable.
func (p ProviderConfig) Key() Secret {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return Secret(v)
		}
	}
	return p.APIKey
}

// HTTPConfig converts p into the provider client settings.
func (p ProviderConfig) HTTPConfig(name string) provider.HTTPConfig {
	return provider.HTTPConfig{
		Name:         name,
		BaseURL:      p.BaseURL,
		APIKey:       p.Key().Value(),
		DefaultModel: p.DefaultModel,
		Timeout:      p.Timeout.Duration(),
		RateLimit:    p.RateLimit,
		Burst:        p.Burst,
		MaxRetries:   p.MaxRetries,
	}
}

// PricingConfig lists prices per 1000 tokens. Model names often contain
// dots, so entries are a list rather than a keyed table.
type PricingConfig struct {
	Prices  []PriceEntry `koanf:"prices"`
	Default float64      `koanf:"default"`
}

// PriceEntry prices a "provider/model" or "provider/*" candidate.
type PriceEntry struct {
	Candidate string  `koanf:"candidate"`
	Per1K     float64 `koanf:"per_1k"`
}

// EmbedderConfig selects the embedding backend.
type EmbedderConfig struct {
	Kind      string `koanf:"kind"` // tei, fastembed or langchain
	Model     string `koanf:"model"`
	Dimension int    `koanf:"dimension"`
	CacheDir  string `koanf:"cache_dir"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
}

// EmbedCacheConfig bounds the embedding cache.
type EmbedCacheConfig struct {
	TTL         Duration `koanf:"ttl"`
	MaxEntries  int      `koanf:"max_entries"`
	BatchSize   int      `koanf:"batch_size"`
	Concurrency int      `koanf:"concurrency"`
	CallTimeout Duration `koanf:"call_timeout"`
}

// MemoryConfig selects and tunes the vector backend.
type MemoryConfig struct {
	Backend                string        `koanf:"backend"` // chromem or qdrant
	NearDuplicateThreshold float64       `koanf:"near_duplicate_threshold"`
	Oversample             int           `koanf:"oversample"`
	Chromem                ChromemConfig `koanf:"chromem"`
	Qdrant                 QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	APIKey         Secret `koanf:"api_key"`
	UseTLS         bool   `koanf:"use_tls"`
	CollectionName string `koanf:"collection_name"`
	VectorSize     uint64 `koanf:"vector_size"`
}

// RouterConfig holds the selection tunables. These reload without restart.
type RouterConfig struct {
	Epsilon         float64      `koanf:"epsilon"`
	RetryCap        int          `koanf:"retry_cap"`
	CallTimeout     Duration     `koanf:"call_timeout"`
	DecisionTimeout Duration     `koanf:"decision_timeout"`
	SweepInterval   Duration     `koanf:"sweep_interval"`
	Reward          RewardConfig `koanf:"reward"`
}

// RewardConfig weights the composite reward.
type RewardConfig struct {
	QualityWeight  float64 `koanf:"quality_weight"`
	CostWeight     float64 `koanf:"cost_weight"`
	LatencyWeight  float64 `koanf:"latency_weight"`
	CostRef        float64 `koanf:"cost_ref"`
	LatencyRefMs   float64 `koanf:"latency_ref_ms"`
	FailurePenalty float64 `koanf:"failure_penalty"`
}

// LedgerConfig holds the learning tunables.
type LedgerConfig struct {
	LearningRate float64 `koanf:"learning_rate"`
	Floor        float64 `koanf:"floor"`
	Temperature  float64 `koanf:"temperature"`
}

// AssemblerConfig tunes prompt assembly.
type AssemblerConfig struct {
	Preamble         string  `koanf:"preamble"`
	MessageOverhead  int     `koanf:"message_overhead"`
	RecentTurns      int     `koanf:"recent_turns"`
	RecentShare      float64 `koanf:"recent_share"`
	TopK             int     `koanf:"top_k"`
	MinScore         float64 `koanf:"min_score"`
	CompressionRatio float64 `koanf:"compression_ratio"`
}

// QualityConfig holds the assessment weights.
type QualityConfig struct {
	HallucinationThreshold float64  `koanf:"hallucination_threshold"`
	IndicatorWeight        float64  `koanf:"indicator_weight"`
	HeuristicWeight        float64  `koanf:"heuristic_weight"`
	VerifierWeight         float64  `koanf:"verifier_weight"`
	ConfidenceWeight       float64  `koanf:"confidence_weight"`
	GroundednessWeight     float64  `koanf:"groundedness_weight"`
	RelevanceWeight        float64  `koanf:"relevance_weight"`
	EvidenceK              int      `koanf:"evidence_k"`
	EvidenceMinScore       float64  `koanf:"evidence_min_score"`
	CallTimeout            Duration `koanf:"call_timeout"`
	// Verifier is a "provider/model" used for claim verification; empty
	// disables it.
	Verifier string `koanf:"verifier"`
	// Summarizer is a "provider/model" used to compress old turns; empty
	// falls back to extractive summaries.
	Summarizer string `koanf:"summarizer"`
}

// OrchestratorConfig holds pipeline settings and routes.
type OrchestratorConfig struct {
	TokenBudget       int     `koanf:"token_budget"`
	MaxResponseTokens int     `koanf:"max_response_tokens"`
	Temperature       float64 `koanf:"temperature"`
	AutoResolve       bool    `koanf:"auto_resolve"`
	DefaultTaskType   string  `koanf:"default_task_type"`
	// Routes maps a task type to "provider/model" candidates.
	Routes            map[string][]string `koanf:"routes"`
	DefaultCandidates []string            `koanf:"default_candidates"`
}

// EventsConfig configures NATS publication.
type EventsConfig struct {
	Enabled       bool     `koanf:"enabled"`
	URL           string   `koanf:"url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// RedactConfig controls secret scrubbing before memory writes.
type RedactConfig struct {
	Enabled       bool     `koanf:"enabled"`
	AllowlistPath string   `koanf:"allowlist_path"`
	DisabledRules []string `koanf:"disabled_rules"`
}

// Default returns the built-in configuration.
func Default() *Config {
	r := router.DefaultConfig()
	l := ledger.DefaultConfig()
	ec := embedcache.DefaultConfig()
	m := memory.DefaultConfig()
	a := assembler.DefaultConfig()
	q := quality.DefaultConfig()
	o := orchestrator.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
		Storage:   StorageConfig{Path: "~/.config/cognitd"},
		Providers: map[string]ProviderConfig{},
		Embedder: EmbedderConfig{
			Kind:      provider.EmbedderFastEmbed,
			Model:     "BAAI/bge-small-en-v1.5",
			Dimension: 384,
		},
		EmbedCache: EmbedCacheConfig{
			TTL:         Duration(ec.TTL),
			MaxEntries:  ec.MaxEntries,
			BatchSize:   ec.BatchSize,
			Concurrency: ec.Concurrency,
			CallTimeout: Duration(ec.CallTimeout),
		},
		Memory: MemoryConfig{
			Backend:                "chromem",
			NearDuplicateThreshold: m.NearDuplicateThreshold,
			Oversample:             m.Oversample,
			Chromem:                ChromemConfig{Path: "~/.config/cognitd/vectorstore", Compress: true},
			Qdrant: QdrantConfig{
				Host:           "localhost",
				Port:           6334,
				CollectionName: "cognitd_memory",
				VectorSize:     384,
			},
		},
		Router: RouterConfig{
			Epsilon:         r.Epsilon,
			RetryCap:        r.RetryCap,
			CallTimeout:     Duration(r.CallTimeout),
			DecisionTimeout: Duration(r.DecisionTimeout),
			SweepInterval:   Duration(r.SweepInterval),
			Reward: RewardConfig{
				QualityWeight:  r.Reward.QualityWeight,
				CostWeight:     r.Reward.CostWeight,
				LatencyWeight:  r.Reward.LatencyWeight,
				CostRef:        r.Reward.CostRef,
				LatencyRefMs:   r.Reward.LatencyRefMs,
				FailurePenalty: r.Reward.FailurePenalty,
			},
		},
		Ledger: LedgerConfig{
			LearningRate: l.LearningRate,
			Floor:        l.Floor,
			Temperature:  l.Temperature,
		},
		Assembler: AssemblerConfig{
			Preamble:         a.Preamble,
			MessageOverhead:  a.MessageOverhead,
			RecentTurns:      a.RecentTurns,
			RecentShare:      a.RecentShare,
			TopK:             a.TopK,
			MinScore:         a.MinScore,
			CompressionRatio: a.CompressionRatio,
		},
		Quality: QualityConfig{
			HallucinationThreshold: q.HallucinationThreshold,
			IndicatorWeight:        q.IndicatorWeight,
			HeuristicWeight:        q.HeuristicWeight,
			VerifierWeight:         q.VerifierWeight,
			ConfidenceWeight:       q.ConfidenceWeight,
			GroundednessWeight:     q.GroundednessWeight,
			RelevanceWeight:        q.RelevanceWeight,
			EvidenceK:              q.EvidenceK,
			EvidenceMinScore:       q.EvidenceMinScore,
			CallTimeout:            Duration(q.CallTimeout),
		},
		Orchestrator: OrchestratorConfig{
			TokenBudget:       o.TokenBudget,
			MaxResponseTokens: o.MaxResponseTokens,
			Temperature:       o.Temperature,
			AutoResolve:       o.AutoResolve,
			DefaultTaskType:   o.DefaultTaskType,
			Routes:            map[string][]string{},
		},
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: events.DefaultPrefix,
			MaxReconnects: 5,
			ReconnectWait: Duration(time.Second),
		},
		Redact: RedactConfig{
			Enabled:       true,
			AllowlistPath: "~/.config/cognitd/allowlist.toml",
		},
	}
}

// RouterSettings converts the router section.
func (c *Config) RouterSettings() router.Config {
	r := c.Router
	return router.Config{
		Epsilon:         r.Epsilon,
		RetryCap:        r.RetryCap,
		CallTimeout:     r.CallTimeout.Duration(),
		DecisionTimeout: r.DecisionTimeout.Duration(),
		SweepInterval:   r.SweepInterval.Duration(),
		Reward: router.RewardConfig{
			QualityWeight:  r.Reward.QualityWeight,
			CostWeight:     r.Reward.CostWeight,
			LatencyWeight:  r.Reward.LatencyWeight,
			CostRef:        r.Reward.CostRef,
			LatencyRefMs:   r.Reward.LatencyRefMs,
			FailurePenalty: r.Reward.FailurePenalty,
		},
	}
}

// LedgerSettings converts the ledger section.
func (c *Config) LedgerSettings() ledger.Config {
	return ledger.Config{
		LearningRate: c.Ledger.LearningRate,
		Floor:        c.Ledger.Floor,
		Temperature:  c.Ledger.Temperature,
	}
}

// EmbedCacheSettings converts the embedding cache section.
func (c *Config) EmbedCacheSettings() embedcache.Config {
	return embedcache.Config{
		TTL:         c.EmbedCache.TTL.Duration(),
		MaxEntries:  c.EmbedCache.MaxEntries,
		BatchSize:   c.EmbedCache.BatchSize,
		Concurrency: c.EmbedCache.Concurrency,
		CallTimeout: c.EmbedCache.CallTimeout.Duration(),
	}
}

// EmbedderSettings converts the embedder section.
func (c *Config) EmbedderSettings() provider.EmbedderConfig {
	e := c.Embedder
	return provider.EmbedderConfig{
		Kind:      e.Kind,
		Model:     e.Model,
		Dimension: e.Dimension,
		CacheDir:  e.CacheDir,
		HTTP: provider.HTTPConfig{
			Name:    e.Kind,
			BaseURL: e.BaseURL,
			APIKey:  e.APIKey.Value(),
		},
	}
}

// MemorySettings converts the retrieval tunables.
func (c *Config) MemorySettings() memory.Config {
	return memory.Config{
		NearDuplicateThreshold: c.Memory.NearDuplicateThreshold,
		Oversample:             c.Memory.Oversample,
	}
}

// ChromemSettings converts the chromem backend section.
func (c *Config) ChromemSettings() memory.ChromemConfig {
	return memory.ChromemConfig{Path: c.Memory.Chromem.Path, Compress: c.Memory.Chromem.Compress}
}

// QdrantSettings converts the qdrant backend section.
func (c *Config) QdrantSettings() memory.QdrantConfig {
	q := c.Memory.Qdrant
	cfg := memory.QdrantConfig{
		Host:           q.Host,
		Port:           q.Port,
		APIKey:         q.APIKey.Value(),
		UseTLS:         q.UseTLS,
		CollectionName: q.CollectionName,
		VectorSize:     q.VectorSize,
	}
	cfg.ApplyDefaults()
	return cfg
}

// AssemblerSettings converts the assembler section.
func (c *Config) AssemblerSettings() assembler.Config {
	a := c.Assembler
	return assembler.Config{
		Preamble:         a.Preamble,
		MessageOverhead:  a.MessageOverhead,
		RecentTurns:      a.RecentTurns,
		RecentShare:      a.RecentShare,
		TopK:             a.TopK,
		MinScore:         a.MinScore,
		CompressionRatio: a.CompressionRatio,
	}
}

// QualitySettings converts the quality section.
func (c *Config) QualitySettings() quality.Config {
	q := c.Quality
	return quality.Config{
		HallucinationThreshold: q.HallucinationThreshold,
		IndicatorWeight:        q.IndicatorWeight,
		HeuristicWeight:        q.HeuristicWeight,
		VerifierWeight:         q.VerifierWeight,
		ConfidenceWeight:       q.ConfidenceWeight,
		GroundednessWeight:     q.GroundednessWeight,
		RelevanceWeight:        q.RelevanceWeight,
		EvidenceK:              q.EvidenceK,
		EvidenceMinScore:       q.EvidenceMinScore,
		CallTimeout:            q.CallTimeout.Duration(),
	}
}

// OrchestratorSettings converts the orchestrator section, parsing every
// candidate.
func (c *Config) OrchestratorSettings() (orchestrator.Config, error) {
	o := c.Orchestrator
	cfg := orchestrator.Config{
		TokenBudget:       o.TokenBudget,
		MaxResponseTokens: o.MaxResponseTokens,
		Temperature:       o.Temperature,
		AutoResolve:       o.AutoResolve,
		DefaultTaskType:   o.DefaultTaskType,
		Routes:            make(map[string][]provider.Candidate, len(o.Routes)),
	}
	for taskType, specs := range o.Routes {
		cands, err := parseCandidates(specs)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("route %q: %w", taskType, err)
		}
		cfg.Routes[taskType] = cands
	}
	cands, err := parseCandidates(o.DefaultCandidates)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("default candidates: %w", err)
	}
	cfg.DefaultCandidates = cands
	return cfg, nil
}

// EventsSettings converts the events section.
func (c *Config) EventsSettings() events.Config {
	return events.Config{
		URL:           c.Events.URL,
		SubjectPrefix: c.Events.SubjectPrefix,
		MaxReconnects: c.Events.MaxReconnects,
		ReconnectWait: c.Events.ReconnectWait.Duration(),
	}
}

// PriceTable converts the pricing section.
func (c *Config) PriceTable() provider.PriceTable {
	prices := make(map[string]float64, len(c.Pricing.Prices))
	for _, e := range c.Pricing.Prices {
		prices[e.Candidate] = e.Per1K
	}
	return provider.PriceTable{Prices: prices, Default: c.Pricing.Default}
}

// ProviderNames returns the configured provider names in order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseCandidates(specs []string) ([]provider.Candidate, error) {
	out := make([]provider.Candidate, 0, len(specs))
	for _, s := range specs {
		cand, err := provider.ParseCandidate(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	return out, nil
}

// Validate checks every section and that routes only name configured
// providers. Route presence is enforced when the orchestrator is built.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.Port))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := c.RouterSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := c.LedgerSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if err := c.AssemblerSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("assembler: %w", err))
	}
	if err := c.QualitySettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quality: %w", err))
	}

	switch c.Memory.Backend {
	case "chromem":
	case "qdrant":
		if err := c.QdrantSettings().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("memory.qdrant: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend must be chromem or qdrant, got %q", c.Memory.Backend))
	}

	for name, p := range c.Providers {
		switch p.Kind {
		case provider.KindAnthropic, provider.KindOpenAI, provider.KindLangChain:
		default:
			errs = append(errs, fmt.Errorf("providers.%s: unknown kind %q", name, p.Kind))
		}
	}

	oc, err := c.OrchestratorSettings()
	if err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	} else if len(oc.Routes) > 0 || len(oc.DefaultCandidates) > 0 {
		// Without routes the config still serves read-only commands.
		if err := oc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
		errs = append(errs, c.checkRouteProviders(oc)...)
	}
	for _, spec := range []string{c.Quality.Verifier, c.Quality.Summarizer} {
		if spec == "" {
			continue
		}
		cand, err := provider.ParseCandidate(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("quality: %w", err))
			continue
		}
		if _, ok := c.Providers[cand.Provider]; !ok {
			errs = append(errs, fmt.Errorf("quality: %s names unconfigured provider %q", spec, cand.Provider))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) checkRouteProviders(oc orchestrator.Config) []error {
	var errs []error
	check := func(where string, cands []provider.Candidate) {
		for _, cand := range cands {
			if _, ok := c.Providers[cand.Provider]; !ok {
				errs = append(errs, fmt.Errorf("%s: candidate %s names unconfigured provider %q", where, cand, cand.Provider))
			}
		}
	}
	for taskType, cands := range oc.Routes {
		check("orchestrator.routes."+taskType, cands)
	}
	check("orchestrator.default_candidates", oc.DefaultCandidates)
	return errs
}
