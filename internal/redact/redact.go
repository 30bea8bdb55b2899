// Package redact scrubs secrets from text before it is embedded or stored.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID      string
	Description string
	Line        int
	Secret      string
}

// Result is the outcome of one Redact call.
type Result struct {
	Text     string
	Findings []Finding
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.Findings) > 0 }

// RuleCounts returns the number of findings per rule.
func (r Result) RuleCounts() map[string]int {
	counts := make(map[string]int, len(r.Findings))
	for _, f := range r.Findings {
		counts[f.RuleID]++
	}
	return counts
}

// Marker is the replacement for a secret matched by ruleID.
func Marker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}

// Redactor detects secrets with the gitleaks rule set.
type Redactor struct {
	cfg    gitleaksConfig.Config
	logger *zap.Logger

	mu       sync.RWMutex
	disabled map[string]bool
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Redactor) {
		if l != nil {
			r.logger = l
		}
	}
}

// New loads the default gitleaks configuration and applies allowlist.
func New(allowlist *Allowlist, opts ...Option) (*Redactor, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	r := &Redactor{cfg: base.Config, logger: zap.NewNop(), disabled: make(map[string]bool)}
	for _, opt := range opts {
		opt(r)
	}
	if allowlist != nil {
		if err := allowlist.Validate(); err != nil {
			return nil, err
		}
		r.apply(allowlist)
	}
	r.logger.Debug("redactor ready", zap.Int("rules", len(r.cfg.Rules)))
	return r, nil
}

func (r *Redactor) apply(a *Allowlist) {
	for _, id := range a.DisabledRules {
		r.disabled[id] = true
	}
	if len(a.Regexes) == 0 && len(a.StopWords) == 0 {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "cognitd allowlist"}
	for _, pattern := range a.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, a.StopWords...)
	r.cfg.Allowlists = append(r.cfg.Allowlists, global)
}

// Redact replaces every detected secret in text with its Marker.
func (r *Redactor) Redact(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Text: text}
	}
	// Detectors accumulate findings, so each call gets its own.
	raw := detect.NewDetector(r.cfg).DetectString(text)
	if len(raw) == 0 {
		return Result{Text: text}
	}

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		if f.Secret == "" || r.isDisabled(f.RuleID) {
			continue
		}
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}

	if len(findings) == 0 {
		return Result{Text: text}
	}

	// Longest first so a secret containing another is replaced whole.
	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Secret) > len(ordered[j].Secret)
	})
	out := text
	for _, f := range ordered {
		out = strings.ReplaceAll(out, f.Secret, Marker(f.RuleID))
	}

	r.logger.Info("redacted secrets", zap.Int("findings", len(findings)), zap.Any("rules", Result{Findings: findings}.RuleCounts()))
	return Result{Text: out, Findings: findings}
}

// Disable suppresses findings of a rule at runtime.
func (r *Redactor) Disable(ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[ruleID] = true
}

func (r *Redactor) isDisabled(ruleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[ruleID]
}
