package redact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIKeyLine = `const key = "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"`

func newRedactor(t *testing.T, a *Allowlist) *Redactor {
	t.Helper()
	r, err := New(a)
	require.NoError(t, err)
	return r
}

func TestRedact_NoSecrets(t *testing.T) {
	r := newRedactor(t, nil)
	text := "The deploy finished at noon and the dashboards look healthy."
	res := r.Redact(text)
	assert.Equal(t, text, res.Text)
	assert.False(t, res.Redacted())

	assert.Equal(t, "", r.Redact("").Text)
}

func TestRedact_ReplacesSecret(t *testing.T) {
	r := newRedactor(t, nil)
	res := r.Redact(openAIKeyLine)
	if !res.Redacted() {
		t.Skip("gitleaks did not flag the sample key")
	}
	assert.NotContains(t, res.Text, "sk-proj-abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, res.Text, "[REDACTED:")
	for _, f := range res.Findings {
		assert.NotEmpty(t, f.RuleID)
		assert.Equal(t, 1, f.Line)
	}
	total := 0
	for _, n := range res.RuleCounts() {
		total += n
	}
	assert.Equal(t, len(res.Findings), total)
}

func TestRedact_DisabledRules(t *testing.T) {
	r := newRedactor(t, nil)
	res := r.Redact(openAIKeyLine)
	if !res.Redacted() {
		t.Skip("gitleaks did not flag the sample key")
	}
	for id := range res.RuleCounts() {
		r.Disable(id)
	}
	again := r.Redact(openAIKeyLine)
	assert.False(t, again.Redacted())
	assert.Equal(t, openAIKeyLine, again.Text)
}

func TestRedact_AllowlistRegex(t *testing.T) {
	sample := newRedactor(t, nil).Redact(openAIKeyLine)
	if !sample.Redacted() {
		t.Skip("gitleaks did not flag the sample key")
	}
	r := newRedactor(t, &Allowlist{Regexes: []string{`sk-proj-abcdefghij[a-z0-9]+`}})
	res := r.Redact(openAIKeyLine)
	assert.False(t, res.Redacted())
}

func TestMarker(t *testing.T) {
	assert.Equal(t, "[REDACTED:github-pat]", Marker("github-pat"))
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()

	a, err := LoadAllowlist(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, a.Regexes)

	a, err = LoadAllowlist("")
	require.NoError(t, err)
	assert.Empty(t, a.Regexes)

	good := filepath.Join(dir, "allow.toml")
	require.NoError(t, os.WriteFile(good, []byte(strings.Join([]string{
		"[allowlist]",
		`regexes = ["example-[a-z]+"]`,
		`stopwords = ["dummy"]`,
		`disabled_rules = ["generic-api-key"]`,
	}, "\n")), 0o600))
	a, err = LoadAllowlist(good)
	require.NoError(t, err)
	assert.Equal(t, []string{"example-[a-z]+"}, a.Regexes)
	assert.Equal(t, []string{"dummy"}, a.StopWords)
	assert.Equal(t, []string{"generic-api-key"}, a.DisabledRules)

	badRegex := filepath.Join(dir, "regex.toml")
	require.NoError(t, os.WriteFile(badRegex, []byte("[allowlist]\nregexes = [\"([\"]\n"), 0o600))
	_, err = LoadAllowlist(badRegex)
	assert.ErrorIs(t, err, ErrInvalidRegex)

	badTOML := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badTOML, []byte("[allowlist\n"), 0o600))
	_, err = LoadAllowlist(badTOML)
	assert.ErrorIs(t, err, ErrInvalidTOML)
}

func TestAllowlistMerge(t *testing.T) {
	a := &Allowlist{Regexes: []string{"a"}}
	b := &Allowlist{Regexes: []string{"b"}, StopWords: []string{"x"}}
	m := a.Merge(b)
	assert.Equal(t, []string{"a", "b"}, m.Regexes)
	assert.Equal(t, []string{"x"}, m.StopWords)
	assert.Equal(t, []string{"a"}, a.Merge(nil).Regexes)
}

func TestNew_RejectsBadPattern(t *testing.T) {
	_, err := New(&Allowlist{Regexes: []string{"(["}})
	assert.ErrorIs(t, err, ErrInvalidRegex)
}
