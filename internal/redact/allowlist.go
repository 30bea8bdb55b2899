package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML is returned for an allowlist file that does not parse.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex is returned for an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist pattern")
)

// Allowlist holds content patterns that are never redacted, plus rule IDs
// that are disabled entirely.
type Allowlist struct {
	Regexes       []string `toml:"regexes"`
	StopWords     []string `toml:"stopwords"`
	DisabledRules []string `toml:"disabled_rules"`
}

// LoadAllowlist reads an allowlist file of the form
//
//	[allowlist]
//	regexes = ["example-[a-z]+"]
//	stopwords = ["dummy"]
//	disabled_rules = ["generic-api-key"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	if err := file.Allowlist.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &file.Allowlist, nil
}

// Validate compiles every pattern.
func (a *Allowlist) Validate() error {
	for _, pattern := range a.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
	}
	return nil
}

// Merge returns the union of two allowlists.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := &Allowlist{}
	for _, src := range []*Allowlist{a, other} {
		if src == nil {
			continue
		}
		out.Regexes = append(out.Regexes, src.Regexes...)
		out.StopWords = append(out.StopWords, src.StopWords...)
		out.DisabledRules = append(out.DisabledRules, src.DisabledRules...)
	}
	return out
}
