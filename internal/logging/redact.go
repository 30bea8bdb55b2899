package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// RedactedString creates a Zap field with the value replaced by its length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactingCore masks sensitive string fields and message fragments before
// they reach the wrapped core.
type redactingCore struct {
	zapcore.Core
	fields   map[string]bool
	patterns []*regexp.Regexp
}

func newRedactingCore(core zapcore.Core, cfg RedactionConfig) (*redactingCore, error) {
	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &redactingCore{Core: core, fields: fields, patterns: patterns}, nil
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{
		Core:     c.Core.With(c.redactFields(fields)),
		fields:   c.fields,
		patterns: c.patterns,
	}
}

func (c *redactingCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactingCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	e.Message = c.redactText(e.Message)
	return c.Core.Write(e, c.redactFields(fields))
}

func (c *redactingCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			if c.fields[strings.ToLower(f.Key)] && f.String != "" {
				f.String = redacted
			} else {
				f.String = c.redactText(f.String)
			}
		}
		out[i] = f
	}
	return out
}

func (c *redactingCore) redactText(s string) string {
	for _, re := range c.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
