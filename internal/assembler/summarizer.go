package assembler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/textutil"
)

// Summarizer condenses turns into a rolling summary. previous is the summary
// of the turns before the given ones, possibly empty. The result should fit
// in targetTokens; the assembler truncates it if it does not.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn, targetTokens int) (string, error)
}

// ErrEmptySummary is returned when a summarizer produced no text.
var ErrEmptySummary = errors.New("summarizer returned empty text")

func transcript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

// ProviderSummarizer asks a language model for the summary.
type ProviderSummarizer struct {
	completer provider.Completer
	params    provider.Params
	ratio     float64
}

// NewProviderSummarizer creates a summarizer backed by a completer. ratio is
// the requested compression, e.g. 10 for 10:1.
func NewProviderSummarizer(c provider.Completer, params provider.Params, ratio float64) *ProviderSummarizer {
	if ratio <= 1 {
		ratio = 10
	}
	if params.Temperature == 0 {
		params.Temperature = 0.3
	}
	return &ProviderSummarizer{completer: c, params: params, ratio: ratio}
}

func (s *ProviderSummarizer) Summarize(ctx context.Context, previous string, turns []Turn, targetTokens int) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following conversation concisely. ")
	b.WriteString("Focus on key points, decisions, and important information. ")
	fmt.Fprintf(&b, "Aim for a %.0f:1 compression ratio and at most %d tokens.\n\n", s.ratio, targetTokens)
	if previous != "" {
		b.WriteString("Summary so far:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(transcript(turns))
	b.WriteString("\n\nSummary:")

	params := s.params
	if params.MaxTokens == 0 || params.MaxTokens > targetTokens {
		params.MaxTokens = targetTokens
	}
	completion, err := s.completer.Complete(ctx, b.String(), params)
	if err != nil {
		return "", fmt.Errorf("summarizing %d turns: %w", len(turns), err)
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

// ExtractiveSummarizer selects the highest-scoring sentences without any
// network call.
type ExtractiveSummarizer struct {
	counter Counter
}

// NewExtractiveSummarizer creates an extractive summarizer.
func NewExtractiveSummarizer(counter Counter) *ExtractiveSummarizer {
	return &ExtractiveSummarizer{counter: counter}
}

func (s *ExtractiveSummarizer) Summarize(ctx context.Context, previous string, turns []Turn, targetTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var sentences []string
	if previous != "" {
		sentences = append(sentences, textutil.Sentences(previous)...)
	}
	for _, t := range turns {
		sentences = append(sentences, textutil.Sentences(t.Text)...)
	}
	if len(sentences) == 0 {
		return "", ErrEmptySummary
	}

	scores := scoreSentences(sentences)
	selected := s.selectSentences(sentences, scores, targetTokens)
	return strings.Join(selected, " "), nil
}

// scoreSentences weighs position, length and inverse term frequency.
func scoreSentences(sentences []string) []float64 {
	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, w := range textutil.Terms(sentence) {
			freq[w]++
		}
	}

	scores := make([]float64, len(sentences))
	for i, sentence := range sentences {
		score := 0.3 / (float64(i) + 1.0)

		words := strings.Fields(sentence)
		lengthScore := math.Min(float64(len(words))/20.0, 1.0)
		if len(words) > 20 {
			lengthScore = math.Max(1.0-(float64(len(words))-20.0)/50.0, 0.1)
		}
		score += lengthScore * 0.4

		terms := textutil.Terms(sentence)
		freqScore := 0.0
		for _, w := range terms {
			if f := freq[w]; f > 1 {
				freqScore += 1.0 / float64(f)
			}
		}
		if len(terms) > 0 {
			freqScore /= float64(len(terms))
		}
		score += freqScore * 0.3
		scores[i] = score
	}
	return scores
}

func (s *ExtractiveSummarizer) selectSentences(sentences []string, scores []float64, targetTokens int) []string {
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	picked := make([]int, 0, len(sentences))
	used := 0
	for _, idx := range order {
		cost := s.counter.Tokens(sentences[idx]) + 1
		if used+cost > targetTokens {
			continue
		}
		picked = append(picked, idx)
		used += cost
	}
	if len(picked) == 0 {
		return []string{s.counter.Truncate(sentences[order[0]], targetTokens)}
	}

	sort.Ints(picked)
	out := make([]string, len(picked))
	for i, idx := range picked {
		out[i] = sentences[idx]
	}
	return out
}

var (
	_ Summarizer = (*ProviderSummarizer)(nil)
	_ Summarizer = (*ExtractiveSummarizer)(nil)
)
