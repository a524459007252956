package prompt

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"llmbench/internal/config"
)

// CharsPerToken is the rough tokenizer ratio used both to size synthetic
// prompts and to estimate prompt tokens when the server reports no usage.
const CharsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Prompt is one request's input.
type Prompt struct {
	Text            string
	MaxTokens       int // 0 leaves the server default
	EstimatedTokens int
}

// Source maps a sequence index to a prompt. Implementations are pure: the
// same index always yields the same prompt, so concurrent pulls need no
// coordination.
type Source interface {
	At(i uint64) Prompt
}

// NewSource builds the source described by spec.
func NewSource(spec config.PromptSpec) (Source, error) {
	switch spec.Kind {
	case config.PromptFixed:
		return Fixed{Text: spec.Text, MaxTokens: spec.TargetOutputTokens}, nil
	case config.PromptSynthetic:
		return NewSynthetic(spec.TargetInputTokens, spec.TargetOutputTokens, spec.Seed), nil
	case config.PromptFile:
		return LoadDataset(spec.File, spec.TargetOutputTokens, spec.Seed)
	default:
		return nil, fmt.Errorf("unknown prompt kind %v", spec.Kind)
	}
}

// Sequence is the lazy, infinite, restartable cursor over a Source.
type Sequence struct {
	src  Source
	next atomic.Uint64
}

func NewSequence(src Source) *Sequence {
	return &Sequence{src: src}
}

// Next returns the next prompt. Safe for concurrent use.
func (s *Sequence) Next() Prompt {
	return s.src.At(s.next.Add(1) - 1)
}

// Reset rewinds to the first prompt.
func (s *Sequence) Reset() {
	s.next.Store(0)
}

// Fixed returns the same text for every index.
type Fixed struct {
	Text      string
	MaxTokens int
}

func (f Fixed) At(uint64) Prompt {
	return Prompt{Text: f.Text, MaxTokens: f.MaxTokens, EstimatedTokens: EstimateTokens(f.Text)}
}

var topics = []string{
	"quantum computing and its applications",
	"machine learning model architectures",
	"distributed systems design patterns",
	"natural language processing techniques",
	"computer vision algorithms",
	"database optimization strategies",
	"microservices architecture principles",
	"cloud infrastructure management",
	"data structures and algorithms",
	"software engineering best practices",
}

var filler = []string{
	"system", "latency", "memory", "network", "request", "model", "token",
	"cache", "batch", "queue", "kernel", "tensor", "shard", "replica",
	"scheduler", "throughput", "gradient", "vector", "index", "stream",
	"buffer", "cluster", "pipeline", "decoder", "encoder", "attention",
}

// Synthetic generates random text sized to InputTokens. Each index seeds its
// own generator, so prompts differ (defeating prefix caches) but are
// reproducible for a given seed.
type Synthetic struct {
	InputTokens  int
	OutputTokens int
	Seed         int64
}

func NewSynthetic(inputTokens, outputTokens int, seed int64) Synthetic {
	return Synthetic{InputTokens: inputTokens, OutputTokens: outputTokens, Seed: seed}
}

func (s Synthetic) At(i uint64) Prompt {
	rng := rand.New(rand.NewPCG(uint64(s.Seed), i))
	target := s.InputTokens * CharsPerToken

	var b strings.Builder
	b.Grow(target + 32)

	topic := topics[rng.IntN(len(topics))]
	b.WriteString("Please explain the following concept in detail: ")
	b.WriteString(topic)
	b.WriteString(".")

	for b.Len() < target {
		b.WriteByte(' ')
		b.WriteString(filler[rng.IntN(len(filler))])
	}

	text := b.String()
	if len(text) > target {
		text = text[:target]
	}

	return Prompt{Text: text, MaxTokens: s.OutputTokens, EstimatedTokens: EstimateTokens(text)}
}
