package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure. It is fatal and
// surfaced before any request is issued.
var ErrInvalidConfig = errors.New("invalid load test config")

// Target identifies the inference endpoint under test.
type Target struct {
	BaseURL string // e.g. http://localhost:8000/v1
	Model   string
	APIKey  string
}

// ChatURL is the streaming chat completions endpoint.
func (t Target) ChatURL() string {
	return strings.TrimRight(t.BaseURL, "/") + "/chat/completions"
}

// ModelsURL is used by the preflight probe.
func (t Target) ModelsURL() string {
	return strings.TrimRight(t.BaseURL, "/") + "/models"
}

// TrafficMode is the closed-loop / open-loop variant. The set of
// implementations is closed: ClosedLoop and OpenLoop.
type TrafficMode interface {
	trafficMode()
	String() string
}

// ClosedLoop keeps exactly Concurrency requests in flight.
type ClosedLoop struct {
	Concurrency uint
}

func (ClosedLoop) trafficMode() {}

func (c ClosedLoop) String() string {
	return fmt.Sprintf("closed-loop (concurrency=%d)", c.Concurrency)
}

// OpenLoop starts RequestsPerSecond requests per second regardless of
// completions.
type OpenLoop struct {
	RequestsPerSecond float64
}

func (OpenLoop) trafficMode() {}

func (o OpenLoop) String() string {
	return fmt.Sprintf("open-loop (rps=%g)", o.RequestsPerSecond)
}

type PromptKind int

const (
	PromptFixed PromptKind = iota
	PromptSynthetic
	PromptFile
)

func (k PromptKind) String() string {
	switch k {
	case PromptFixed:
		return "fixed"
	case PromptSynthetic:
		return "synthetic"
	case PromptFile:
		return "file"
	default:
		return "unknown"
	}
}

// PromptSpec describes the prompts fed to the target.
type PromptSpec struct {
	Kind PromptKind

	// Fixed
	Text string

	// Synthetic
	TargetInputTokens  int
	TargetOutputTokens int

	// File: one prompt per non-empty line
	File string

	Seed int64
}

// ShutdownPolicy decides what happens to in-flight requests when a run is
// cancelled.
type ShutdownPolicy int

const (
	// Drain waits for in-flight requests to complete or hit their own
	// timeout, and summarizes them.
	Drain ShutdownPolicy = iota
	// Abandon cancels in-flight requests; only results completed before
	// cancellation are summarized.
	Abandon
)

func (p ShutdownPolicy) String() string {
	if p == Abandon {
		return "abandon"
	}
	return "drain"
}

// LoadTestConfig is resolved once per run and never mutated afterwards.
type LoadTestConfig struct {
	Target         Target
	Traffic        TrafficMode
	TotalRequests  uint
	WarmupRequests uint
	Prompt         PromptSpec
	RequestTimeout time.Duration

	// MaxRunDuration bounds a single driver run (warmup included). Zero
	// means no budget.
	MaxRunDuration time.Duration
	Shutdown       ShutdownPolicy
	Preflight      bool
}

// Validate checks the invariants a driver relies on.
func (c LoadTestConfig) Validate() error {
	var problems []string

	if c.Target.BaseURL == "" {
		problems = append(problems, "target base URL is empty")
	}
	if c.Target.Model == "" {
		problems = append(problems, "target model is empty")
	}
	if c.TotalRequests == 0 {
		problems = append(problems, "total requests must be > 0")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "request timeout must be > 0")
	}
	if c.MaxRunDuration < 0 {
		problems = append(problems, "max run duration must be >= 0")
	}

	switch m := c.Traffic.(type) {
	case ClosedLoop:
		if m.Concurrency < 1 {
			problems = append(problems, "concurrency must be >= 1")
		}
	case OpenLoop:
		if !(m.RequestsPerSecond > 0) {
			problems = append(problems, "requests per second must be > 0")
		}
	case nil:
		problems = append(problems, "traffic mode is not set")
	default:
		problems = append(problems, fmt.Sprintf("unsupported traffic mode %T", m))
	}

	switch c.Prompt.Kind {
	case PromptFixed:
		if c.Prompt.Text == "" {
			problems = append(problems, "fixed prompt text is empty")
		}
	case PromptSynthetic:
		if c.Prompt.TargetInputTokens <= 0 {
			problems = append(problems, "synthetic prompt needs target input tokens > 0")
		}
	case PromptFile:
		if c.Prompt.File == "" {
			problems = append(problems, "prompt file is empty")
		}
	default:
		problems = append(problems, "unknown prompt kind")
	}
	if c.Prompt.TargetOutputTokens < 0 {
		problems = append(problems, "target output tokens must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
