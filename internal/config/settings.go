package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Settings is the file/env/flag shaped configuration. It is resolved into a
// LoadTestConfig once per invocation.
type Settings struct {
	Target   TargetSettings  `mapstructure:"target"`
	Traffic  TrafficSettings `mapstructure:"traffic"`
	Requests RequestSettings `mapstructure:"requests"`
	Prompt   PromptSettings  `mapstructure:"prompt"`
	Run      RunSettings     `mapstructure:"run"`
	Repro    ReproSettings   `mapstructure:"repro"`
	Report   ReportSettings  `mapstructure:"report"`
	Log      LogSettings     `mapstructure:"log"`
}

type TargetSettings struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Model   string `mapstructure:"model" validate:"required"`
	APIKey  string `mapstructure:"api_key"`

	// Insecure skips TLS verification, for self-signed inference gateways
	Insecure bool `mapstructure:"insecure"`
}

type TrafficSettings struct {
	Mode        string  `mapstructure:"mode" validate:"oneof=closed open"`
	Concurrency uint    `mapstructure:"concurrency" validate:"required_if=Mode closed"`
	RPS         float64 `mapstructure:"rps" validate:"required_if=Mode open,gte=0"`
}

type RequestSettings struct {
	Total   uint          `mapstructure:"total" validate:"gt=0"`
	Warmup  uint          `mapstructure:"warmup"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type PromptSettings struct {
	Kind         string `mapstructure:"kind" validate:"oneof=fixed synthetic file"`
	Text         string `mapstructure:"text" validate:"required_if=Kind fixed"`
	InputTokens  int    `mapstructure:"input_tokens" validate:"required_if=Kind synthetic,gte=0"`
	OutputTokens int    `mapstructure:"output_tokens" validate:"gte=0"`
	File         string `mapstructure:"file" validate:"required_if=Kind file"`
	Seed         int64  `mapstructure:"seed"`
}

type RunSettings struct {
	MaxDuration time.Duration `mapstructure:"max_duration" validate:"gte=0"`
	Shutdown    string        `mapstructure:"shutdown" validate:"oneof=drain abandon"`
	Preflight   bool          `mapstructure:"preflight"`
}

type ReproSettings struct {
	Repetitions uint          `mapstructure:"repetitions" validate:"gte=1"`
	Cooldown    time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	CVThreshold float64       `mapstructure:"cv_threshold" validate:"gt=0"`
}

type ReportSettings struct {
	Out           string `mapstructure:"out"`
	PrometheusURL string `mapstructure:"prometheus_url" validate:"omitempty,url"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

type LogSettings struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers the defaults every key falls back to.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("target.base_url", "http://localhost:8000/v1")
	v.SetDefault("target.model", "Qwen/Qwen2.5-3B-Instruct")
	v.SetDefault("target.api_key", "")
	v.SetDefault("target.insecure", false)

	v.SetDefault("traffic.mode", "closed")
	v.SetDefault("traffic.concurrency", 10)
	v.SetDefault("traffic.rps", 0)

	v.SetDefault("requests.total", 100)
	v.SetDefault("requests.warmup", 10)
	v.SetDefault("requests.timeout", 120*time.Second)

	v.SetDefault("prompt.kind", "synthetic")
	v.SetDefault("prompt.input_tokens", 512)
	v.SetDefault("prompt.output_tokens", 128)
	v.SetDefault("prompt.seed", 42)

	v.SetDefault("run.max_duration", time.Duration(0))
	v.SetDefault("run.shutdown", "drain")
	v.SetDefault("run.preflight", true)

	v.SetDefault("repro.repetitions", 3)
	v.SetDefault("repro.cooldown", 5*time.Second)
	v.SetDefault("repro.cv_threshold", 0.10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return s, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate applies the struct tag rules.
func (s Settings) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Resolve builds the immutable LoadTestConfig.
func (s Settings) Resolve() (LoadTestConfig, error) {
	cfg := LoadTestConfig{
		Target: Target{
			BaseURL: s.Target.BaseURL,
			Model:   s.Target.Model,
			APIKey:  s.Target.APIKey,
		},
		TotalRequests:  s.Requests.Total,
		WarmupRequests: s.Requests.Warmup,
		RequestTimeout: s.Requests.Timeout,
		MaxRunDuration: s.Run.MaxDuration,
		Preflight:      s.Run.Preflight,
		Prompt: PromptSpec{
			Text:               s.Prompt.Text,
			TargetInputTokens:  s.Prompt.InputTokens,
			TargetOutputTokens: s.Prompt.OutputTokens,
			File:               s.Prompt.File,
			Seed:               s.Prompt.Seed,
		},
	}

	switch s.Traffic.Mode {
	case "open":
		cfg.Traffic = OpenLoop{RequestsPerSecond: s.Traffic.RPS}
	default:
		cfg.Traffic = ClosedLoop{Concurrency: s.Traffic.Concurrency}
	}

	switch s.Prompt.Kind {
	case "fixed":
		cfg.Prompt.Kind = PromptFixed
	case "file":
		cfg.Prompt.Kind = PromptFile
	default:
		cfg.Prompt.Kind = PromptSynthetic
	}

	if s.Run.Shutdown == "abandon" {
		cfg.Shutdown = Abandon
	}

	if err := cfg.Validate(); err != nil {
		return LoadTestConfig{}, err
	}
	return cfg, nil
}
