package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbench/internal/config"
	"llmbench/internal/result"
	"llmbench/internal/runner"
)

func TestLoadSettings_DefaultsAndOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	config.SetDefaults(viper.GetViper())
	viper.Set("traffic.mode", "open")
	viper.Set("traffic.rps", 2.5)
	viper.Set("requests.timeout", "3s")

	s, cfg, err := loadSettings()
	require.NoError(t, err)

	assert.Equal(t, uint(3), s.Repro.Repetitions)
	assert.Equal(t, config.OpenLoop{RequestsPerSecond: 2.5}, cfg.Traffic)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, config.Drain, cfg.Shutdown)
}

func TestLoadSettings_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	config.SetDefaults(viper.GetViper())
	viper.Set("traffic.mode", "bursty")

	_, _, err := loadSettings()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestWriteRunReports(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "bench")

	now := time.Now()
	first := now.Add(30 * time.Millisecond)
	run := &runner.Run{Results: []result.RequestResult{{
		ID:               0,
		SentAt:           now,
		FirstTokenAt:     &first,
		CompletedAt:      now.Add(100 * time.Millisecond),
		Outcome:          result.Outcome{Kind: result.Success},
		PromptTokens:     8,
		CompletionTokens: 4,
	}}}
	cfg := config.LoadTestConfig{
		Target:         config.Target{BaseURL: "http://localhost:8000/v1", Model: "m"},
		Traffic:        config.ClosedLoop{Concurrency: 1},
		TotalRequests:  1,
		RequestTimeout: time.Second,
	}

	require.NoError(t, writeRunReports(prefix, cfg, run, run.Summary(), nil))

	for _, suffix := range []string{"_summary.json", ".csv", ".md"} {
		_, err := os.Stat(prefix + suffix)
		assert.NoError(t, err, suffix)
	}
	_, err := os.Stat(prefix + "_server.json")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRunReports_NoPrefix(t *testing.T) {
	assert.NoError(t, writeRunReports("", config.LoadTestConfig{}, &runner.Run{}, (&runner.Run{}).Summary(), nil))
}
