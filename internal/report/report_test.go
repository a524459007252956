package report

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbench/internal/config"
	"llmbench/internal/repro"
	"llmbench/internal/result"
	"llmbench/internal/stats"
)

func sampleResults() []result.RequestResult {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := t0.Add(30 * time.Millisecond)
	return []result.RequestResult{
		{
			ID: 0, SentAt: t0, FirstTokenAt: &first, CompletedAt: t0.Add(120 * time.Millisecond),
			Outcome: result.Outcome{Kind: result.Success}, PromptTokens: 12, CompletionTokens: 40, InFlightAtIssue: 3,
		},
		{
			ID: 1, SentAt: t0, CompletedAt: t0.Add(10 * time.Millisecond),
			Outcome: result.Outcome{Kind: result.ServerError, StatusCode: 503}, Err: "HTTP 503",
		},
	}
}

func TestWriteJSON_RunSummaryFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, stats.Summarize(sampleResults())))

	var m map[string]any
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &m))
	for _, key := range []string{
		"durationSeconds", "successCount", "failureCount", "failuresByKind",
		"latencyStats", "ttftStats", "throughputRps", "tokenThroughput",
	} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, map[string]any{"ServerError:503": float64(1)}, m["failuresByKind"])
}

func TestRunMarkdown(t *testing.T) {
	cfg := config.LoadTestConfig{
		Target:         config.Target{BaseURL: "http://localhost:8000/v1", Model: "qwen"},
		Traffic:        config.ClosedLoop{Concurrency: 4},
		TotalRequests:  2,
		WarmupRequests: 1,
	}
	md := RunMarkdown(cfg, stats.Summarize(sampleResults()))

	assert.Contains(t, md, "http://localhost:8000/v1/chat/completions")
	assert.Contains(t, md, "| End-to-end | 120.0 | 120.0 | 120.0 | 120.0 | 120.0 | 120.0 |")
	assert.Contains(t, md, "| TTFT | 30.0 |")
	assert.Contains(t, md, "| ServerError:503 | 1 |")
}

func TestRunMarkdown_NoSuccesses(t *testing.T) {
	md := RunMarkdown(config.LoadTestConfig{Traffic: config.OpenLoop{RequestsPerSecond: 1}}, stats.Summarize(sampleResults()[1:]))
	assert.Contains(t, md, "| End-to-end | - | - | - | - | - | - |")
}

func TestReproMarkdown(t *testing.T) {
	s := stats.Summarize(sampleResults())
	r := repro.NewReport("abc", []stats.RunSummary{s, s}, 0.1)

	md := ReproMarkdown(r)
	assert.Contains(t, md, "Run set `abc`: 2 runs")
	assert.Contains(t, md, "**REPRODUCIBLE**")
	assert.Equal(t, 2, strings.Count(md, "| 120.0 | 30.0 | 1 |"))
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, sampleResults()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "timeStamp", rows[0][0])
	assert.Equal(t, []string{"1714564800000", "120", "30", "Success", "0", "true", "", "12", "40", "3"}, rows[1])
	assert.Equal(t, "", rows[2][2])
	assert.Equal(t, "ServerError:503", rows[2][3])
	assert.Equal(t, "HTTP 503", rows[2][6])
}
