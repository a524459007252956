package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"llmbench/internal/runner"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[----]", progressBar(0, 4))
	assert.Equal(t, "[██--]", progressBar(0.5, 4))
	assert.Equal(t, "[████]", progressBar(1.5, 4))
	assert.Equal(t, "[----]", progressBar(-1, 4))
}

func TestProgressLine(t *testing.T) {
	warm := progressLine(runner.StatsSnapshot{Phase: runner.PhaseWarmup, WarmupTotal: 10, WarmupCompleted: 5})
	assert.Contains(t, warm, "Warmup")
	assert.Contains(t, warm, "5/10")

	measure := progressLine(runner.StatsSnapshot{
		Phase: runner.PhaseMeasure, Total: 100, Issued: 60, Requests: 50, Success: 49, Fail: 1,
		Inflight: 10, Elapsed: 5 * time.Second,
	})
	assert.Contains(t, measure, " 50% | 50/100")
	assert.Contains(t, measure, "RPS: 10.0")
	assert.Contains(t, measure, "Err: 1")

	drain := progressLine(runner.StatsSnapshot{Phase: runner.PhaseMeasure, Total: 100, Issued: 100, Requests: 97, Inflight: 3})
	assert.Contains(t, drain, "Draining: 3")
}
