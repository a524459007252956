package promquery

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// Queries are the vLLM server-side series collected around a run. {window}
// is replaced with the run length in whole seconds.
var Queries = map[string]string{
	"request_throughput": `rate(vllm:num_requests_total[{window}s])`,
	"avg_ttft":           `histogram_quantile(0.5, rate(vllm:time_to_first_token_seconds_bucket[{window}s]))`,
	"p95_ttft":           `histogram_quantile(0.95, rate(vllm:time_to_first_token_seconds_bucket[{window}s]))`,
	"avg_latency":        `histogram_quantile(0.5, rate(vllm:time_per_request_seconds_bucket[{window}s]))`,
	"p95_latency":        `histogram_quantile(0.95, rate(vllm:time_per_request_seconds_bucket[{window}s]))`,
	"gpu_cache_usage":    `avg(vllm:gpu_cache_usage_perc)`,
	"queue_size":         `avg(vllm:waiting_queue_size)`,
	"token_throughput":   `rate(vllm:num_generation_tokens[{window}s])`,
}

const (
	step   = 15 * time.Second
	buffer = 5 * time.Second
)

// ServerMetrics holds one averaged value per query; nil means the metric
// was unavailable.
type ServerMetrics struct {
	Timestamp            time.Time           `json:"timestamp"`
	QueryDurationSeconds float64             `json:"queryDurationSeconds"`
	Metrics              map[string]*float64 `json:"metrics"`
}

type Collector struct {
	api v1.API
	log *zap.Logger
}

func NewCollector(address string, log *zap.Logger) (*Collector, error) {
	client, err := api.NewClient(api.Config{
		Address: address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Collector{api: v1.NewAPI(client), log: log}, nil
}

// Collect never fails: a query that errors or returns nothing is reported
// as absent.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) ServerMetrics {
	began := time.Now()

	window := int(end.Sub(start).Seconds())
	if window < 1 {
		window = 1
	}
	r := v1.Range{
		Start: start.Add(-buffer),
		End:   end.Add(buffer),
		Step:  step,
	}

	out := ServerMetrics{Metrics: make(map[string]*float64, len(Queries))}
	for name, tmpl := range Queries {
		query := strings.ReplaceAll(tmpl, "{window}", fmt.Sprint(window))
		out.Metrics[name] = c.average(ctx, name, query, r)
	}

	out.Timestamp = time.Now()
	out.QueryDurationSeconds = time.Since(began).Seconds()
	return out
}

func (c *Collector) average(ctx context.Context, name, query string, r v1.Range) *float64 {
	val, warnings, err := c.api.QueryRange(ctx, query, r)
	if err != nil {
		c.log.Warn("prometheus query failed", zap.String("metric", name), zap.Error(err))
		return nil
	}
	for _, w := range warnings {
		c.log.Debug("prometheus warning", zap.String("metric", name), zap.String("warning", w))
	}

	matrix, ok := val.(model.Matrix)
	if !ok || len(matrix) == 0 {
		return nil
	}

	// first series only, like the vLLM dashboards
	var sum float64
	var n int
	for _, p := range matrix[0].Values {
		v := float64(p.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		n++
	}

	avg := 0.0
	if n > 0 {
		avg = sum / float64(n)
	}
	return &avg
}
