package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbench/internal/config"
	"llmbench/internal/prompt"
	"llmbench/internal/result"
)

func testConfig(baseURL string) config.LoadTestConfig {
	return config.LoadTestConfig{
		Target:         config.Target{BaseURL: baseURL, Model: "test-model", APIKey: "secret"},
		Traffic:        config.ClosedLoop{Concurrency: 1},
		TotalRequests:  1,
		Prompt:         config.PromptSpec{Kind: config.PromptFixed, Text: "hello there", TargetOutputTokens: 16},
		RequestTimeout: 2 * time.Second,
	}
}

func sseChunk(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
	w.(http.Flusher).Flush()
}

func newExecutor(t *testing.T, h http.HandlerFunc, timeout time.Duration) (*Executor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL + "/v1")
	cfg.RequestTimeout = timeout
	return NewExecutor(cfg, nil, nil), srv
}

var helloPrompt = prompt.Fixed{Text: "hello there", MaxTokens: 16}.At(0)

func TestExecutor_SuccessWithUsage(t *testing.T) {
	var got chatRequest
	ex, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, jsoniter.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(w, "Hel")
		time.Sleep(20 * time.Millisecond)
		sseChunk(w, "lo")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":12}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, time.Second)

	res := ex.Execute(context.Background(), 3, helloPrompt)

	require.True(t, res.Outcome.IsSuccess(), res.Err)
	assert.Equal(t, uint64(3), res.ID)
	assert.Equal(t, 7, res.PromptTokens)
	assert.Equal(t, 12, res.CompletionTokens)

	require.NotNil(t, res.FirstTokenAt)
	assert.False(t, res.FirstTokenAt.Before(res.SentAt))
	assert.False(t, res.CompletedAt.Before(*res.FirstTokenAt))
	assert.GreaterOrEqual(t, res.CompletedAt.Sub(*res.FirstTokenAt), 15*time.Millisecond)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 16, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "hello there", got.Messages[0].Content)
}

func TestExecutor_CountsChunksWithoutUsage(t *testing.T) {
	ex, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		for _, c := range []string{"a", "b", "c"} {
			sseChunk(w, c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, time.Second)

	res := ex.Execute(context.Background(), 0, helloPrompt)

	require.True(t, res.Outcome.IsSuccess(), res.Err)
	assert.Equal(t, 3, res.CompletionTokens)
	assert.Equal(t, helloPrompt.EstimatedTokens, res.PromptTokens)
}

func TestExecutor_ServerError(t *testing.T) {
	ex, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, time.Second)

	res := ex.Execute(context.Background(), 0, helloPrompt)

	assert.Equal(t, result.Outcome{Kind: result.ServerError, StatusCode: 500}, res.Outcome)
	assert.Equal(t, "ServerError:500", res.Outcome.Key())
	assert.Nil(t, res.FirstTokenAt)
	assert.Zero(t, res.CompletionTokens)
	assert.False(t, res.CompletedAt.Before(res.SentAt))
}

func TestExecutor_TimeoutBeforeFirstToken(t *testing.T) {
	ex, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 100*time.Millisecond)

	res := ex.Execute(context.Background(), 0, helloPrompt)

	assert.Equal(t, result.Timeout, res.Outcome.Kind)
	assert.Nil(t, res.FirstTokenAt)
	assert.InDelta(t, float64(100*time.Millisecond), float64(res.Latency()), float64(20*time.Millisecond))
}

func TestExecutor_TimeoutAfterFirstToken(t *testing.T) {
	ex, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		sseChunk(w, "partial")
		<-r.Context().Done()
	}, 150*time.Millisecond)

	res := ex.Execute(context.Background(), 0, helloPrompt)

	assert.Equal(t, result.Timeout, res.Outcome.Kind)
	require.NotNil(t, res.FirstTokenAt)
	assert.False(t, res.CompletedAt.Before(*res.FirstTokenAt))
}

func TestExecutor_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ex := NewExecutor(testConfig(url+"/v1"), nil, nil)
	res := ex.Execute(context.Background(), 0, helloPrompt)

	assert.Equal(t, result.ConnectionError, res.Outcome.Kind)
	assert.NotEmpty(t, res.Err)
	assert.Nil(t, res.FirstTokenAt)
}

func TestExecutor_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: "data: {not json\n\n"},
		{name: "missing done", body: "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"},
		{name: "error event", body: "data: {\"error\":{\"message\":\"overloaded\"}}\n\n"},
		{name: "not sse", body: "<html>hello</html>\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}, time.Second)

			res := ex.Execute(context.Background(), 0, helloPrompt)
			assert.Equal(t, result.ProtocolError, res.Outcome.Kind, res.Err)
			assert.Zero(t, res.CompletionTokens)
		})
	}
}

func TestExecutor_Probe(t *testing.T) {
	ex, srv := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		// any HTTP answer counts as reachable
		w.WriteHeader(http.StatusNotFound)
	}, time.Second)
	assert.NoError(t, ex.Probe(context.Background()))

	srv.Close()
	assert.Error(t, ex.Probe(context.Background()))
}

func TestOnceTime_FirstWriteWins(t *testing.T) {
	var o onceTime
	assert.Nil(t, o.Ptr())

	t1 := time.Now()
	assert.True(t, o.Set(t1))
	assert.False(t, o.Set(t1.Add(time.Second)))

	got, ok := o.Get()
	require.True(t, ok)
	assert.True(t, got.Equal(t1))
}
