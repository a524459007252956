package runner

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"llmbench/internal/config"
	"llmbench/internal/prompt"
	"llmbench/internal/result"
)

var jsonAPI = jsoniter.ConfigFastest

// errMalformed marks stream framing problems, as opposed to transport
// failures.
var errMalformed = errors.New("malformed stream")

const maxLineBytes = 1 << 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *chatChunk) hasContent() bool {
	for _, ch := range c.Choices {
		if ch.Delta.Content != "" || ch.Delta.ReasoningContent != "" || ch.Text != "" {
			return true
		}
	}
	return false
}

// Doer executes one request. *Executor is the production implementation.
type Doer interface {
	Execute(ctx context.Context, id uint64, p prompt.Prompt) result.RequestResult
}

// NewHTTPClient returns a client tuned for many concurrent streams. It sets
// no client-wide timeout; each request carries its own deadline.
func NewHTTPClient(maxConns int, insecureTLS bool) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = maxConns
	t.MaxConnsPerHost = maxConns
	t.MaxIdleConnsPerHost = maxConns
	// gzip would buffer chunks and skew TTFT
	t.DisableCompression = true
	if insecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{Transport: t}
}

// Executor issues streaming chat completion requests and times them.
type Executor struct {
	client  *http.Client
	target  config.Target
	timeout time.Duration
	log     *zap.Logger
}

func NewExecutor(cfg config.LoadTestConfig, client *http.Client, log *zap.Logger) *Executor {
	if client == nil {
		client = NewHTTPClient(2000, false)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Executor{
		client:  client,
		target:  cfg.Target,
		timeout: cfg.RequestTimeout,
		log:     log,
	}
}

// Execute never retries: a failed request is a single observation.
func (e *Executor) Execute(ctx context.Context, id uint64, p prompt.Prompt) result.RequestResult {
	res := result.RequestResult{ID: id}

	body, err := jsonAPI.Marshal(chatRequest{
		Model:         e.target.Model,
		Messages:      []chatMessage{{Role: "user", Content: p.Text}},
		MaxTokens:     p.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		now := time.Now()
		res.SentAt, res.CompletedAt = now, now
		return e.failed(res, result.Outcome{Kind: result.ProtocolError}, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.target.ChatURL(), bytes.NewReader(body))
	if err != nil {
		now := time.Now()
		res.SentAt, res.CompletedAt = now, now
		return e.failed(res, result.Outcome{Kind: result.ConnectionError}, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if e.target.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.target.APIKey)
	}

	var first onceTime

	res.SentAt = time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return e.interrupted(res, reqCtx, &first, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		res.CompletedAt = time.Now()
		return e.failed(res, result.Outcome{Kind: result.ServerError, StatusCode: resp.StatusCode},
			fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	chunks, u, err := readStream(resp.Body, &first)
	if err != nil {
		return e.interrupted(res, reqCtx, &first, err)
	}

	res.CompletedAt = time.Now()
	res.FirstTokenAt = first.Ptr()
	res.Outcome = result.Outcome{Kind: result.Success}

	if u != nil {
		res.PromptTokens = u.PromptTokens
		res.CompletionTokens = u.CompletionTokens
	} else {
		res.PromptTokens = p.EstimatedTokens
		res.CompletionTokens = chunks
	}
	return res
}

// interrupted classifies a failure that happened after SentAt.
func (e *Executor) interrupted(res result.RequestResult, reqCtx context.Context, first *onceTime, err error) result.RequestResult {
	res.FirstTokenAt = first.Ptr()

	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		deadline, _ := reqCtx.Deadline()
		res.CompletedAt = deadline
		if res.FirstTokenAt != nil && res.FirstTokenAt.After(deadline) {
			res.CompletedAt = *res.FirstTokenAt
		}
		return e.failed(res, result.Outcome{Kind: result.Timeout}, err)
	}

	res.CompletedAt = time.Now()
	if errors.Is(err, errMalformed) {
		return e.failed(res, result.Outcome{Kind: result.ProtocolError}, err)
	}
	return e.failed(res, result.Outcome{Kind: result.ConnectionError}, err)
}

func (e *Executor) failed(res result.RequestResult, outcome result.Outcome, err error) result.RequestResult {
	res.Outcome = outcome
	res.PromptTokens = 0
	res.CompletionTokens = 0
	if err != nil {
		res.Err = err.Error()
	}

	e.log.Debug("request failed",
		zap.Uint64("id", res.ID),
		zap.Stringer("outcome", outcome),
		zap.Duration("latency", res.Latency()),
		zap.Error(err),
	)
	return res
}

// readStream consumes an SSE body until [DONE]. It returns the number of
// content-bearing chunks and the usage block if the server sent one.
func readStream(body io.Reader, first *onceTime) (int, *usage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		chunks int
		u      *usage
		done   bool
	)

	for !done && scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "data":
			if string(value) == "[DONE]" {
				done = true
				continue
			}

			var chunk chatChunk
			if err := jsonAPI.Unmarshal(value, &chunk); err != nil {
				return chunks, u, fmt.Errorf("%w: bad chunk: %v", errMalformed, err)
			}
			if chunk.Error != nil {
				return chunks, u, fmt.Errorf("%w: error event: %s", errMalformed, chunk.Error.Message)
			}
			if chunk.hasContent() {
				first.Set(time.Now())
				chunks++
			}
			if chunk.Usage != nil {
				u = chunk.Usage
			}
		case "event", "id", "retry":
		default:
			return chunks, u, fmt.Errorf("%w: unexpected line %q", errMalformed, truncate(line, 64))
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return chunks, u, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return chunks, u, err
	}
	if !done {
		return chunks, u, fmt.Errorf("%w: stream ended before [DONE]", errMalformed)
	}
	return chunks, u, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Probe fails only when the target cannot be reached at the transport
// level; any HTTP response counts as reachable.
func (e *Executor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.target.ModelsURL(), nil)
	if err != nil {
		return err
	}
	if e.target.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.target.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	e.log.Debug("preflight ok", zap.String("url", e.target.ModelsURL()), zap.Int("status", resp.StatusCode))
	return nil
}
