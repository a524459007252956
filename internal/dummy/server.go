package dummy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigFastest

// Profile shapes the fake model's responses.
type Profile struct {
	FirstTokenDelay time.Duration
	InterTokenDelay time.Duration
	Tokens          int

	// FailureRate is met exactly: of every n requests, floor(n*rate) get a 500.
	FailureRate float64

	// Every SpikeEvery-th request waits SpikeDelay more before its first token
	SpikeEvery int
	SpikeDelay time.Duration

	Hang      bool // never answer, until the client gives up
	Malformed bool // send a broken SSE stream
	NoUsage   bool // omit the usage chunk
}

// Profiles are mounted under /{name}/v1.
var Profiles = map[string]Profile{
	// 1. Fast
	"fast": {FirstTokenDelay: 10 * time.Millisecond, InterTokenDelay: time.Millisecond, Tokens: 16},
	// 2. Slow, good for testing timeouts and queuing
	"slow": {FirstTokenDelay: time.Second, InterTokenDelay: 20 * time.Millisecond, Tokens: 64},
	// 3. Usually fast, every 20th request very slow. P99 will be terrible, P50 will be fine.
	"spike": {FirstTokenDelay: 20 * time.Millisecond, InterTokenDelay: time.Millisecond, Tokens: 16, SpikeEvery: 20, SpikeDelay: 2 * time.Second},
	// 4. 20% HTTP 500
	"error": {FirstTokenDelay: 10 * time.Millisecond, InterTokenDelay: time.Millisecond, Tokens: 16, FailureRate: 0.2},
}

const ModelName = "dummy-model"

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
	Messages  []struct {
		Content string `json:"content"`
	} `json:"messages"`
}

// endpoint serves one profile and counts its own requests.
type endpoint struct {
	profile Profile
	seq     atomic.Uint64
	log     *zap.Logger
}

// NewRouter serves def under /v1 and every entry of Profiles under
// /{name}/v1.
func NewRouter(def Profile, log *zap.Logger) chi.Router {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Mount("/v1", (&endpoint{profile: def, log: log}).routes())
	for name, p := range Profiles {
		r.Mount("/"+name+"/v1", (&endpoint{profile: p, log: log.With(zap.String("profile", name))}).routes())
	}
	return r
}

func (e *endpoint) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/models", e.handleModels)
	r.Post("/chat/completions", e.handleChat)
	return r
}

func (e *endpoint) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   []map[string]any{{"id": ModelName, "object": "model", "owned_by": "llmbench"}},
	})
}

func (e *endpoint) shouldFail(n uint64) bool {
	rate := e.profile.FailureRate
	if rate <= 0 {
		return false
	}
	return math.Floor(float64(n+1)*rate) > math.Floor(float64(n)*rate)
}

func (e *endpoint) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := e.seq.Add(1) - 1
	p := e.profile

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if e.shouldFail(n) {
		e.log.Debug("injected failure", zap.Uint64("seq", n))
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	if p.Hang {
		<-ctx.Done()
		return
	}

	tokens := p.Tokens
	if req.MaxTokens > 0 && req.MaxTokens < tokens {
		tokens = req.MaxTokens
	}
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += (len(m.Content) + 3) / 4
	}

	delay := p.FirstTokenDelay
	if p.SpikeEvery > 0 && (n+1)%uint64(p.SpikeEvery) == 0 {
		delay += p.SpikeDelay
	}
	if !wait(ctx, delay) {
		return
	}

	if !req.Stream {
		e.writeCompletion(w, tokens, promptTokens)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	if p.Malformed {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":\n\n")
		flusher.Flush()
		return
	}

	id := fmt.Sprintf("chatcmpl-%d", n)
	for i := 0; i < tokens; i++ {
		if i > 0 && !wait(ctx, p.InterTokenDelay) {
			return
		}
		fmt.Fprintf(w, "data: {\"id\":%q,\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"tok%d \"}}]}\n\n", id, i)
		flusher.Flush()
	}

	if !p.NoUsage {
		fmt.Fprintf(w, "data: {\"id\":%q,\"choices\":[],\"usage\":{\"prompt_tokens\":%d,\"completion_tokens\":%d}}\n\n", id, promptTokens, tokens)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (e *endpoint) writeCompletion(w http.ResponseWriter, tokens, promptTokens int) {
	var text strings.Builder
	for i := 0; i < tokens; i++ {
		fmt.Fprintf(&text, "tok%d ", i)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "chat.completion",
		"model":  ModelName,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": text.String()},
			"finish_reason": "length",
		}},
		"usage": map[string]int{"prompt_tokens": promptTokens, "completion_tokens": tokens},
	})
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ProfileNames lists the mounted profiles in a stable order.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve runs the dummy server on addr until ctx is done.
func Serve(ctx context.Context, addr string, def Profile, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	fmt.Printf("👻 Dummy Server running on http://%s/v1\n", ln.Addr())
	fmt.Printf("   Profiles: /{%s}/v1\n", strings.Join(ProfileNames(), ","))

	server := &http.Server{
		Handler:           NewRouter(def, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
