package result

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome_Key(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected string
	}{
		{Outcome{Kind: Success}, "Success"},
		{Outcome{Kind: Timeout}, "Timeout"},
		{Outcome{Kind: ConnectionError}, "ConnectionError"},
		{Outcome{Kind: ServerError, StatusCode: 500}, "ServerError:500"},
		{Outcome{Kind: ServerError, StatusCode: 429}, "ServerError:429"},
		{Outcome{Kind: ProtocolError}, "ProtocolError"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.outcome.Key())
		})
	}
}

func TestRequestResult_Derived(t *testing.T) {
	sent := time.Unix(100, 0)
	first := sent.Add(40 * time.Millisecond)

	r := RequestResult{SentAt: sent, FirstTokenAt: &first, CompletedAt: sent.Add(250 * time.Millisecond)}

	assert.Equal(t, 250*time.Millisecond, r.Latency())
	ttft, ok := r.TTFT()
	assert.True(t, ok)
	assert.Equal(t, 40*time.Millisecond, ttft)

	r.FirstTokenAt = nil
	_, ok = r.TTFT()
	assert.False(t, ok)
}

func TestRequestResult_JSONOutcome(t *testing.T) {
	r := RequestResult{ID: 3, Outcome: Outcome{Kind: ServerError, StatusCode: 502}}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"outcome":{"kind":"ServerError","statusCode":502}`)
	assert.Contains(t, string(data), `"firstTokenAt":null`)

	var back RequestResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Outcome, back.Outcome)
}

func TestSink_ConcurrentAppendAndClose(t *testing.T) {
	s := NewSink(0)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(RequestResult{ID: uint64(w*100 + i)})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1000, s.Len())
	got := s.Close()
	assert.Len(t, got, 1000)

	assert.False(t, s.Append(RequestResult{ID: 9999}))
	assert.Len(t, s.Results(), 1000)
}
