package result

import "sync"

// Sink collects results from concurrent executors. Appends after Close are
// dropped.
type Sink struct {
	mu      sync.Mutex
	results []RequestResult
	closed  bool
}

func NewSink(capacity int) *Sink {
	return &Sink{results: make([]RequestResult, 0, capacity)}
}

// Append reports whether r was kept.
func (s *Sink) Append(r RequestResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.results = append(s.results, r)
	return true
}

// Close stops accepting results and returns what was collected.
func (s *Sink) Close() []RequestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return s.results
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Results returns a copy of what has been collected so far.
func (s *Sink) Results() []RequestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RequestResult, len(s.results))
	copy(out, s.results)
	return out
}
