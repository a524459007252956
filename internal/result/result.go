package result

import (
	"fmt"
	"time"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Timeout
	ConnectionError
	ServerError
	ProtocolError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "Success"
	case Timeout:
		return "Timeout"
	case ConnectionError:
		return "ConnectionError"
	case ServerError:
		return "ServerError"
	case ProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// Outcome classifies a finished request. StatusCode is only meaningful for
// ServerError.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	StatusCode int         `json:"statusCode,omitempty"`
}

func (o Outcome) IsSuccess() bool { return o.Kind == Success }

// Key is the failuresByKind map key, e.g. "Timeout" or "ServerError:503".
func (o Outcome) Key() string {
	if o.Kind == ServerError {
		return fmt.Sprintf("%s:%d", o.Kind, o.StatusCode)
	}
	return o.Kind.String()
}

func (o Outcome) String() string { return o.Key() }

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Success":
		*k = Success
	case "Timeout":
		*k = Timeout
	case "ConnectionError":
		*k = ConnectionError
	case "ServerError":
		*k = ServerError
	case "ProtocolError":
		*k = ProtocolError
	default:
		return fmt.Errorf("unknown outcome kind %q", string(b))
	}
	return nil
}

// RequestResult is one issued request. It is created by a single executor
// invocation and never mutated after it is handed to a Sink.
type RequestResult struct {
	ID           uint64     `json:"id"`
	SentAt       time.Time  `json:"sentAt"`
	FirstTokenAt *time.Time `json:"firstTokenAt"`
	CompletedAt  time.Time  `json:"completedAt"`
	Outcome      Outcome    `json:"outcome"`

	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`

	// InFlightAtIssue counts this request plus every request already in
	// flight when it was issued.
	InFlightAtIssue int64  `json:"inFlightAtIssue"`
	Err             string `json:"error,omitempty"`
}

func (r RequestResult) Latency() time.Duration {
	return r.CompletedAt.Sub(r.SentAt)
}

// TTFT is undefined (ok == false) when no token arrived.
func (r RequestResult) TTFT() (time.Duration, bool) {
	if r.FirstTokenAt == nil {
		return 0, false
	}
	return r.FirstTokenAt.Sub(r.SentAt), true
}
