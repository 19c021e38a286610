package llm

import (
	"context"
	"fmt"
	"sync"
)

// Call records one request a Scripted client served.
type Call struct {
	Messages []Message
	Options  Options
}

// Scripted is a Client for tests: it plays back canned responses in
// order and records every call, including the options, so tests can
// assert on temperature ramps and prompt contents.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []Call
	served    int
}

// NewScripted returns a client that serves the given responses in order.
// Once exhausted it keeps repeating the last one.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// FailWith queues an error served before any remaining responses.
func (s *Scripted) FailWith(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return s
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) next(messages []Message, opts Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Messages: messages, Options: opts})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted client has no responses")
	}
	idx := s.served
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.served++
	return s.responses[idx], nil
}

func (s *Scripted) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.next(messages, opts)
}

func (s *Scripted) Stream(ctx context.Context, messages []Message, opts Options, onChunk func(string)) (string, error) {
	text, err := s.Complete(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	if onChunk != nil {
		onChunk(text)
	}
	return text, nil
}
