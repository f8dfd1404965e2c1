package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// ScriptedClient replays canned responses in order. Used in tests and as
// the in-memory client for hermetic deployments.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int

	// Requests records every request for assertions.
	Requests []Request
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient creates a client that returns the given responses in
// sequence, then repeats the last one.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// FailWith queues an error for the next call instead of a response.
func (s *ScriptedClient) FailWith(err error) *ScriptedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return s
}

func (s *ScriptedClient) next(req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted client has no responses")
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

// Calls returns how many requests have been served.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Chat returns the next scripted response.
func (s *ScriptedClient) Chat(ctx context.Context, req Request) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}
	answer, err := s.next(req)
	if err != nil {
		return "", Usage{}, err
	}
	return answer, estimateUsage("scripted", req.Messages, answer), nil
}

// ChatStream yields the next scripted response in fixed-size pieces.
func (s *ScriptedClient) ChatStream(ctx context.Context, req Request) (iter.Seq2[string, error], *StreamResult) {
	result := &StreamResult{}
	seq := func(yield func(string, error) bool) {
		answer, err := s.next(req)
		if err != nil {
			yield("", err)
			return
		}
		const piece = 8
		runes := []rune(answer)
		for start := 0; start < len(runes); start += piece {
			end := start + piece
			if end > len(runes) {
				end = len(runes)
			}
			if !yield(string(runes[start:end]), nil) {
				return
			}
		}
		result.Answer = answer
		result.Usage = estimateUsage("scripted", req.Messages, answer)
		result.Finished = true
	}
	return seq, result
}

// Model identifies the fake.
func (s *ScriptedClient) Model() string { return "scripted" }
