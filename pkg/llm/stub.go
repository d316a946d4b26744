package llm

import (
	"context"
	"sync"
)

// StubClient is a canned Client for tests. Responses are returned in FIFO
// order; OnComplete, when set, takes precedence and computes the response
// from the request.
type StubClient struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error

	// OnComplete overrides the queued behavior.
	OnComplete func(ctx context.Context, req *Request) (*Response, error)

	// Requests records every call for assertions.
	Requests []*Request
}

// NewStubClient queues the given responses.
func NewStubClient(responses ...*Response) *StubClient {
	return &StubClient{responses: responses}
}

// Enqueue appends a response to the queue.
func (s *StubClient) Enqueue(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
}

// EnqueueError appends an error; it is returned before any queued response.
func (s *StubClient) EnqueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Complete implements Client.
func (s *StubClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	onComplete := s.OnComplete
	s.mu.Unlock()

	if onComplete != nil {
		return onComplete(ctx, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.responses) == 0 {
		return nil, ErrEmptyResponse
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

// CallCount returns how many times Complete was invoked.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}
