package napcat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultAwaitTimeout bounds how long an action waits for its response.
const DefaultAwaitTimeout = 10 * time.Second

// ResponsePool correlates action responses with their echo tokens. Each
// pending echo holds a one-shot channel; the first delivery wins and later
// duplicates are dropped.
type ResponsePool struct {
	mu      sync.Mutex
	pending map[string]chan *Response
}

func NewResponsePool() *ResponsePool {
	return &ResponsePool{pending: make(map[string]chan *Response)}
}

// Register reserves a slot for an echo token. Call before sending the
// action so a fast response cannot race the registration.
func (p *ResponsePool) Register(echo string) <-chan *Response {
	ch := make(chan *Response, 1)
	p.mu.Lock()
	p.pending[echo] = ch
	p.mu.Unlock()
	return ch
}

// Discard drops a pending registration, for when the send itself failed.
func (p *ResponsePool) Discard(echo string) {
	p.mu.Lock()
	delete(p.pending, echo)
	p.mu.Unlock()
}

// Deliver routes a response to its waiter. Returns false when no waiter is
// registered, which happens for responses that arrive after a timeout.
func (p *ResponsePool) Deliver(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.pending[resp.Echo]
	if ok {
		delete(p.pending, resp.Echo)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Await blocks until the response arrives, the timeout expires, or the
// context is canceled. The registration is always consumed.
func (p *ResponsePool) Await(ctx context.Context, echo string, ch <-chan *Response, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		p.Discard(echo)
		return nil, fmt.Errorf("action response timed out after %s (echo %s)", timeout, echo)
	case <-ctx.Done():
		p.Discard(echo)
		return nil, ctx.Err()
	}
}

// PendingCount reports the number of outstanding registrations.
func (p *ResponsePool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
