package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatee-mcp-bridge/commonlib/log"
)

// =============================================================================
// Request Correlator
// =============================================================================

// PendingRequest is an issued request awaiting its response.
type PendingRequest struct {
	ID       string
	Method   string
	IssuedAt time.Time

	timer   *time.Timer
	settled bool // guarded by Correlator.mu
	done    chan pendingResult
}

type pendingResult struct {
	resp *JSONRPCResponse
	err  error
}

// Correlator matches asynchronously arriving responses to the requests that
// caused them. Every pending request settles exactly once: whichever path
// removes it from the table under the lock (response, timeout, cancel or
// close) is the only one that completes it.
type Correlator struct {
	logger log.Logger

	mu      sync.Mutex
	pending map[string]*PendingRequest
	closed  error
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger log.Logger) *Correlator {
	if logger == nil {
		logger = log.Default()
	}
	return &Correlator{
		logger:  logger,
		pending: make(map[string]*PendingRequest),
	}
}

// Register records a pending request. A positive timeout arms a timer that
// rejects the request with ErrTimeout if no response arrives first.
func (c *Correlator) Register(id any, method string, timeout time.Duration) (*PendingRequest, error) {
	key := requestKey(id)
	if key == "" {
		return nil, fmt.Errorf("request %s has no id", method)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}
	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("request id %s is already pending", key)
	}

	p := &PendingRequest{
		ID:       key,
		Method:   method,
		IssuedAt: time.Now(),
		done:     make(chan pendingResult, 1),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.settle(key, nil, fmt.Errorf("%w: %s (id %s) after %s", ErrTimeout, method, key, timeout))
		})
	}
	c.pending[key] = p
	return p, nil
}

// Wait blocks until the request settles or ctx ends. A cancelled context
// rejects the request so its entry does not linger.
func (c *Correlator) Wait(ctx context.Context, p *PendingRequest) (*JSONRPCResponse, error) {
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		c.Cancel(p.ID, ctx.Err())
		// Either our cancel or a racing response settled it.
		r := <-p.done
		return r.resp, r.err
	}
}

// Cancel rejects a pending request with err. It is a no-op for ids that
// already settled.
func (c *Correlator) Cancel(id string, err error) bool {
	return c.settle(id, nil, err)
}

// Dispatch routes one inbound message. Responses settle their pending entry
// (an error object rejects it); responses nobody waits for any more are
// logged and dropped; backend notifications and requests are logged only.
func (c *Correlator) Dispatch(msg *JSONRPCMessage) {
	switch {
	case msg.IsResponse():
		key := requestKey(msg.ID)
		resp := msg.Response()
		var err error
		if resp.Error != nil {
			err = resp.Error
		}
		if !c.settle(key, resp, err) {
			c.logger.Debug("Discarding response for unknown or settled request",
				log.String("id", key),
			)
		}
	case msg.Method != "":
		fields := []log.Field{log.String("method", msg.Method)}
		if msg.HasID() {
			fields = append(fields, log.String("id", requestKey(msg.ID)))
			c.logger.Info("Ignoring request from backend", fields...)
			return
		}
		c.logger.Debug("Backend notification", fields...)
	default:
		c.logger.Debug("Ignoring message without method or result",
			log.String("id", requestKey(msg.ID)),
		)
	}
}

// Consume dispatches messages until the channel is closed. Messages are
// handled strictly in the order they were received.
func (c *Correlator) Consume(msgs <-chan *JSONRPCMessage) {
	for msg := range msgs {
		c.Dispatch(msg)
	}
}

// CloseAll rejects every pending request with err and refuses new ones.
func (c *Correlator) CloseAll(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}

	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	drained := make([]*PendingRequest, 0, len(c.pending))
	for key, p := range c.pending {
		p.settled = true
		delete(c.pending, key)
		drained = append(drained, p)
	}
	c.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- pendingResult{err: err}
	}
	if len(drained) > 0 {
		c.logger.Debug("Rejected pending requests", log.Int("count", len(drained)), log.Err(err))
	}
}

// Len returns the number of requests still pending.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(key string, resp *JSONRPCResponse, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[key]
	if !ok || p.settled {
		c.mu.Unlock()
		return false
	}
	p.settled = true
	delete(c.pending, key)
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- pendingResult{resp: resp, err: err}
	return true
}
