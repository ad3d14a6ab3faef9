package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"

	"chatee-mcp-bridge/commonlib/log"
)

// =============================================================================
// SSE Transport
// =============================================================================

const (
	defaultOpenTimeout = 10 * time.Second
	defaultSSETimeout  = 60 * time.Second
	sseQueueSize       = 64
)

// EndpointRewrite replaces a subscription path suffix to obtain the
// outbound request endpoint.
type EndpointRewrite struct {
	From string `mapstructure:"from" json:"from"`
	To   string `mapstructure:"to" json:"to"`
}

// DefaultEndpointRewrites maps /sse and /events subscriptions to /request.
var DefaultEndpointRewrites = []EndpointRewrite{
	{From: "/sse", To: "/request"},
	{From: "/events", To: "/request"},
}

// DeriveRequestURL applies the first rewrite whose From matches the end of
// the subscription path. A URL no rewrite matches is returned unchanged.
func DeriveRequestURL(subscription string, rewrites []EndpointRewrite) string {
	u, err := url.Parse(subscription)
	if err != nil {
		return subscription
	}
	path := strings.TrimSuffix(u.Path, "/")
	for _, rw := range rewrites {
		if rw.From != "" && strings.HasSuffix(path, rw.From) {
			u.Path = strings.TrimSuffix(path, rw.From) + rw.To
			u.RawPath = ""
			return u.String()
		}
	}
	return subscription
}

// SSETransport receives messages over a long-lived event stream and sends
// requests to a companion HTTP endpoint. Responses arrive on the stream and
// are matched to requests by id.
type SSETransport struct {
	config     ServerConfig
	opts       TransportOptions
	logger     log.Logger
	httpClient *http.Client

	mu     sync.Mutex
	stream *sseStream
}

// sseStream is one opened subscription.
type sseStream struct {
	cancel     context.CancelFunc
	correlator *Correlator
	closing    atomic.Bool

	mu       sync.RWMutex
	endpoint string

	endpointOnce sync.Once
	endpointSet  chan struct{}

	// failure is written by the reader before it closes the message channel.
	failure error
	done    chan struct{}
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(config ServerConfig, opts TransportOptions) *SSETransport {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultSSETimeout
	}
	if opts.EndpointRewrites == nil {
		opts.EndpointRewrites = DefaultEndpointRewrites
	}
	return &SSETransport{
		config:     config,
		opts:       opts,
		logger:     transportLogger(opts, TransportSSE),
		httpClient: &http.Client{},
	}
}

// Connect opens the subscription. It returns once the server answered with
// 200, or once the server announced its endpoint when WaitForEndpoint is set.
// The stream itself lives on a context owned by the transport, not ctx.
func (t *SSETransport) Connect(ctx context.Context) error {
	if s := t.current(); s != nil && s.alive() {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: invalid url: %w", ErrInvalidConfig, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	deadline := time.Now().Add(t.opts.OpenTimeout)
	var timedOut atomic.Bool
	openTimer := time.AfterFunc(t.opts.OpenTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	stopWatch := context.AfterFunc(ctx, cancel)

	resp, err := t.httpClient.Do(req)
	openTimer.Stop()
	stopWatch()
	if err != nil {
		cancel()
		switch {
		case timedOut.Load():
			return fmt.Errorf("%w: event stream at %s did not open within %s", ErrServerNotAccessible, t.config.URL, t.opts.OpenTimeout)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return classifyDialError(t.config.URL, err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream rejected with HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if ct := resp.Header.Get("Content-Type"); !isEventStream(ct) {
		t.logger.Warn("Subscription did not answer with text/event-stream", log.String("content_type", ct))
	}

	endpoint := t.config.RequestURL
	if endpoint == "" {
		endpoint = DeriveRequestURL(t.config.URL, t.opts.EndpointRewrites)
	}
	s := &sseStream{
		cancel:      cancel,
		correlator:  NewCorrelator(t.logger),
		endpoint:    endpoint,
		endpointSet: make(chan struct{}),
		done:        make(chan struct{}),
	}

	msgs := make(chan *JSONRPCMessage, sseQueueSize)
	go t.readLoop(s, resp.Body, msgs)
	go t.dispatchLoop(s, msgs)

	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()

	if t.opts.WaitForEndpoint && t.config.RequestURL == "" {
		wait := time.NewTimer(time.Until(deadline))
		defer wait.Stop()
		select {
		case <-s.endpointSet:
		case <-s.done:
			return fmt.Errorf("%w: event stream closed before announcing an endpoint", ErrTransportClosed)
		case <-wait.C:
			t.stop(s)
			return fmt.Errorf("%w: no endpoint event within %s", ErrServerNotAccessible, t.opts.OpenTimeout)
		case <-ctx.Done():
			t.stop(s)
			return ctx.Err()
		}
	}

	t.logger.Info("Event stream opened", log.String("endpoint", s.requestURL()))
	return nil
}

func (t *SSETransport) readLoop(s *sseStream, body io.ReadCloser, msgs chan<- *JSONRPCMessage) {
	defer func() {
		body.Close()
		close(msgs)
	}()

	var cfg *sse.ReadConfig
	if t.opts.MaxEventBytes > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: t.opts.MaxEventBytes}
	}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !s.closing.Load() && !errors.Is(err, context.Canceled) {
				s.failure = err
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			t.setEndpoint(s, ev.Data)
		case "", "message":
			msg, ok := ParseMessage([]byte(ev.Data))
			if !ok {
				t.logger.Debug("Ignoring non-protocol event data", log.String("data", ev.Data))
				continue
			}
			msgs <- msg
		default:
			t.logger.Debug("Ignoring event", log.String("type", ev.Type))
		}
	}
}

func (t *SSETransport) setEndpoint(s *sseStream, data string) {
	if t.config.RequestURL != "" {
		return
	}
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return
	}
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil || ref.String() == "" {
		t.logger.Warn("Ignoring invalid endpoint event", log.String("data", data))
		return
	}
	endpoint := base.ResolveReference(ref).String()

	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	s.endpointOnce.Do(func() { close(s.endpointSet) })

	t.logger.Debug("Server announced endpoint", log.String("endpoint", endpoint))
}

func (t *SSETransport) dispatchLoop(s *sseStream, msgs <-chan *JSONRPCMessage) {
	s.correlator.Consume(msgs)

	var reason error
	switch {
	case s.closing.Load():
		reason = ErrConnectionClosed
	case s.failure != nil:
		reason = fmt.Errorf("%w: event stream failed: %w", ErrTransportClosed, s.failure)
	default:
		reason = fmt.Errorf("%w: event stream ended", ErrTransportClosed)
	}
	s.correlator.CloseAll(reason)
	s.cancel()

	if !s.closing.Load() {
		t.logger.Warn("Event stream lost", log.Err(reason))
	}
	close(s.done)
}

// Send POSTs the request to the outbound endpoint and waits for the response
// to arrive on the stream. A response in the POST body is accepted too.
func (t *SSETransport) Send(ctx context.Context, request *JSONRPCRequest) (*JSONRPCResponse, error) {
	s := t.current()
	if s == nil || !s.alive() {
		return nil, fmt.Errorf("%w: event stream not open", ErrTransportClosed)
	}

	pending, err := s.correlator.Register(request.ID, request.Method, t.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	body, err := t.post(ctx, s, request)
	if err != nil {
		s.correlator.Cancel(pending.ID, err)
		return nil, err
	}
	if msg, ok := ParseMessage(body); ok && msg.IsResponse() {
		s.correlator.Dispatch(msg)
	}

	return s.correlator.Wait(ctx, pending)
}

// Notify POSTs a message without waiting for anything.
func (t *SSETransport) Notify(ctx context.Context, request *JSONRPCRequest) error {
	s := t.current()
	if s == nil || !s.alive() {
		return fmt.Errorf("%w: event stream not open", ErrTransportClosed)
	}
	_, err := t.post(ctx, s, request)
	return err
}

func (t *SSETransport) post(ctx context.Context, s *sseStream, request *JSONRPCRequest) ([]byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, s.requestURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s post after %s", ErrTimeout, request.Method, t.opts.RequestTimeout)
		}
		return nil, fmt.Errorf("%s request failed: %w", request.Method, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	// An inline reply is bounded like a stream event.
	limit := t.opts.MaxEventBytes
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%s reply read failed: %w", request.Method, err)
	}
	if len(body) > limit {
		t.logger.Warn("Inline reply too large",
			log.String("method", request.Method),
			log.Int("limit", limit),
		)
		return nil, fmt.Errorf("%s reply exceeds %d bytes", request.Method, limit)
	}
	return body, nil
}

// Close cancels the stream and rejects every pending request.
func (t *SSETransport) Close() error {
	s := t.current()
	if s == nil {
		return nil
	}
	return t.stop(s)
}

func (t *SSETransport) stop(s *sseStream) error {
	if s.closing.CompareAndSwap(false, true) {
		s.correlator.CloseAll(ErrConnectionClosed)
		s.cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(defaultStopTimeout):
		return fmt.Errorf("event stream reader did not stop")
	}
}

// IsConnected reports whether the stream is open.
func (t *SSETransport) IsConnected() bool {
	s := t.current()
	return s != nil && s.alive()
}

// Done is closed when the stream ends.
func (t *SSETransport) Done() <-chan struct{} {
	s := t.current()
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Kind returns TransportSSE.
func (t *SSETransport) Kind() TransportType { return TransportSSE }

// Endpoint returns the URL requests are currently posted to.
func (t *SSETransport) Endpoint() string {
	if s := t.current(); s != nil {
		return s.requestURL()
	}
	if t.config.RequestURL != "" {
		return t.config.RequestURL
	}
	return DeriveRequestURL(t.config.URL, t.opts.EndpointRewrites)
}

// Pending returns the number of requests awaiting a response.
func (t *SSETransport) Pending() int {
	if s := t.current(); s != nil {
		return s.correlator.Len()
	}
	return 0
}

func (t *SSETransport) current() *sseStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream
}

func (s *sseStream) alive() bool {
	if s.closing.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *sseStream) requestURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}
