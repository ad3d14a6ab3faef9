package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tmaxmax/go-sse"

	"chatee-mcp-bridge/commonlib/log"
)

// =============================================================================
// HTTP Transport
// =============================================================================

const (
	defaultReachTimeout = 5 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
	maxErrorBodyBytes   = 64 * 1024

	sessionHeader = "Mcp-Session-Id"
)

// HTTPTransport implements Transport with one HTTP POST per JSON-RPC
// request. A server answering with text/event-stream is read until the
// response matching the request id arrives.
type HTTPTransport struct {
	config     ServerConfig
	opts       TransportOptions
	logger     log.Logger
	httpClient *http.Client

	connected atomic.Bool
	mu        sync.Mutex
	sessionID string
	done      chan struct{}
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(config ServerConfig, opts TransportOptions) *HTTPTransport {
	if opts.ReachTimeout <= 0 {
		opts.ReachTimeout = defaultReachTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultHTTPTimeout
	}
	done := make(chan struct{})
	close(done)
	return &HTTPTransport{
		config:     config,
		opts:       opts,
		logger:     transportLogger(opts, TransportHTTP),
		httpClient: &http.Client{},
		done:       done,
	}
}

// Connect checks the base URL with a GET. Any HTTP response, whatever its
// status, proves the server is reachable.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, t.opts.ReachTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %w", ErrInvalidConfig, err)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return classifyDialError(t.config.URL, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()

	t.logger.Debug("HTTP endpoint reachable", log.Int("status", resp.StatusCode))

	t.done = make(chan struct{})
	t.sessionID = ""
	t.connected.Store(true)
	return nil
}

// Send POSTs the request and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, request *JSONRPCRequest) (*JSONRPCResponse, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("%w: http transport not connected", ErrTransportClosed)
	}

	rctx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	resp, err := t.post(rctx, request)
	if err != nil {
		return nil, t.postError(ctx, request.Method, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	key := requestKey(request.ID)
	var msg *JSONRPCMessage
	if isEventStream(resp.Header.Get("Content-Type")) {
		msg, err = t.readEventStream(resp.Body, key)
	} else {
		msg, err = decodeResponseBody(resp.Body, key)
	}
	if err != nil {
		return nil, t.requestError(ctx, request.Method, err)
	}

	out := msg.Response()
	if out.Error != nil {
		return out, out.Error
	}
	return out, nil
}

// Notify POSTs a notification; the body of the answer is ignored.
func (t *HTTPTransport) Notify(ctx context.Context, request *JSONRPCRequest) error {
	if !t.connected.Load() {
		return fmt.Errorf("%w: http transport not connected", ErrTransportClosed)
	}

	rctx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	resp, err := t.post(rctx, request)
	if err != nil {
		return t.postError(ctx, request.Method, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (t *HTTPTransport) post(ctx context.Context, request *JSONRPCRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &postFailure{err: err}
	}

	if id := resp.Header.Get(sessionHeader); id != "" {
		t.mu.Lock()
		if t.sessionID != id {
			t.sessionID = id
			t.logger.Debug("HTTP session established", log.String("session_id", id))
		}
		t.mu.Unlock()
	}
	return resp, nil
}

// readEventStream scans an event-stream response body for the response with
// the given id. Other messages on the stream are dispatched as
// notifications would be: logged and dropped.
func (t *HTTPTransport) readEventStream(body io.Reader, key string) (*JSONRPCMessage, error) {
	var cfg *sse.ReadConfig
	if t.opts.MaxEventBytes > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: t.opts.MaxEventBytes}
	}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			return nil, fmt.Errorf("failed to read event stream: %w", err)
		}
		msg, ok := ParseMessage([]byte(ev.Data))
		if !ok {
			continue
		}
		if msg.IsResponse() && requestKey(msg.ID) == key {
			return msg, nil
		}
		t.logger.Debug("Ignoring streamed message",
			log.String("method", msg.Method),
			log.String("id", requestKey(msg.ID)),
		)
	}
	return nil, fmt.Errorf("event stream ended without a response for id %s", key)
}

// postFailure marks an error from the HTTP round trip itself, as opposed to
// building the request.
type postFailure struct{ err error }

func (e *postFailure) Error() string { return e.err.Error() }
func (e *postFailure) Unwrap() error { return e.err }

// postError handles a failed POST. Deadlines and caller cancellation keep
// their meaning; any other round-trip failure means the backend is gone, so
// the transport closes and Done fires.
func (t *HTTPTransport) postError(parent context.Context, method string, err error) error {
	var pf *postFailure
	if !errors.As(err, &pf) || errors.Is(err, context.DeadlineExceeded) || parent.Err() != nil {
		return t.requestError(parent, method, err)
	}
	t.markDead()
	t.logger.Warn("HTTP backend unreachable", log.String("method", method), log.Err(pf.err))
	return fmt.Errorf("%w: %s request failed: %w", ErrTransportClosed, method, classifyDialError(t.config.URL, pf.err))
}

func (t *HTTPTransport) markDead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected.Swap(false) {
		closeOnce(t.done)
	}
}

func (t *HTTPTransport) requestError(parent context.Context, method string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, t.opts.RequestTimeout)
	case parent.Err() != nil:
		return parent.Err()
	default:
		return fmt.Errorf("%s request failed: %w", method, err)
	}
}

// Close marks the transport disconnected and drops idle connections.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Swap(false) {
		closeOnce(t.done)
	}
	t.sessionID = ""
	t.httpClient.CloseIdleConnections()
	return nil
}

// IsConnected returns the connection status.
func (t *HTTPTransport) IsConnected() bool {
	return t.connected.Load()
}

// Done is closed by Close or by the first request that cannot reach the
// backend.
func (t *HTTPTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Kind returns TransportHTTP.
func (t *HTTPTransport) Kind() TransportType { return TransportHTTP }

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// classifyDialError separates a refused connection (nothing listening) from
// every other network failure.
func classifyDialError(target string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w at %s: %w", ErrServerNotRunning, target, err)
	}
	return fmt.Errorf("%w at %s: %w", ErrServerNotAccessible, target, err)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("%w: HTTP error %d: %s", ErrBackendStatus, resp.StatusCode, bytes.TrimSpace(body))
}

// decodeResponseBody reads a single JSON-RPC response and checks it answers
// the request with the given key.
func decodeResponseBody(body io.Reader, key string) (*JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !msg.IsResponse() {
		return nil, fmt.Errorf("response is not a JSON-RPC response")
	}
	if got := requestKey(msg.ID); got != key {
		return nil, fmt.Errorf("response id %s does not match request id %s", got, key)
	}
	return &msg, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}
