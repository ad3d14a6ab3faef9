package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatee-mcp-bridge/commonlib/log"
)

// mcpHTTPBackend answers initialize, tools/list (tools a and b) and
// tools/call over plain JSON POSTs.
type mcpHTTPBackend struct {
	mu       sync.Mutex
	methods  []string
	sessions []string
	posts    atomic.Int32
	stream   bool
	delay    time.Duration
}

func (b *mcpHTTPBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	b.posts.Add(1)
	b.mu.Lock()
	b.methods = append(b.methods, req.Method)
	b.sessions = append(b.sessions, r.Header.Get(sessionHeader))
	b.mu.Unlock()

	if req.Method == "initialize" {
		w.Header().Set(sessionHeader, "sess-1")
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": DefaultProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-http", "version": "1.0.0"},
		}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{"name": "a"}, {"name": "b"}}}
	case "tools/call":
		if req.Params.Name == "broken" {
			writeJSON(w, map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": "broken tool"}})
			return
		}
		x := req.Params.Arguments["x"]
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("ok:%v", x)}}}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
	if b.stream {
		data, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestHTTPTransport(t *testing.T, url string, tweak func(*TransportOptions)) *HTTPTransport {
	opts := TransportOptions{Name: "web", Logger: log.NewFromZap(zaptest.NewLogger(t))}
	if tweak != nil {
		tweak(&opts)
	}
	return NewHTTPTransport(ServerConfig{Type: TransportHTTP, URL: url, Headers: map[string]string{"X-Api-Key": "k"}}, opts)
}

func TestHTTPTransportHandshakeAndSingleCallPost(t *testing.T) {
	backend := &mcpHTTPBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tr := newTestHTTPTransport(t, srv.URL, nil)
	c := newTestClient(t, tr)
	require.NoError(t, c.Connect(context.Background()))

	tools := c.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "b", tools[1].Name)

	before := backend.posts.Load()
	raw, err := c.CallTool(context.Background(), "a", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, before+1, backend.posts.Load())

	got, err := NormalizeResult(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok:1", got)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list", "tools/call"}, backend.methods)
	// The session id handed out by initialize is echoed afterwards.
	assert.Equal(t, "", backend.sessions[0])
	assert.Equal(t, "sess-1", backend.sessions[3])
	assert.Equal(t, "sess-1", tr.SessionID())
}

func TestHTTPTransportEventStreamResponse(t *testing.T) {
	srv := httptest.NewServer(&mcpHTTPBackend{stream: true})
	defer srv.Close()

	c := newTestClient(t, newTestHTTPTransport(t, srv.URL, nil))
	require.NoError(t, c.Connect(context.Background()))

	raw, err := c.CallTool(context.Background(), "a", map[string]any{"x": 7})
	require.NoError(t, err)
	got, err := NormalizeResult(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok:7", got)
}

func TestHTTPTransportProtocolError(t *testing.T) {
	srv := httptest.NewServer(&mcpHTTPBackend{})
	defer srv.Close()

	c := newTestClient(t, newTestHTTPTransport(t, srv.URL, nil))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CallTool(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
}

func TestHTTPTransportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tr := newTestHTTPTransport(t, srv.URL, nil)
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendStatus), "got %v", err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "upstream exploded")
	// The backend answered, so the transport itself stays up.
	assert.True(t, tr.IsConnected())
}

func TestHTTPTransportBackendGoneClosesTransport(t *testing.T) {
	srv := httptest.NewServer(&mcpHTTPBackend{})
	tr := newTestHTTPTransport(t, srv.URL, nil)
	require.NoError(t, tr.Connect(context.Background()))
	done := tr.Done()

	srv.Close()

	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportClosed), "got %v", err)
	assert.False(t, tr.IsConnected())
	select {
	case <-done:
	default:
		t.Fatal("done not closed after the backend went away")
	}
}

func TestHTTPTransportRejectsMismatchedResponseID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, map[string]any{"jsonrpc": "2.0", "id": 99, "result": map[string]any{}})
		}
	}))
	defer srv.Close()

	tr := newTestHTTPTransport(t, srv.URL, nil)
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	_, err = tr.Send(context.Background(), NewRequest(99, "ping", nil))
	assert.NoError(t, err)
}

func TestHTTPTransportTimeout(t *testing.T) {
	backend := &mcpHTTPBackend{delay: 300 * time.Millisecond}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tr := newTestHTTPTransport(t, srv.URL, func(o *TransportOptions) { o.RequestTimeout = 50 * time.Millisecond })
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestHTTPTransportConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := newTestHTTPTransport(t, "http://"+addr+"/mcp", nil)
	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerNotRunning), "got %v", err)
	assert.False(t, tr.IsConnected())
}

func TestHTTPTransportConnectUnreachable(t *testing.T) {
	tr := newTestHTTPTransport(t, "http://mcp-backend.invalid/mcp", func(o *TransportOptions) { o.ReachTimeout = time.Second })
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerNotAccessible), "got %v", err)
}

func TestHTTPTransportClose(t *testing.T) {
	srv := httptest.NewServer(&mcpHTTPBackend{})
	defer srv.Close()

	tr := newTestHTTPTransport(t, srv.URL, nil)
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.IsConnected())

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	select {
	case <-tr.Done():
	default:
		t.Fatal("done not closed")
	}

	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	assert.True(t, errors.Is(err, ErrTransportClosed))
}

func TestHTTPTransportForwardsHeaders(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Clone())
		if r.Method == http.MethodPost {
			writeJSON(w, map[string]any{"jsonrpc": "2.0", "id": 1, "result": map[string]any{}})
		}
	}))
	defer srv.Close()

	tr := newTestHTTPTransport(t, srv.URL, nil)
	require.NoError(t, tr.Connect(context.Background()))
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	require.NoError(t, err)

	h := got.Load().(http.Header)
	assert.Equal(t, "k", h.Get("X-Api-Key"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "application/json, text/event-stream", h.Get("Accept"))
}
