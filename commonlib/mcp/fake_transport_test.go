package mcp

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeTransport is an in-memory Transport driven by a handler func.
type fakeTransport struct {
	kind       TransportType
	connectErr error
	handler    func(req *JSONRPCRequest) (*JSONRPCResponse, error)

	mu        sync.Mutex
	methods   []string
	connected bool
	closes    int
	done      chan struct{}
}

func newFakeTransport(kind TransportType, tools ...string) *fakeTransport {
	f := &fakeTransport{kind: kind, done: make(chan struct{})}
	f.handler = func(req *JSONRPCRequest) (*JSONRPCResponse, error) {
		switch req.Method {
		case "initialize":
			return fakeResult(req, map[string]any{
				"protocolVersion": DefaultProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
			}), nil
		case "tools/list":
			list := make([]map[string]any, 0, len(tools))
			for _, name := range tools {
				list = append(list, map[string]any{"name": name, "inputSchema": map[string]any{"type": "object"}})
			}
			return fakeResult(req, map[string]any{"tools": list}), nil
		case "tools/call":
			params := req.Params.(map[string]any)
			return fakeResult(req, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "called:" + params["name"].(string)}},
			}), nil
		}
		return nil, &JSONRPCError{Code: -32601, Message: "method not found"}
	}
	return f
}

func fakeResult(req *JSONRPCRequest, v any) *JSONRPCResponse {
	data, _ := json.Marshal(v)
	id, _ := json.Marshal(req.ID)
	return &JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: data}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.done = make(chan struct{})
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, req *JSONRPCRequest) (*JSONRPCResponse, error) {
	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	connected := f.connected
	handler := f.handler
	f.mu.Unlock()
	if !connected {
		return nil, ErrConnectionClosed
	}
	return handler(req)
}

func (f *fakeTransport) Notify(ctx context.Context, req *JSONRPCRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, req.Method)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	closeOnce(f.done)
	return nil
}

// fail simulates the backend going away without Close.
func (f *fakeTransport) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	closeOnce(f.done)
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeTransport) Kind() TransportType { return f.kind }

func (f *fakeTransport) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
