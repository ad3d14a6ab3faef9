package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	fakeServerEnv = "MCPBRIDGE_FAKE_SERVER"
	fakeModeEnv   = "MCPBRIDGE_FAKE_MODE"
)

// TestMain lets the test binary double as a stdio backend: when started with
// MCPBRIDGE_FAKE_SERVER=1 it serves MCP on stdin/stdout instead of running
// tests.
func TestMain(m *testing.M) {
	if os.Getenv(fakeServerEnv) == "1" {
		runFakeServer(os.Getenv(fakeModeEnv))
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeServer struct {
	mu  sync.Mutex
	out *os.File
}

func (s *fakeServer) reply(id any, result any) {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	s.writeChunked(append(data, '\n'))
}

func (s *fakeServer) replyError(id any, code int, msg string) {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": id,
		"error": map[string]any{"code": code, "message": msg},
	})
	s.writeChunked(append(data, '\n'))
}

// writeChunked splits each frame so the reader sees partial lines.
func (s *fakeServer) writeChunked(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	half := len(frame) / 2
	s.out.Write(frame[:half])
	time.Sleep(2 * time.Millisecond)
	s.out.Write(frame[half:])
}

func (s *fakeServer) raw(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.WriteString(text)
}

func textContent(text string) map[string]any {
	return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
}

func runFakeServer(mode string) {
	s := &fakeServer{out: os.Stdout}

	if mode == "exit" {
		s.raw("hi\n")
		return
	}

	fmt.Fprintln(os.Stderr, "fake server listening on stdio")
	s.raw("fake server starting\n")

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		// Ids decode into any (float64 for numbers), as in a JavaScript backend.
		var msg struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Method {
		case "initialize":
			s.reply(msg.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "fake-stdio", "version": "1.0.0"},
			})
		case "notifications/initialized":
			s.raw(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}` + "\n")
		case "tools/list":
			s.reply(msg.ID, map[string]any{"tools": []map[string]any{
				{"name": "a", "description": "first", "inputSchema": map[string]any{"type": "object"}},
				{"name": "b", "description": "second", "inputSchema": map[string]any{"type": "object"}},
			}})
		case "tools/call":
			args := msg.Params.Arguments
			switch msg.Params.Name {
			case "slow":
				delay, _ := args["delay_ms"].(float64)
				wg.Add(1)
				go func(id any) {
					defer wg.Done()
					time.Sleep(time.Duration(delay) * time.Millisecond)
					s.reply(id, textContent("slow done"))
				}(msg.ID)
			case "exit":
				os.Exit(3)
			case "silent":
			case "fail":
				s.replyError(msg.ID, -32000, "tool failed")
			case "env":
				key, _ := args["key"].(string)
				s.reply(msg.ID, textContent(os.Getenv(key)))
			case "flood":
				s.raw(strings.Repeat("x", 8192))
			default:
				data, _ := json.Marshal(args)
				s.reply(msg.ID, textContent("ok:"+string(data)))
			}
		default:
			if msg.ID != nil {
				s.replyError(msg.ID, -32601, "method not found")
			}
		}
	}
	wg.Wait()
}
