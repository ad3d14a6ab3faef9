package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatee-mcp-bridge/commonlib/log"
)

// =============================================================================
// Stdio Transport
// =============================================================================

const (
	defaultStartupDelay   = 500 * time.Millisecond
	defaultStopTimeout    = 5 * time.Second
	defaultStdioTimeout   = 30 * time.Second
	stdioReadChunk        = 32 * 1024
	stdioMessageQueueSize = 64
)

// StdioTransport implements Transport over a spawned process. Each JSON-RPC
// message is a single line on stdin/stdout. Responses are matched to requests
// by id, so several requests may be in flight at once.
type StdioTransport struct {
	config ServerConfig
	opts   TransportOptions
	logger log.Logger

	mu   sync.Mutex
	proc *stdioProcess
}

// stdioProcess is one spawned generation of the backend.
type stdioProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	correlator *Correlator
	stderr     *stderrLogger

	writeMu sync.Mutex
	closing atomic.Bool

	// failure is written by the reader before it closes the message channel.
	failure error
	// exitErr is written before done is closed.
	exitErr error
	done    chan struct{}
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(config ServerConfig, opts TransportOptions) *StdioTransport {
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = defaultStartupDelay
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultStdioTimeout
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	return &StdioTransport{
		config: config,
		opts:   opts,
		logger: transportLogger(opts, TransportStdio),
	}
}

// Connect spawns the process and waits for the startup delay. A process
// that exits within the delay fails the connect. No protocol message is
// sent here; initialize is the client's first request.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.proc != nil && t.proc.alive() {
		t.mu.Unlock()
		return fmt.Errorf("stdio transport already connected")
	}
	t.mu.Unlock()

	cmd := newCommand(t.config.Command, t.config.Args)
	cmd.Env = buildEnv(os.Environ(), t.opts.EnvAllowlist, t.config.Env)
	cmd.WaitDelay = t.opts.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := newStderrLogger(t.logger, t.opts.MaxLineBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process %q: %w", t.config.Command, err)
	}

	p := &stdioProcess{
		cmd:        cmd,
		stdin:      stdin,
		correlator: NewCorrelator(t.logger),
		stderr:     stderr,
		done:       make(chan struct{}),
	}
	t.logger.Info("Started backend process",
		log.String("command", t.config.Command),
		log.Strings("args", t.config.Args),
		log.Int("pid", cmd.Process.Pid),
	)

	msgs := make(chan *JSONRPCMessage, stdioMessageQueueSize)
	go t.readLoop(p, stdout, msgs)
	go t.dispatchLoop(p, msgs)

	t.mu.Lock()
	t.proc = p
	t.mu.Unlock()

	timer := time.NewTimer(t.opts.StartupDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.done:
		detail := describeExit(p.exitErr)
		if last := p.stderr.lastLine(); last != "" {
			detail += ": " + last
		}
		return fmt.Errorf("%w: process %q exited during startup (%s)", ErrTransportClosed, t.config.Command, detail)
	case <-ctx.Done():
		t.stop(p)
		return ctx.Err()
	}

	if !p.alive() {
		return fmt.Errorf("%w: process %q is not running", ErrTransportClosed, t.config.Command)
	}
	return nil
}

// readLoop feeds stdout through the line framer in arrival order. It owns
// msgs and closes it once stdout ends.
func (t *StdioTransport) readLoop(p *stdioProcess, stdout io.Reader, msgs chan<- *JSONRPCMessage) {
	defer close(msgs)

	framer := NewLineFramer(t.opts.MaxLineBytes)
	buf := make([]byte, stdioReadChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			lines, ferr := framer.Push(buf[:n])
			for _, line := range lines {
				if msg, ok := ParseMessage(line); ok {
					msgs <- msg
					continue
				}
				t.logger.Debug("Backend output", log.String("line", string(line)))
			}
			if ferr != nil {
				p.failure = ferr
				t.logger.Error("Backend output exceeded line buffer, killing process", log.Err(ferr))
				_ = p.cmd.Process.Kill()
				// Keep draining so the process can be reaped.
				_, _ = io.Copy(io.Discard, stdout)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Warn("Failed to read backend stdout", log.Err(err))
			}
			return
		}
	}
}

// dispatchLoop hands messages to the correlator, then reaps the process once
// stdout has been fully consumed and rejects whatever is still pending.
func (t *StdioTransport) dispatchLoop(p *stdioProcess, msgs <-chan *JSONRPCMessage) {
	p.correlator.Consume(msgs)

	p.exitErr = p.cmd.Wait()

	var reason error
	switch {
	case p.closing.Load():
		reason = ErrConnectionClosed
	case p.failure != nil:
		reason = fmt.Errorf("%w: %w", ErrTransportClosed, p.failure)
	default:
		reason = fmt.Errorf("%w: process exited (%s)", ErrTransportClosed, describeExit(p.exitErr))
	}
	p.correlator.CloseAll(reason)

	if p.closing.Load() {
		t.logger.Info("Backend process stopped")
	} else {
		t.logger.Warn("Backend process exited", log.String("status", describeExit(p.exitErr)))
	}
	close(p.done)
}

// Send writes the request and waits for the response with the same id.
func (t *StdioTransport) Send(ctx context.Context, req *JSONRPCRequest) (*JSONRPCResponse, error) {
	p := t.current()
	if p == nil || !p.alive() {
		return nil, fmt.Errorf("%w: process not running", ErrTransportClosed)
	}

	pending, err := p.correlator.Register(req.ID, req.Method, t.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	frame, err := EncodeFrame(req)
	if err != nil {
		p.correlator.Cancel(pending.ID, err)
		return nil, err
	}
	if err := p.write(frame); err != nil {
		werr := fmt.Errorf("%w: failed to write to stdin: %w", ErrTransportClosed, err)
		p.correlator.Cancel(pending.ID, werr)
		return nil, werr
	}

	resp, err := p.correlator.Wait(ctx, pending)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Notify writes a message without waiting for anything.
func (t *StdioTransport) Notify(ctx context.Context, req *JSONRPCRequest) error {
	p := t.current()
	if p == nil || !p.alive() {
		return fmt.Errorf("%w: process not running", ErrTransportClosed)
	}
	frame, err := EncodeFrame(req)
	if err != nil {
		return err
	}
	if err := p.write(frame); err != nil {
		return fmt.Errorf("%w: failed to write to stdin: %w", ErrTransportClosed, err)
	}
	return nil
}

// Close rejects pending requests, closes stdin and kills the process if it
// has not exited within the stop timeout.
func (t *StdioTransport) Close() error {
	p := t.current()
	if p == nil {
		return nil
	}
	return t.stop(p)
}

func (t *StdioTransport) stop(p *stdioProcess) error {
	if !p.closing.CompareAndSwap(false, true) {
		<-p.done
		return nil
	}
	p.correlator.CloseAll(ErrConnectionClosed)

	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-time.After(t.opts.StopTimeout):
	}

	t.logger.Warn("Backend did not exit after stdin closed, killing",
		log.Duration("timeout", t.opts.StopTimeout),
	)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(t.opts.StopTimeout):
		return fmt.Errorf("process %d did not exit after kill", p.cmd.Process.Pid)
	}
}

// IsConnected reports whether the process is running and not being stopped.
func (t *StdioTransport) IsConnected() bool {
	p := t.current()
	return p != nil && p.alive()
}

// Done is closed when the process exits.
func (t *StdioTransport) Done() <-chan struct{} {
	p := t.current()
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Kind returns TransportStdio.
func (t *StdioTransport) Kind() TransportType { return TransportStdio }

// Pending returns the number of requests awaiting a response.
func (t *StdioTransport) Pending() int {
	p := t.current()
	if p == nil {
		return 0
	}
	return p.correlator.Len()
}

func (t *StdioTransport) current() *stdioProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc
}

func (p *stdioProcess) alive() bool {
	if p.closing.Load() {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *stdioProcess) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(frame)
	return err
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// stderrLogger logs each stderr line of the backend and remembers the last
// one for startup failure messages.
type stderrLogger struct {
	logger log.Logger

	mu     sync.Mutex
	framer *LineFramer
	last   string
}

func newStderrLogger(logger log.Logger, maxLine int) *stderrLogger {
	return &stderrLogger{logger: logger, framer: NewLineFramer(maxLine)}
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines, err := w.framer.Push(p)
	for _, line := range lines {
		w.last = strings.TrimSpace(string(line))
		w.logger.Info("Backend stderr", log.String("line", w.last))
	}
	if err != nil {
		w.logger.Warn("Dropped oversized stderr line", log.Err(err))
	}
	return len(p), nil
}

func (w *stderrLogger) lastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
