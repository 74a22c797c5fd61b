// Package process owns one language server subprocess: spawning, the framed
// stdio streams, crash detection, and restart with exponential backoff.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cellbridge/cellbridge/internal/adapter/jsonrpc"
	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

var (
	// ErrSpawnFailed marks a spec whose binary could not be started. The
	// language is reported unavailable; there is no retry.
	ErrSpawnFailed = errors.New("language server spawn failed")

	// ErrSessionStopped is returned by Send after the session reached its
	// terminal state.
	ErrSessionStopped = errors.New("session stopped")
)

// connectionLostMessage is the synthetic error sent for requests that were
// in flight when the subprocess died.
const connectionLostMessage = "connection to language server lost"

// Config tunes one session.
type Config struct {
	Command         []string
	Dir             string
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffFactor   float64
	MaxRestarts     int
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Backoff returns the delay before restart attempt n (0-based).
func Backoff(n int, initial, max time.Duration, factor float64) time.Duration {
	d := initial
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * factor)
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// StatusEvent reports a lifecycle transition.
type StatusEvent struct {
	State    lsp.ServerState
	Restarts int
	Err      error
}

// Info is a point-in-time snapshot for the status API.
type Info struct {
	State    lsp.ServerState
	PID      int
	Restarts int
	LastErr  error
}

// generation is one spawned process within a session's lifetime.
type generation struct {
	cmd  *exec.Cmd
	conn *jsonrpc.Conn
}

// Session supervises one language server subprocess. Messages read from the
// process surface on Messages(); lifecycle transitions on Events(). Both
// channels close when the session reaches Stopped.
type Session struct {
	cfg Config
	log *slog.Logger

	messages chan *jsonrpc.Message
	events   chan StatusEvent
	stop     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	state    lsp.ServerState
	gen      *generation
	pid      int
	restarts int
	lastErr  error
	stopping bool
	pending  map[string]json.RawMessage // outbound request ids awaiting response
}

// Start spawns the subprocess and begins supervising it. A spawn failure is
// terminal: the session comes back nil with an ErrSpawnFailed-wrapped error.
func Start(cfg Config, log *slog.Logger) (*Session, error) {
	cfg.applyDefaults()
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	s := &Session{
		cfg:      cfg,
		log:      log,
		messages: make(chan *jsonrpc.Message, 64),
		events:   make(chan StatusEvent, 32),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    lsp.StateStarting,
		pending:  map[string]json.RawMessage{},
	}
	gen, err := s.spawn()
	if err != nil {
		s.setState(lsp.StateStopped, err)
		return nil, err
	}
	go s.supervise(gen)
	return s, nil
}

// Messages returns parsed messages from the subprocess, including synthetic
// error responses for requests pending at crash time.
func (s *Session) Messages() <-chan *jsonrpc.Message { return s.messages }

// Events returns lifecycle transitions.
func (s *Session) Events() <-chan StatusEvent { return s.events }

// Info snapshots the session for the status API.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{State: s.state, PID: s.pid, Restarts: s.restarts, LastErr: s.lastErr}
}

// Send writes one message to the subprocess. Request ids are tracked so the
// caller gets a synthetic error response if the process dies first.
func (s *Session) Send(msg *jsonrpc.Message) error {
	s.mu.Lock()
	if s.state != lsp.StateRunning || s.gen == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSessionStopped, s.state)
	}
	gen := s.gen
	if msg.IsRequest() {
		s.pending[string(msg.ID)] = msg.ID
	}
	s.mu.Unlock()

	if err := gen.conn.WriteMessage(msg); err != nil {
		return fmt.Errorf("send to language server: %w", err)
	}
	return nil
}

// Shutdown performs the LSP shutdown handshake, then waits for the process
// to exit, killing it after the configured timeout. Safe to call twice.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopping = true
	gen := s.gen
	running := s.state == lsp.StateRunning
	s.mu.Unlock()

	if gen != nil && running {
		_ = gen.conn.WriteMessage(&jsonrpc.Message{
			JSONRPC: jsonrpc.Version,
			ID:      json.RawMessage(`"shutdown"`),
			Method:  "shutdown",
		})
		_ = gen.conn.WriteMessage(&jsonrpc.Message{
			JSONRPC: jsonrpc.Version,
			Method:  "exit",
		})
		// Closing stdin is the fallback exit signal for servers that do not
		// honor the handshake.
		_ = gen.conn.Close()
	}
	close(s.stop)

	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.kill(gen)
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		s.kill(gen)
		return ctx.Err()
	}
	return nil
}

func (s *Session) kill(gen *generation) {
	if gen != nil && gen.cmd.Process != nil {
		_ = gen.cmd.Process.Kill()
	}
}

// spawn starts one process generation and wires up its streams.
func (s *Session) spawn() (*generation, error) {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrSpawnFailed, s.cfg.Command[0], err)
	}

	go s.drainStderr(stderr)

	gen := &generation{
		cmd:  cmd,
		conn: jsonrpc.NewConn(stdioPipe{Reader: stdout, WriteCloser: stdin}),
	}
	s.mu.Lock()
	s.gen = gen
	s.pid = cmd.Process.Pid
	s.mu.Unlock()
	return gen, nil
}

func (s *Session) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.log.Debug("language server stderr", "line", sc.Text())
	}
}

// supervise runs the crash/restart loop for the session's lifetime.
func (s *Session) supervise(gen *generation) {
	defer close(s.done)
	defer close(s.messages)
	defer close(s.events)

	for {
		s.setState(lsp.StateRunning, nil)
		s.emit(StatusEvent{State: lsp.StateRunning, Restarts: s.restartCount()})

		s.readLoop(gen.conn)
		waitErr := gen.cmd.Wait()

		if s.isStopping() {
			s.setState(lsp.StateStopped, nil)
			s.emit(StatusEvent{State: lsp.StateStopped, Restarts: s.restartCount()})
			return
		}

		crashErr := waitErr
		if crashErr == nil {
			crashErr = errors.New("process exited unexpectedly")
		}
		s.log.Warn("language server crashed",
			"command", s.cfg.Command[0], "restarts", s.restartCount(), "error", crashErr)
		s.setState(lsp.StateCrashed, crashErr)
		s.emit(StatusEvent{State: lsp.StateCrashed, Restarts: s.restartCount(), Err: crashErr})
		s.failPending()

		if s.restartCount() >= s.cfg.MaxRestarts {
			s.setState(lsp.StateStopped, crashErr)
			s.emit(StatusEvent{State: lsp.StateStopped, Restarts: s.restartCount(), Err: crashErr})
			return
		}

		delay := Backoff(s.restartCount(), s.cfg.InitialBackoff, s.cfg.MaxBackoff, s.cfg.BackoffFactor)
		select {
		case <-time.After(delay):
		case <-s.stop:
			s.setState(lsp.StateStopped, nil)
			s.emit(StatusEvent{State: lsp.StateStopped, Restarts: s.restartCount()})
			return
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		s.setState(lsp.StateStarting, nil)
		s.emit(StatusEvent{State: lsp.StateStarting, Restarts: s.restartCount()})

		next, err := s.spawn()
		if err != nil {
			s.setState(lsp.StateStopped, err)
			s.emit(StatusEvent{State: lsp.StateStopped, Restarts: s.restartCount(), Err: err})
			return
		}
		gen = next
	}
}

// readLoop parses framed messages until the stream closes. Malformed headers
// and undecodable bodies leave the stream aligned, so the offending message
// is discarded and reading continues; only transport errors end the loop.
func (s *Session) readLoop(conn *jsonrpc.Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, jsonrpc.ErrMissingLength) || errors.Is(err, jsonrpc.ErrInvalidBody) {
				s.log.Warn("discarding malformed message", "error", err)
				continue
			}
			return
		}
		if msg.IsResponse() {
			s.mu.Lock()
			delete(s.pending, string(msg.ID))
			s.mu.Unlock()
		}
		select {
		case s.messages <- msg:
		case <-s.stop:
			return
		}
	}
}

// failPending resolves every in-flight request with a synthetic error so
// callers never hang on a dead process.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]json.RawMessage{}
	s.mu.Unlock()

	for _, id := range pending {
		resp := jsonrpc.ErrorResponse(id, jsonrpc.CodeRequestFailed, connectionLostMessage)
		select {
		case s.messages <- resp:
		case <-s.stop:
			return
		}
	}
}

func (s *Session) emit(ev StatusEvent) {
	select {
	case s.events <- ev:
	default:
		// A stalled listener must not wedge supervision.
	}
}

func (s *Session) setState(st lsp.ServerState, err error) {
	s.mu.Lock()
	s.state = st
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) restartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// stdioPipe glues a subprocess's stdout (read) and stdin (write) into one
// stream for the framing codec. Close closes stdin, which is the polite way
// to make a language server exit after the shutdown handshake.
type stdioPipe struct {
	io.Reader
	io.WriteCloser
}
