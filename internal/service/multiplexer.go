// Package service wires the domain to the adapters: the session multiplexer
// bridges WebSocket clients to supervised language server processes, and the
// diagnostics router translates published diagnostics back onto notebook
// cells.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/cellbridge/cellbridge/internal/adapter/jsonrpc"
	"github.com/cellbridge/cellbridge/internal/adapter/otel"
	"github.com/cellbridge/cellbridge/internal/adapter/process"
	"github.com/cellbridge/cellbridge/internal/config"
	"github.com/cellbridge/cellbridge/internal/domain/lsp"
	"github.com/cellbridge/cellbridge/internal/port/broadcast"
	"github.com/cellbridge/cellbridge/internal/port/eventbus"
	"github.com/cellbridge/cellbridge/internal/registry"
)

// ErrUnknownServer is returned when an open names a server key the registry
// does not hold.
var ErrUnknownServer = errors.New("unknown language server")

// ErrNoSession is returned when a route or close names a session that is not
// open.
var ErrNoSession = errors.New("no open session")

// EventLSPStatus and EventLSPDiagnostics are the WebSocket event types
// broadcast by the gateway.
const (
	EventLSPStatus      = "lsp.status"
	EventLSPDiagnostics = "lsp.diagnostics"
)

// session is the multiplexer's view of one supervised subprocess. Satisfied
// by *process.Session.
type session interface {
	Send(*jsonrpc.Message) error
	Messages() <-chan *jsonrpc.Message
	Events() <-chan process.StatusEvent
	Info() process.Info
	Shutdown(context.Context) error
}

// spawner abstracts process creation so tests can substitute fakes.
type spawner func(cfg process.Config, log *slog.Logger) (session, error)

// ClientTransport delivers one LSP message to a connected client. Called
// from the shared session's fan-out goroutine; implementations must queue
// rather than block.
type ClientTransport interface {
	Deliver(msg *jsonrpc.Message)
}

// SessionKey identifies one shared session.
type SessionKey struct {
	Server string
	Root   string
}

// pendingRequest remembers which client sent a remapped request.
type pendingRequest struct {
	clientID string
	origID   json.RawMessage
}

// sharedSession is one refcounted subprocess plus its attached clients and
// id-remapping table.
type sharedSession struct {
	key  SessionKey
	sess session

	mu       sync.Mutex
	clients  map[string]ClientTransport
	nextID   int64
	inflight map[int64]pendingRequest
	closed   bool
}

// Multiplexer maps (server key, root URI) to shared process sessions and
// routes traffic between clients and subprocesses.
type Multiplexer struct {
	cfg     config.LSP
	reg     *registry.Registry
	hub     broadcast.Broadcaster
	bus     eventbus.Bus // may be nil
	metrics *otel.Metrics
	log     *slog.Logger
	diag    DiagnosticsSink // may be nil
	spawn   spawner

	mu       sync.Mutex
	sessions map[SessionKey]*sharedSession
}

// DiagnosticsSink receives publishDiagnostics notifications observed on any
// session, before they fan out to clients.
type DiagnosticsSink interface {
	HandlePublish(params lsp.PublishDiagnosticsParams)
}

// NewMultiplexer creates the multiplexer. bus and sink may be nil.
func NewMultiplexer(cfg config.LSP, reg *registry.Registry, hub broadcast.Broadcaster,
	bus eventbus.Bus, metrics *otel.Metrics, sink DiagnosticsSink, log *slog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:     cfg,
		reg:     reg,
		hub:     hub,
		bus:     bus,
		metrics: metrics,
		log:     log,
		diag:    sink,
		spawn: func(cfg process.Config, log *slog.Logger) (session, error) {
			return process.Start(cfg, log)
		},
		sessions: map[SessionKey]*sharedSession{},
	}
}

// Open attaches a client to the session for (serverKey, rootURI), spawning
// the subprocess on first attach.
func (m *Multiplexer) Open(ctx context.Context, serverKey, rootURI, clientID string, t ClientTransport) error {
	spec, ok := m.reg.Spec(serverKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverKey)
	}

	key := SessionKey{Server: serverKey, Root: rootURI}
	m.mu.Lock()
	ss, exists := m.sessions[key]
	if !exists {
		sess, err := m.spawn(process.Config{
			Command:         spec.Command,
			Dir:             rootPath(rootURI),
			InitialBackoff:  m.cfg.InitialBackoff,
			MaxBackoff:      m.cfg.MaxBackoff,
			BackoffFactor:   m.cfg.BackoffFactor,
			MaxRestarts:     m.cfg.MaxRestarts,
			ShutdownTimeout: m.cfg.ShutdownTimeout,
		}, m.log.With("server", serverKey, "root", rootURI))
		if err != nil {
			m.mu.Unlock()
			m.broadcastStatus(ctx, key, lsp.StateStopped, 0, err)
			return fmt.Errorf("open %s: %w", serverKey, err)
		}
		ss = &sharedSession{
			key:      key,
			sess:     sess,
			clients:  map[string]ClientTransport{},
			inflight: map[int64]pendingRequest{},
		}
		m.sessions[key] = ss
		if m.metrics != nil {
			m.metrics.SessionsStarted.Add(ctx, 1)
		}
		go m.fanout(ss)
		go m.watchEvents(ss)
		m.log.Info("language server session opened", "server", serverKey, "root", rootURI)
	}
	m.mu.Unlock()

	ss.mu.Lock()
	ss.clients[clientID] = t
	ss.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ClientsConnected.Add(ctx, 1)
	}
	return nil
}

// Close detaches a client. Its pending requests resolve locally with a
// request-cancelled error; the last detach shuts the subprocess down.
func (m *Multiplexer) Close(ctx context.Context, serverKey, rootURI, clientID string) error {
	key := SessionKey{Server: serverKey, Root: rootURI}
	m.mu.Lock()
	ss, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSession, serverKey, rootURI)
	}

	ss.mu.Lock()
	t, attached := ss.clients[clientID]
	delete(ss.clients, clientID)
	var cancelled []json.RawMessage
	for id, req := range ss.inflight {
		if req.clientID == clientID {
			cancelled = append(cancelled, req.origID)
			delete(ss.inflight, id)
		}
	}
	last := len(ss.clients) == 0
	ss.mu.Unlock()

	if !attached {
		return fmt.Errorf("%w: client %s", ErrNoSession, clientID)
	}
	if m.metrics != nil {
		m.metrics.ClientsConnected.Add(ctx, -1)
	}
	for _, id := range cancelled {
		t.Deliver(jsonrpc.ErrorResponse(id, jsonrpc.CodeRequestCancelled, "client disconnected"))
	}

	if last {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		m.log.Info("last client detached, stopping session", "server", serverKey, "root", rootURI)
		return ss.sess.Shutdown(ctx)
	}
	return nil
}

// Route forwards one client message to the session's subprocess. Request ids
// are remapped into the session-global id space so concurrent clients never
// collide.
func (m *Multiplexer) Route(serverKey, rootURI, clientID string, body []byte) error {
	key := SessionKey{Server: serverKey, Root: rootURI}
	m.mu.Lock()
	ss, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSession, serverKey, rootURI)
	}

	var msg jsonrpc.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("parse client message: %w", err)
	}

	if !msg.IsRequest() {
		return ss.sess.Send(&msg)
	}

	origID := msg.ID
	ss.mu.Lock()
	ss.nextID++
	global := ss.nextID
	ss.inflight[global] = pendingRequest{clientID: clientID, origID: origID}
	ss.mu.Unlock()
	msg.ID = json.RawMessage(strconv.FormatInt(global, 10))

	if err := ss.sess.Send(&msg); err != nil {
		// The subprocess is crashed or restarting: unwind the remapping and
		// answer the client now, it will never see a real response.
		ss.mu.Lock()
		delete(ss.inflight, global)
		t := ss.clients[clientID]
		ss.mu.Unlock()
		if t != nil {
			t.Deliver(jsonrpc.ErrorResponse(origID, jsonrpc.CodeRequestFailed, "language server unavailable"))
		}
		return fmt.Errorf("route to %s: %w", serverKey, err)
	}
	return nil
}

// fanout pumps subprocess messages to the owning client (responses) or to
// every attached client (notifications and server-initiated requests).
func (m *Multiplexer) fanout(ss *sharedSession) {
	for msg := range ss.sess.Messages() {
		if msg.Method == "textDocument/publishDiagnostics" && m.diag != nil {
			var params lsp.PublishDiagnosticsParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				m.log.Warn("malformed publishDiagnostics", "error", err)
			} else {
				m.diag.HandlePublish(params)
			}
		}

		if msg.IsResponse() {
			global, err := strconv.ParseInt(string(msg.ID), 10, 64)
			if err != nil {
				m.log.Debug("response with unknown id shape", "id", string(msg.ID))
				continue
			}
			ss.mu.Lock()
			req, ok := ss.inflight[global]
			delete(ss.inflight, global)
			t := ss.clients[req.clientID]
			ss.mu.Unlock()
			if !ok || t == nil {
				continue // client already detached
			}
			msg.ID = req.origID
			t.Deliver(msg)
			continue
		}

		ss.mu.Lock()
		transports := make([]ClientTransport, 0, len(ss.clients))
		for _, t := range ss.clients {
			transports = append(transports, t)
		}
		ss.mu.Unlock()
		for _, t := range transports {
			t.Deliver(msg)
		}
	}
}

// watchEvents republishes session lifecycle transitions and reaps the
// session when it reaches its terminal state.
func (m *Multiplexer) watchEvents(ss *sharedSession) {
	ctx := context.Background()
	for ev := range ss.sess.Events() {
		if m.metrics != nil {
			switch ev.State {
			case lsp.StateCrashed:
				m.metrics.SessionsCrashed.Add(ctx, 1)
			case lsp.StateStarting:
				m.metrics.SessionsRestarted.Add(ctx, 1)
			}
		}
		m.broadcastStatus(ctx, ss.key, ev.State, ev.Restarts, ev.Err)
		if ev.State == lsp.StateStopped {
			m.mu.Lock()
			if m.sessions[ss.key] == ss {
				delete(m.sessions, ss.key)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Multiplexer) broadcastStatus(ctx context.Context, key SessionKey, state lsp.ServerState, restarts int, err error) {
	payload := eventbus.StatusPayload{
		Server:   key.Server,
		Root:     key.Root,
		State:    string(state),
		Restarts: restarts,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if m.hub != nil {
		m.hub.BroadcastEvent(ctx, EventLSPStatus, payload)
	}
	if m.bus != nil {
		data, marshalErr := json.Marshal(payload)
		if marshalErr == nil {
			if pubErr := m.bus.Publish(ctx, eventbus.SubjectStatus, data); pubErr != nil {
				m.log.Warn("status publish failed", "error", pubErr)
			}
		}
	}
}

// ResolveServer picks a server key for a language id, preferring installed
// servers.
func (m *Multiplexer) ResolveServer(language string) (string, bool) {
	key, _, ok := m.reg.Resolve(language)
	return key, ok
}

// Shutdown stops every open session.
func (m *Multiplexer) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*sharedSession, 0, len(m.sessions))
	for _, ss := range m.sessions {
		sessions = append(sessions, ss)
	}
	m.sessions = map[SessionKey]*sharedSession{}
	m.mu.Unlock()

	for _, ss := range sessions {
		if err := ss.sess.Shutdown(ctx); err != nil {
			m.log.Warn("session shutdown failed", "server", ss.key.Server, "error", err)
		}
	}
}

// Infos merges the registry's spec table with live session state for the
// status API.
func (m *Multiplexer) Infos() []lsp.ServerInfo {
	infos := m.reg.Infos()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range infos {
		for key, ss := range m.sessions {
			if key.Server != infos[i].Key {
				continue
			}
			info := ss.sess.Info()
			infos[i].State = info.State
			infos[i].PID = info.PID
			infos[i].Restarts += info.Restarts
			ss.mu.Lock()
			infos[i].Clients += len(ss.clients)
			ss.mu.Unlock()
			if info.LastErr != nil {
				infos[i].LastError = info.LastErr.Error()
			}
		}
	}
	return infos
}

// rootPath converts a file:// root URI to a working directory for the
// subprocess. Non-file roots run from the gateway's own directory.
func rootPath(rootURI string) string {
	if p, ok := strings.CutPrefix(rootURI, "file://"); ok {
		return p
	}
	return ""
}
