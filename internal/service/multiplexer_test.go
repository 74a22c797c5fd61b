package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cellbridge/cellbridge/internal/adapter/jsonrpc"
	"github.com/cellbridge/cellbridge/internal/adapter/process"
	"github.com/cellbridge/cellbridge/internal/config"
	"github.com/cellbridge/cellbridge/internal/domain/lsp"
	"github.com/cellbridge/cellbridge/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession records what the multiplexer sends and lets tests inject
// inbound messages and lifecycle events.
type fakeSession struct {
	mu       sync.Mutex
	sent     []*jsonrpc.Message
	sendErr  error
	messages chan *jsonrpc.Message
	events   chan process.StatusEvent
	stopped  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		messages: make(chan *jsonrpc.Message, 16),
		events:   make(chan process.StatusEvent, 16),
	}
}

func (f *fakeSession) Send(msg *jsonrpc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeSession) Messages() <-chan *jsonrpc.Message  { return f.messages }
func (f *fakeSession) Events() <-chan process.StatusEvent { return f.events }
func (f *fakeSession) Info() process.Info                 { return process.Info{State: lsp.StateRunning} }

func (f *fakeSession) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.messages)
		close(f.events)
	}
	return nil
}

func (f *fakeSession) sentMessages() []*jsonrpc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*jsonrpc.Message(nil), f.sent...)
}

func (f *fakeSession) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeTransport collects delivered messages on a channel.
type fakeTransport struct {
	ch chan *jsonrpc.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan *jsonrpc.Message, 16)}
}

func (t *fakeTransport) Deliver(msg *jsonrpc.Message) { t.ch <- msg }

func (t *fakeTransport) next(tt *testing.T) *jsonrpc.Message {
	tt.Helper()
	select {
	case msg := <-t.ch:
		return msg
	case <-time.After(5 * time.Second):
		tt.Fatal("no message delivered")
		return nil
	}
}

// collectSink records published diagnostics batches.
type collectSink struct {
	mu      sync.Mutex
	batches []lsp.PublishDiagnosticsParams
}

func (s *collectSink) HandlePublish(params lsp.PublishDiagnosticsParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, params)
}

func newTestMux(sink DiagnosticsSink) (*Multiplexer, *[]*fakeSession) {
	m := NewMultiplexer(config.LSP{}, registry.New(nil), nil, nil, nil, sink, testLogger())
	var spawned []*fakeSession
	m.spawn = func(cfg process.Config, log *slog.Logger) (session, error) {
		s := newFakeSession()
		spawned = append(spawned, s)
		return s, nil
	}
	return m, &spawned
}

func TestOpenSharesSessionPerKey(t *testing.T) {
	m, spawned := newTestMux(nil)
	ctx := context.Background()

	if err := m.Open(ctx, "pylsp", "file:///nb", "a", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if err := m.Open(ctx, "pylsp", "file:///nb", "b", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if len(*spawned) != 1 {
		t.Fatalf("spawned = %d, want 1 shared session", len(*spawned))
	}

	if err := m.Open(ctx, "pylsp", "file:///other", "c", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if len(*spawned) != 2 {
		t.Fatalf("spawned = %d, want 2 (distinct root)", len(*spawned))
	}
}

func TestOpenUnknownServer(t *testing.T) {
	m, _ := newTestMux(nil)
	err := m.Open(context.Background(), "clangd", "file:///nb", "a", newFakeTransport())
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("err = %v", err)
	}
}

func TestRouteRemapsRequestIDs(t *testing.T) {
	m, spawned := newTestMux(nil)
	ctx := context.Background()
	ta, tb := newFakeTransport(), newFakeTransport()
	if err := m.Open(ctx, "pylsp", "file:///nb", "a", ta); err != nil {
		t.Fatal(err)
	}
	if err := m.Open(ctx, "pylsp", "file:///nb", "b", tb); err != nil {
		t.Fatal(err)
	}

	// Both clients use id 1; the session must see distinct ids.
	if err := m.Route("pylsp", "file:///nb", "a", []byte(`{"jsonrpc":"2.0","id":1,"method":"textDocument/hover"}`)); err != nil {
		t.Fatal(err)
	}
	if err := m.Route("pylsp", "file:///nb", "b", []byte(`{"jsonrpc":"2.0","id":1,"method":"textDocument/hover"}`)); err != nil {
		t.Fatal(err)
	}

	sess := (*spawned)[0]
	sent := sess.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent = %d", len(sent))
	}
	if string(sent[0].ID) == string(sent[1].ID) {
		t.Fatalf("global ids collide: %s", sent[0].ID)
	}

	// Answer the second request; only client b hears it, with its own id.
	sess.messages <- &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      sent[1].ID,
		Result:  json.RawMessage(`{"contents":[]}`),
	}
	resp := tb.next(t)
	if string(resp.ID) != "1" {
		t.Errorf("restored id = %s, want 1", resp.ID)
	}
	select {
	case msg := <-ta.ch:
		t.Fatalf("client a received someone else's response: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouteSendFailureAnswersClient(t *testing.T) {
	m, spawned := newTestMux(nil)
	ctx := context.Background()
	ta := newFakeTransport()
	if err := m.Open(ctx, "pylsp", "file:///nb", "a", ta); err != nil {
		t.Fatal(err)
	}

	// Subprocess is between generations: every send bounces.
	(*spawned)[0].failSends(process.ErrSessionStopped)

	err := m.Route("pylsp", "file:///nb", "a", []byte(`{"jsonrpc":"2.0","id":9,"method":"textDocument/hover"}`))
	if !errors.Is(err, process.ErrSessionStopped) {
		t.Fatalf("err = %v", err)
	}

	// The client gets a synthetic failure with its own id, not silence.
	resp := ta.next(t)
	if string(resp.ID) != "9" {
		t.Errorf("id = %s, want 9", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeRequestFailed {
		t.Fatalf("error = %+v", resp.Error)
	}

	// The remapping table did not leak: once sends recover, a response to a
	// fresh request still reaches the client.
	(*spawned)[0].failSends(nil)
	if err := m.Route("pylsp", "file:///nb", "a", []byte(`{"jsonrpc":"2.0","id":10,"method":"textDocument/hover"}`)); err != nil {
		t.Fatal(err)
	}
	sent := (*spawned)[0].sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d", len(sent))
	}
	(*spawned)[0].messages <- &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      sent[0].ID,
		Result:  json.RawMessage(`null`),
	}
	if resp := ta.next(t); string(resp.ID) != "10" {
		t.Errorf("restored id = %s, want 10", resp.ID)
	}
}

func TestNotificationFanout(t *testing.T) {
	m, spawned := newTestMux(nil)
	ctx := context.Background()
	ta, tb := newFakeTransport(), newFakeTransport()
	_ = m.Open(ctx, "pylsp", "file:///nb", "a", ta)
	_ = m.Open(ctx, "pylsp", "file:///nb", "b", tb)

	(*spawned)[0].messages <- &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		Method:  "window/logMessage",
		Params:  json.RawMessage(`{"type":3,"message":"hi"}`),
	}

	for _, tr := range []*fakeTransport{ta, tb} {
		if msg := tr.next(t); msg.Method != "window/logMessage" {
			t.Errorf("method = %q", msg.Method)
		}
	}
}

func TestCloseCancelsPendingAndRefcounts(t *testing.T) {
	m, spawned := newTestMux(nil)
	ctx := context.Background()
	ta, tb := newFakeTransport(), newFakeTransport()
	_ = m.Open(ctx, "pylsp", "file:///nb", "a", ta)
	_ = m.Open(ctx, "pylsp", "file:///nb", "b", tb)

	if err := m.Route("pylsp", "file:///nb", "a", []byte(`{"jsonrpc":"2.0","id":"req-7","method":"textDocument/completion"}`)); err != nil {
		t.Fatal(err)
	}

	// First detach: pending request resolves locally, session survives.
	if err := m.Close(ctx, "pylsp", "file:///nb", "a"); err != nil {
		t.Fatal(err)
	}
	cancelled := ta.next(t)
	if cancelled.Error == nil || cancelled.Error.Code != jsonrpc.CodeRequestCancelled {
		t.Fatalf("cancellation = %+v", cancelled.Error)
	}
	if string(cancelled.ID) != `"req-7"` {
		t.Errorf("cancelled id = %s", cancelled.ID)
	}
	if (*spawned)[0].isStopped() {
		t.Fatal("session stopped while a client remains")
	}

	// Last detach shuts the session down.
	if err := m.Close(ctx, "pylsp", "file:///nb", "b"); err != nil {
		t.Fatal(err)
	}
	if !(*spawned)[0].isStopped() {
		t.Fatal("session not stopped after last detach")
	}
	if err := m.Route("pylsp", "file:///nb", "b", []byte(`{}`)); !errors.Is(err, ErrNoSession) {
		t.Errorf("route after close: %v", err)
	}
}

func TestPublishDiagnosticsReachesSink(t *testing.T) {
	sink := &collectSink{}
	m, spawned := newTestMux(sink)
	ctx := context.Background()
	_ = m.Open(ctx, "pylsp", "file:///nb", "a", newFakeTransport())

	(*spawned)[0].messages <- &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		Method:  "textDocument/publishDiagnostics",
		Params:  json.RawMessage(`{"uri":"file:///.virtual_documents/nb/python","diagnostics":[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"message":"boom"}]}`),
	}

	deadline := time.After(5 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.batches)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sink never saw the publish")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.batches[0].URI != "file:///.virtual_documents/nb/python" {
		t.Errorf("uri = %q", sink.batches[0].URI)
	}
	if len(sink.batches[0].Diagnostics) != 1 || sink.batches[0].Diagnostics[0].Message != "boom" {
		t.Errorf("diagnostics = %+v", sink.batches[0].Diagnostics)
	}
}

func TestTerminalStateReapsSession(t *testing.T) {
	m, spawned := newTestMux(nil)
	ctx := context.Background()
	_ = m.Open(ctx, "pylsp", "file:///nb", "a", newFakeTransport())

	(*spawned)[0].events <- process.StatusEvent{State: lsp.StateStopped}

	deadline := time.After(5 * time.Second)
	for {
		err := m.Route("pylsp", "file:///nb", "a", []byte(`{}`))
		if errors.Is(err, ErrNoSession) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stopped session never reaped")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Reopening the same key spawns a fresh session.
	if err := m.Open(ctx, "pylsp", "file:///nb", "a", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if len(*spawned) != 2 {
		t.Fatalf("spawned = %d, want fresh session after reap", len(*spawned))
	}
}
