package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/cellbridge/cellbridge/internal/adapter/jsonrpc"
	"github.com/cellbridge/cellbridge/internal/service"
)

// outboundQueue is the per-client buffer between the session fan-out and the
// socket write loop. A client that stops reading loses messages rather than
// stalling the shared session.
const outboundQueue = 256

// Bridge upgrades /ws connections and pumps LSP bodies between the client
// and the multiplexer. One WebSocket text frame carries exactly one JSON-RPC
// body.
type Bridge struct {
	mux *service.Multiplexer
	log *slog.Logger
}

// NewBridge creates the LSP bridge handler.
func NewBridge(mux *service.Multiplexer, log *slog.Logger) *Bridge {
	return &Bridge{mux: mux, log: log}
}

// Handle serves GET /ws?server=<key>&root=<rootUri>. A language parameter
// may stand in for the server key; the registry picks the server.
func (b *Bridge) Handle(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	root := r.URL.Query().Get("root")
	if server == "" {
		language := r.URL.Query().Get("language")
		if language == "" {
			http.Error(w, "missing server or language parameter", http.StatusBadRequest)
			return
		}
		key, ok := b.mux.ResolveServer(language)
		if !ok {
			http.Error(w, "no language server for "+language, http.StatusNotFound)
			return
		}
		server = key
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		b.log.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &bridgeClient{
		ws:  ws,
		out: make(chan *jsonrpc.Message, outboundQueue),
		log: b.log.With("client", clientID, "server", server),
	}
	go client.writeLoop(ctx)

	if err := b.mux.Open(ctx, server, root, clientID, client); err != nil {
		b.log.Warn("session open failed", "server", server, "root", root, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "language server unavailable")
		return
	}
	b.log.Info("client attached", "client", clientID, "server", server, "root", root)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		if err := b.mux.Route(server, root, clientID, data); err != nil {
			b.log.Warn("route failed", "client", clientID, "error", err)
		}
	}

	// The request context is gone once the client hangs up; detach with a
	// fresh bounded one.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := b.mux.Close(closeCtx, server, root, clientID); err != nil {
		b.log.Debug("detach failed", "client", clientID, "error", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	b.log.Info("client detached", "client", clientID, "server", server)
}

// bridgeClient implements service.ClientTransport for one socket.
type bridgeClient struct {
	ws  *websocket.Conn
	out chan *jsonrpc.Message
	log *slog.Logger
}

// Deliver queues one message for the write loop. Called from the shared
// session's fan-out goroutine; never blocks.
func (c *bridgeClient) Deliver(msg *jsonrpc.Message) {
	select {
	case c.out <- msg:
	default:
		c.log.Warn("client outbound queue full, dropping message", "method", msg.Method)
	}
}

func (c *bridgeClient) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("marshal outbound message", "error", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
