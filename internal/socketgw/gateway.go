// Package socketgw is the WebSocket transport for the orchestrator's
// socket pipelines (spec §4.8): it accepts connections, fans connect and
// disconnect events out to every plugin holding the socket grant, and
// runs each inbound message through the interception-style message
// pipeline, writing back a response frame when a plugin intercepts.
package socketgw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/frontclaw/core/internal/orchestrator"
)

const (
	maxMessageBytes = 1 << 20
	pingInterval    = 30 * time.Second
)

// Orchestrator is the subset of *orchestrator.Orchestrator the gateway
// drives, declared locally so tests can substitute a fake.
type Orchestrator interface {
	SocketConnect(ctx context.Context, sessionID string, meta map[string]any)
	SocketDisconnect(ctx context.Context, sessionID string)
	SocketMessage(ctx context.Context, sessionID, event string, payload any) (*orchestrator.Intercepted, error)
}

// inboundFrame is the wire shape of a client-sent socket message.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outboundFrame is the wire shape of a gateway response or error.
type outboundFrame struct {
	Event    string `json:"event"`
	Result   any    `json:"result,omitempty"`
	PluginID string `json:"pluginId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Gateway upgrades HTTP connections and drives them through Orch.
type Gateway struct {
	Orch Orchestrator

	// AcceptOptions, when set, overrides the default websocket.AcceptOptions
	// (e.g. to restrict InsecureSkipVerify in production).
	AcceptOptions *websocket.AcceptOptions

	// Logger receives gateway-level warnings; nil disables logging.
	Logger *slog.Logger
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// ServeHTTP implements http.Handler: one call is one socket session for
// its lifetime.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := g.AcceptOptions
	if opts == nil {
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxMessageBytes)

	sessionID := uuid.NewString()
	ctx := r.Context()

	g.Orch.SocketConnect(ctx, sessionID, map[string]any{
		"remoteAddr": r.RemoteAddr,
		"userAgent":  r.UserAgent(),
	})
	defer g.Orch.SocketDisconnect(ctx, sessionID)

	go g.keepAlive(ctx, conn)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.writeError(ctx, conn, "", "invalid frame: "+err.Error())
			continue
		}

		var payload any
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				g.writeError(ctx, conn, frame.Event, "invalid payload: "+err.Error())
				continue
			}
		}

		intercepted, err := g.Orch.SocketMessage(ctx, sessionID, frame.Event, payload)
		if err != nil {
			g.logger().WarnContext(ctx, "socket message pipeline failed", "event", frame.Event, "error", err)
			g.writeError(ctx, conn, frame.Event, err.Error())
			continue
		}
		if intercepted != nil {
			g.write(ctx, conn, outboundFrame{Event: frame.Event, Result: intercepted.Result, PluginID: intercepted.PluginID})
		}
	}
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (g *Gateway) writeError(ctx context.Context, conn *websocket.Conn, event, message string) {
	g.write(ctx, conn, outboundFrame{Event: event, Error: message})
}

func (g *Gateway) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
