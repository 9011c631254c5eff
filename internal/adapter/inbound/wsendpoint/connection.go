// Package wsendpoint implements the MCP server role the proxy plays
// toward each upstream endpoint: one WebSocket dialed out to the
// endpoint's URL, over which the proxy answers initialize, tools/list,
// tools/call, and ping the way a normal MCP server would.
//
// Built around a two-goroutine pump: a dedicated reader plus a
// mutex-serialized writer instead of a second goroutine, since unlike a
// raw pipe a WebSocket frame write must never interleave with another
// write. Reconnection uses a constant delay rather than exponential
// backoff.
package wsendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/mcpendpoint"
	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
	"github.com/xiaozhi-mcp/xzproxy/pkg/mcp"
)

// tracer instruments the per-request dispatch a Connection does against
// the Service Manager, the same global-tracer convention internal/service
// uses for service_manager.call_tool.
var tracer = otel.Tracer("github.com/xiaozhi-mcp/xzproxy/internal/adapter/inbound/wsendpoint")

// defaultReconnectDelay is the constant delay between reconnect attempts
// ("constant, not exponential... aggressive back-off harms
// UX"). dialTimeout bounds a single WebSocket handshake attempt.
const (
	defaultReconnectDelay = 2 * time.Second
	dialTimeout           = 10 * time.Second
)

// serverName/serverVersion are reported verbatim in the initialize
// response's serverInfo.
const (
	serverName    = "xiaozhi-mcp-proxy"
	serverVersion = "0.1.0"
)

// Connection implements the MCP server role over one upstream WebSocket
// URL, reconnecting on its own at a constant delay. It holds a read-only
// capability to the Service Manager (never a direct reference) to answer
// tools/list and tools/call.
type Connection struct {
	url            string
	serviceManager inbound.ServiceManagerCapability
	bus            *eventbus.Bus
	logger         *slog.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	// state is this connection's exclusive view of its own lifecycle;
	// only this connection's own goroutines ever mutate it.
	state *mcpendpoint.EndpointState
	// socket is the live WebSocket, nil when disconnected.
	socket  *websocket.Conn
	pending map[string]context.CancelFunc
	writeMu sync.Mutex
}

// NewConnection builds an Endpoint Connection that has not yet dialed
// out; call Connect to start its reconnect loop.
func NewConnection(url string, sm inbound.ServiceManagerCapability, bus *eventbus.Bus, logger *slog.Logger) *Connection {
	return NewConnectionWithDelay(url, sm, bus, logger, defaultReconnectDelay)
}

// NewConnectionWithDelay is NewConnection with an overridable reconnect
// delay, used by tests that cannot afford the 2s default.
func NewConnectionWithDelay(url string, sm inbound.ServiceManagerCapability, bus *eventbus.Bus, logger *slog.Logger, reconnectDelay time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		url:            url,
		serviceManager: sm,
		bus:            bus,
		logger:         logger.With("endpoint", url),
		dialer:         &websocket.Dialer{HandshakeTimeout: dialTimeout},
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          mcpendpoint.NewEndpointState(url),
		pending:        make(map[string]context.CancelFunc),
	}
}

// Connect starts the connection's own reconnect loop in the background
// and returns immediately.
func (c *Connection) Connect() {
	go c.run()
}

// Status returns a read-only snapshot of this endpoint's connection
// state.
func (c *Connection) Status() inbound.ConnectionStatusView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return inbound.ConnectionStatusView{
		URL:              c.state.URL,
		Connected:        c.state.Connected,
		Initialized:      c.state.Initialized,
		ReconnectAttempt: c.state.ReconnectAttempt,
	}
}

// Disconnect closes the current socket (if any), which causes run's
// session loop to return an error and schedule a reconnect through the
// normal path. A no-op if not currently connected. Used by the Endpoint
// Manager's fleet reconnect().
func (c *Connection) Disconnect() {
	c.mu.Lock()
	socket := c.socketLocked()
	c.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
}

// Cleanup cancels the reconnect loop, closes any open socket, fails
// every pending tools/call with Cancelled, and blocks until the
// background loop has exited. Idempotent.
func (c *Connection) Cleanup() {
	c.cancel()
	c.mu.Lock()
	socket := c.socketLocked()
	c.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
	<-c.done
	c.mu.Lock()
	c.state.Lifecycle = mcpendpoint.LifecycleRemoved
	c.mu.Unlock()
	c.publishStatus(mcpendpoint.OperationRemove, false, "")
}

func (c *Connection) socketLocked() *websocket.Conn {
	return c.socket
}

// run is the connection's reconnect loop: dial, serve until the socket
// goes away, wait the constant delay, repeat until Cleanup cancels it.
func (c *Connection) run() {
	defer close(c.done)
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setLifecycle(mcpendpoint.LifecycleConnecting)
		c.publishStatus(mcpendpoint.OperationConnect, false, "connecting")

		if err := c.session(); err != nil {
			c.logger.Warn("endpoint session ended", "error", err)
		}

		if c.ctx.Err() != nil {
			return
		}

		c.setLifecycle(mcpendpoint.LifecycleReconnecting)
		c.bumpReconnectAttempt()
		c.publishStatus(mcpendpoint.OperationReconnect, false, "scheduling reconnect")

		select {
		case <-time.After(c.reconnectDelay):
		case <-c.ctx.Done():
			return
		}
	}
}

// session dials, serves requests until the socket closes or errors, and
// always leaves the connection in the disconnected state on return.
func (c *Connection) session() error {
	socket, _, err := c.dialer.DialContext(c.ctx, c.url, http.Header{})
	if err != nil {
		c.publishStatus(mcpendpoint.OperationConnect, false, err.Error())
		return fmt.Errorf("dial endpoint: %w", err)
	}

	c.mu.Lock()
	c.socket = socket
	c.mu.Unlock()
	c.setLifecycle(mcpendpoint.LifecycleConnected)
	c.publishStatus(mcpendpoint.OperationConnect, true, "connected")

	defer func() {
		_ = socket.Close()
		c.mu.Lock()
		c.socket = nil
		c.state.Connected = false
		c.state.Initialized = false
		c.mu.Unlock()
		c.cancelPending()
		c.setLifecycle(mcpendpoint.LifecycleDisconnected)
		c.publishStatus(mcpendpoint.OperationDisconnect, false, "socket closed")
	}()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(socket, raw)
	}
}

// dispatch decodes one inbound frame and routes it by JSON-RPC shape.
// Malformed frames are logged and dropped rather than killing the
// session, since a single bad frame from upstream is not fatal to the
// connection.
func (c *Connection) dispatch(socket *websocket.Conn, raw []byte) {
	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		c.logger.Warn("discarding malformed frame", "error", err)
		return
	}
	if msg.IsResponse() {
		// This connection never issues its own requests upstream, so an
		// inbound response has nothing to correlate to.
		return
	}
	req := msg.Request()
	if req == nil {
		return
	}

	id := msg.RawID()
	if len(id) == 0 {
		c.handleNotification(req.Method)
		return
	}
	c.handleRequest(socket, id, req.Method, req.Params)
}

func (c *Connection) handleNotification(method string) {
	switch method {
	case "notifications/initialized":
		c.mu.Lock()
		c.state.Initialized = true
		c.mu.Unlock()
		c.setLifecycle(mcpendpoint.LifecycleInitialized)
		c.publishStatus(mcpendpoint.OperationConnect, true, "initialized")
	default:
		c.logger.Debug("ignoring upstream notification", "method", method)
	}
}

func (c *Connection) handleRequest(socket *websocket.Conn, id json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case "initialize":
		c.respondResult(socket, id, map[string]interface{}{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		})
	case "ping":
		c.respondResult(socket, id, map[string]interface{}{})
	case "tools/list":
		if !c.isInitialized() {
			c.respondError(socket, id, mcp.ErrCodeInvalidRequest, mcpendpoint.ErrEndpointNotInitialized.Error())
			return
		}
		tools := c.serviceManager.ListTools(c.ctx)
		c.respondResult(socket, id, map[string]interface{}{"tools": toWireTools(tools)})
	case "tools/call":
		if !c.isInitialized() {
			c.respondError(socket, id, mcp.ErrCodeInvalidRequest, mcpendpoint.ErrEndpointNotInitialized.Error())
			return
		}
		c.handleToolCall(socket, id, params)
	default:
		c.respondError(socket, id, mcp.ErrCodeMethodNotFound, "method not found")
	}
}

// wireTool is the tools/list wire shape for one catalog entry.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func toWireTools(tools []provider.NamespacedTool) []wireTool {
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i] = wireTool{Name: t.ExposedName, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

// toolCallParams is the tools/call request's params shape.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolCall dispatches the actual provider call on its own
// goroutine so a slow tool never blocks this connection's reader from
// servicing other concurrent requests, tracking it in pending so
// cleanup()/Disconnect can cancel it.
func (c *Connection) handleToolCall(socket *websocket.Conn, id json.RawMessage, rawParams json.RawMessage) {
	var params toolCallParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		c.respondError(socket, id, mcp.ErrCodeInvalidParams, "invalid tools/call params")
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	key := string(id)
	c.mu.Lock()
	c.pending[key] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
		}()

		ctx, span := tracer.Start(ctx, "wsendpoint.tools_call", trace.WithAttributes(
			attribute.String("xzproxy.endpoint.url", c.url),
			attribute.String("xzproxy.tool.exposed_name", params.Name),
		))
		defer span.End()

		result, err := c.serviceManager.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, provider.ErrToolNotFound) {
				c.respondError(socket, id, mcp.ErrCodeMethodNotFound, err.Error())
			} else {
				c.respondError(socket, id, mcp.ErrCodeInternalError, err.Error())
			}
			return
		}
		c.respondResult(socket, id, result)
	}()
}

// cancelPending cancels every in-flight tools/call when the socket goes
// away, so each one fails promptly with Cancelled instead of running to
// completion against a connection nobody will read the answer from.
func (c *Connection) cancelPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
}

func (c *Connection) respondResult(socket *websocket.Conn, id json.RawMessage, result interface{}) {
	frame, err := mcp.BuildResultResponse(id, result)
	if err != nil {
		c.logger.Error("failed to build response", "error", err)
		return
	}
	c.writeFrame(socket, frame)
}

func (c *Connection) respondError(socket *websocket.Conn, id json.RawMessage, code int, message string) {
	frame, err := mcp.BuildErrorResponse(id, code, message)
	if err != nil {
		c.logger.Error("failed to build error response", "error", err)
		return
	}
	c.writeFrame(socket, frame)
}

func (c *Connection) writeFrame(socket *websocket.Conn, frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn("failed to write response frame", "error", err)
	}
}

func (c *Connection) setLifecycle(l mcpendpoint.Lifecycle) {
	c.mu.Lock()
	c.state.Lifecycle = l
	switch l {
	case mcpendpoint.LifecycleConnected, mcpendpoint.LifecycleInitialized:
		c.state.Connected = true
	case mcpendpoint.LifecycleDisconnected, mcpendpoint.LifecycleReconnecting:
		c.state.Connected = false
	}
	if l == mcpendpoint.LifecycleInitialized {
		c.state.Initialized = true
	}
	c.mu.Unlock()
}

func (c *Connection) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Initialized
}

func (c *Connection) bumpReconnectAttempt() {
	c.mu.Lock()
	c.state.ReconnectAttempt++
	c.state.NextReconnectAt = time.Now().Add(c.reconnectDelay)
	c.mu.Unlock()
}

func (c *Connection) publishStatus(op mcpendpoint.Operation, success bool, message string) {
	c.mu.Lock()
	connected := c.state.Connected
	c.mu.Unlock()
	c.bus.Publish(eventbus.TopicEndpointStatus, eventbus.EndpointStatus{
		Event:     eventbus.Event{Timestamp: time.Now()},
		URL:       c.url,
		Connected: connected,
		Operation: string(op),
		Success:   success,
		Message:   message,
	})
}
