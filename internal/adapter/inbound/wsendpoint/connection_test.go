package wsendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
	"github.com/xiaozhi-mcp/xzproxy/pkg/mcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServiceManager is a hand-written stand-in for the Service Manager's
// read-only capability, matching the corpus's own hand-written-fake
// testing convention over a mocking framework.
type fakeServiceManager struct {
	mu        sync.Mutex
	tools     []provider.NamespacedTool
	callFunc  func(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error)
	callCount int
}

func (f *fakeServiceManager) ListTools(ctx context.Context) []provider.NamespacedTool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools
}

func (f *fakeServiceManager) CallTool(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.callCount++
	fn := f.callFunc
	f.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return fn(ctx, exposedName, args)
}

func (f *fakeServiceManager) GetStatus(ctx context.Context) []provider.StatusSnapshot { return nil }

var _ inbound.ServiceManagerCapability = (*fakeServiceManager)(nil)

// upstreamPeer is a minimal test stand-in for the real upstream endpoint:
// it accepts the proxy's outbound WebSocket dial and lets the test drive
// the MCP client-role half of the handshake by hand.
type upstreamPeer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *websocket.Conn
}

func newUpstreamPeer() *upstreamPeer {
	p := &upstreamPeer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		accepted: make(chan *websocket.Conn, 8),
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.accepted <- conn
	}))
	return p
}

func (p *upstreamPeer) wsURL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http")
}

func (p *upstreamPeer) close() {
	p.server.Close()
}

func (p *upstreamPeer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proxy to dial in")
		return nil
	}
}

func doHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]interface{}{},
	}); err != nil {
		t.Fatalf("write initialize: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read initialize response: %v", err)
	}
	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if resp.Result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected protocol version %q", resp.Result.ProtocolVersion)
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	}); err != nil {
		t.Fatalf("write notifications/initialized: %v", err)
	}
}

func newTestBus() *eventbus.Bus {
	return eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConnectionHandshakeThenServesToolsList(t *testing.T) {
	peer := newUpstreamPeer()
	defer peer.close()

	sm := &fakeServiceManager{tools: []provider.NamespacedTool{
		{ExposedName: "calc__add", Description: "adds numbers"},
	}}
	bus := newTestBus()
	defer bus.Destroy()

	c := NewConnectionWithDelay(peer.wsURL(), sm, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), 50*time.Millisecond)
	c.Connect()
	defer c.Cleanup()

	serverSide := peer.nextConn(t)
	defer serverSide.Close()
	doHandshake(t, serverSide)

	if err := serverSide.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	}); err != nil {
		t.Fatalf("write tools/list: %v", err)
	}
	_, raw, err := serverSide.ReadMessage()
	if err != nil {
		t.Fatalf("read tools/list response: %v", err)
	}
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode tools/list response: %v", err)
	}
	if len(resp.Result.Tools) != 1 || resp.Result.Tools[0].Name != "calc__add" {
		t.Fatalf("unexpected tools/list result: %+v", resp.Result.Tools)
	}
}

func TestConnectionRejectsRequestsBeforeInitialized(t *testing.T) {
	peer := newUpstreamPeer()
	defer peer.close()

	sm := &fakeServiceManager{}
	bus := newTestBus()
	defer bus.Destroy()

	c := NewConnectionWithDelay(peer.wsURL(), sm, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), 50*time.Millisecond)
	c.Connect()
	defer c.Cleanup()

	serverSide := peer.nextConn(t)
	defer serverSide.Close()

	// Send initialize but not notifications/initialized, so the
	// connection is mid-handshake (connected, not yet initialized).
	if err := serverSide.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	}); err != nil {
		t.Fatalf("write initialize: %v", err)
	}
	if _, _, err := serverSide.ReadMessage(); err != nil {
		t.Fatalf("read initialize response: %v", err)
	}

	if err := serverSide.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	}); err != nil {
		t.Fatalf("write tools/list: %v", err)
	}
	_, raw, err := serverSide.ReadMessage()
	if err != nil {
		t.Fatalf("read tools/list response: %v", err)
	}
	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error response before notifications/initialized")
	}
	if resp.Error.Code != mcp.ErrCodeInvalidRequest {
		t.Fatalf("expected code %d (invalid request) for a pre-initialize call, got %d", mcp.ErrCodeInvalidRequest, resp.Error.Code)
	}
}

func TestConnectionToolsCallSuccessAndErrors(t *testing.T) {
	peer := newUpstreamPeer()
	defer peer.close()

	wantErr := errors.New("boom")
	sm := &fakeServiceManager{
		callFunc: func(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error) {
			switch exposedName {
			case "calc__add":
				return json.RawMessage(`{"sum":3}`), nil
			case "calc__missing":
				return nil, provider.ErrToolNotFound
			default:
				return nil, wantErr
			}
		},
	}
	bus := newTestBus()
	defer bus.Destroy()

	c := NewConnectionWithDelay(peer.wsURL(), sm, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), 50*time.Millisecond)
	c.Connect()
	defer c.Cleanup()

	serverSide := peer.nextConn(t)
	defer serverSide.Close()
	doHandshake(t, serverSide)

	call := func(id int, name string) map[string]interface{} {
		if err := serverSide.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0", "id": id, "method": "tools/call",
			"params": map[string]interface{}{"name": name, "arguments": map[string]interface{}{}},
		}); err != nil {
			t.Fatalf("write tools/call: %v", err)
		}
		_, raw, err := serverSide.ReadMessage()
		if err != nil {
			t.Fatalf("read tools/call response: %v", err)
		}
		var resp map[string]interface{}
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("decode tools/call response: %v", err)
		}
		return resp
	}

	if resp := call(1, "calc__add"); resp["result"] == nil {
		t.Fatalf("expected a result for calc__add, got %+v", resp)
	}

	if resp := call(2, "calc__missing"); resp["error"] == nil {
		t.Fatalf("expected an error for calc__missing, got %+v", resp)
	} else if code := resp["error"].(map[string]interface{})["code"]; fmt.Sprint(code) != "-32601" {
		t.Fatalf("expected code -32601 for unknown tool, got %v", code)
	}

	if resp := call(3, "calc__explode"); resp["error"] == nil {
		t.Fatalf("expected an error for calc__explode, got %+v", resp)
	} else if code := resp["error"].(map[string]interface{})["code"]; fmt.Sprint(code) != "-32603" {
		t.Fatalf("expected code -32603 for internal failure, got %v", code)
	}
}

func TestConnectionReconnectsAfterPeerCloses(t *testing.T) {
	peer := newUpstreamPeer()
	defer peer.close()

	sm := &fakeServiceManager{}
	bus := newTestBus()
	defer bus.Destroy()

	var statusEvents []eventbus.EndpointStatus
	var mu sync.Mutex
	bus.Subscribe(eventbus.TopicEndpointStatus, func(payload interface{}) {
		ev, ok := payload.(eventbus.EndpointStatus)
		if !ok {
			return
		}
		mu.Lock()
		statusEvents = append(statusEvents, ev)
		mu.Unlock()
	})

	c := NewConnectionWithDelay(peer.wsURL(), sm, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), 20*time.Millisecond)
	c.Connect()
	defer c.Cleanup()

	first := peer.nextConn(t)
	doHandshake(t, first)
	first.Close()

	// A fresh dial should arrive once the connection notices the close
	// and, after the constant reconnect delay, retries.
	peer.nextConn(t)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		var sawDisconnect, sawReconnect bool
		for _, ev := range statusEvents {
			if ev.Operation == "disconnect" {
				sawDisconnect = true
			}
			if ev.Operation == "reconnect" {
				sawReconnect = true
			}
		}
		mu.Unlock()
		if sawDisconnect && sawReconnect {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for disconnect then reconnect status events")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
