// Package mcp provides MCP message types and JSON-RPC codec utilities
// shared by every provider transport and the upstream endpoint connection.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ProtocolVersion is the MCP protocol version string this proxy speaks on
// both its client side (toward providers) and its server side (toward
// endpoints).
const ProtocolVersion = "2024-11-05"

// Direction indicates the flow direction of a message through the proxy.
type Direction int

const (
	// ClientToServer indicates a message flowing from the proxy (as MCP
	// client) to a downstream provider.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from a downstream
	// provider back to the proxy.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with the metadata the proxy
// needs to route it. It stores both the raw bytes (for passthrough) and
// the decoded message.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message is flowing from the proxy
	// to a provider, or back from a provider to the proxy.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message. May be nil if parsing
	// failed but passthrough is still desired. The concrete type is
	// either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received.
	Timestamp time.Time
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// Request returns the underlying Request if this is a request message.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// Needed because the SDK's jsonrpc.ID type doesn't marshal correctly through
// interface{}, so the ID is pulled directly from the raw JSON.
// Returns nil if no ID is found.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
