// Package outbound defines the port the Service Manager depends on to
// speak to a downstream provider, regardless of transport.
package outbound

import (
	"context"
	"encoding/json"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

// ProviderClient is the outbound port for one downstream MCP provider.
// Adapters implement it per transport (stdio, sse, streamable_http). A
// ProviderClient owns its own JSON-RPC request/response correlation and
// its own per-request timeout; the Service Manager never reaches past
// this interface into transport internals.
type ProviderClient interface {
	// Start performs the MCP handshake: initialize, then
	// notifications/initialized. Returns ProviderStartFailed-wrapped
	// errors on transport or handshake failure.
	Start(ctx context.Context) error

	// ListTools returns the provider's tools under their original
	// (unprefixed) names, as fetched with tools/list during Start; the
	// adapters do not issue a new tools/list. A failure here is non-fatal:
	// callers should treat it as an empty list with a warning rather
	// than a start failure.
	ListTools(ctx context.Context) ([]provider.ToolDescriptor, error)

	// CallTool issues tools/call for one original tool name and returns
	// the raw JSON-RPC result payload verbatim.
	CallTool(ctx context.Context, originalName string, args json.RawMessage) (json.RawMessage, error)

	// Stop tears down the transport. The stdio and SSE adapters fail any
	// outstanding requests with ErrCancelled; the streamable-HTTP adapter
	// does not cancel a request already in flight. Idempotent.
	Stop() error

	// Done returns a channel closed when the transport goes away on its
	// own (remote close, process exit) or Stop is called. The Service
	// Manager's health monitor blocks on it to detect a connection that
	// needs a fresh retry cycle.
	Done() <-chan struct{}
}
