package inbound

import (
	"context"
	"encoding/json"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

// ServiceManagerCapability is the single read-only handle the Endpoint
// Manager holds to the Service Manager ("a single
// handle the Endpoint Manager holds to the Service Manager to call
// listTools and callTool"). It is also the surface the external admin
// HTTP API is permitted to call.
type ServiceManagerCapability interface {
	ListTools(ctx context.Context) []provider.NamespacedTool
	CallTool(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error)
	GetStatus(ctx context.Context) []provider.StatusSnapshot
}

// EndpointManagerCapability is the external-facing surface of the
// Endpoint Manager ("EndpointManager.addEndpoint, removeEndpoint,
// reconnect, getConnectionStatus, getEndpointManager").
type EndpointManagerCapability interface {
	AddEndpoint(ctx context.Context, url string) error
	RemoveEndpoint(ctx context.Context, url string) error
	Reconnect(ctx context.Context)
	GetConnectionStatus() []ConnectionStatusView
}

// ConnectionStatusView mirrors mcpendpoint.ConnectionStatus without
// pulling every caller into that package.
type ConnectionStatusView struct {
	URL              string
	Connected        bool
	Initialized      bool
	ReconnectAttempt int
}
