// Package mcpendpoint contains the domain types for upstream MCP
// "endpoint" connections — the chat/agent runtimes the proxy serves the
// aggregated tool catalog to over WebSocket.
package mcpendpoint

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle enumerates the states an EndpointState moves through.
type Lifecycle string

const (
	LifecycleAdded        Lifecycle = "added"
	LifecycleConnecting   Lifecycle = "connecting"
	LifecycleConnected    Lifecycle = "connected"
	LifecycleInitialized  Lifecycle = "initialized"
	LifecycleDisconnected Lifecycle = "disconnected"
	LifecycleReconnecting Lifecycle = "reconnecting"
	LifecycleRemoved      Lifecycle = "removed"
)

// Operation identifies what triggered an endpoint.status event.
type Operation string

const (
	OperationConnect    Operation = "connect"
	OperationDisconnect Operation = "disconnect"
	OperationReconnect  Operation = "reconnect"
	OperationAdd        Operation = "add"
	OperationRemove     Operation = "remove"
)

// EndpointState is the Endpoint Manager's view of one upstream endpoint.
// The observable identity of an endpoint is its URL; id is an internal
// handle used only for log/span correlation.
type EndpointState struct {
	id uuid.UUID

	URL              string
	Lifecycle        Lifecycle
	Connected        bool
	Initialized      bool
	ReconnectAttempt int
	NextReconnectAt  time.Time
}

// NewEndpointState constructs a freshly-added, not-yet-connected endpoint.
func NewEndpointState(url string) *EndpointState {
	return &EndpointState{
		id:        uuid.New(),
		URL:       url,
		Lifecycle: LifecycleAdded,
	}
}

// ID returns the internal correlation handle for this endpoint.
func (s *EndpointState) ID() uuid.UUID { return s.id }

// ConnectionStatus is the read-only view returned by getConnectionStatus().
type ConnectionStatus struct {
	URL              string
	Connected        bool
	Initialized      bool
	ReconnectAttempt int
}
