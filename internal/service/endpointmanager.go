package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaozhi-mcp/xzproxy/internal/adapter/inbound/wsendpoint"
	"github.com/xiaozhi-mcp/xzproxy/internal/domain/mcpendpoint"
	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
)

// endpointConnection is the subset of *wsendpoint.Connection the manager
// depends on; a test double swaps in for unit tests without a real
// WebSocket dial.
type endpointConnection interface {
	Connect()
	Disconnect()
	Cleanup()
	Status() inbound.ConnectionStatusView
}

// ConnectionFactory constructs an endpointConnection for one URL. The
// default factory (wired by cmd/xzproxy) is wsendpoint.NewConnection;
// tests supply a fake.
type ConnectionFactory func(url string, sm inbound.ServiceManagerCapability) endpointConnection

// EndpointManager owns the set of Endpoint Connections and provides
// fleet-level add/remove/reconnect operations. Grounded on
// ServiceManager's own fleet shape (RWMutex-guarded map, parallel
// fan-out with one goroutine per connection), generalized from "one ProviderClient per
// configured provider" to "one Connection per added URL".
type EndpointManager struct {
	mu             sync.RWMutex
	connections    map[string]endpointConnection
	factory        ConnectionFactory
	serviceManager inbound.ServiceManagerCapability
	bus            *eventbus.Bus
	logger         *slog.Logger
}

// NewEndpointManager constructs an empty EndpointManager. setServiceManager
// must be called before connect().
func NewEndpointManager(factory ConnectionFactory, bus *eventbus.Bus, logger *slog.Logger) *EndpointManager {
	return &EndpointManager{
		connections: make(map[string]endpointConnection),
		factory:     factory,
		bus:         bus,
		logger:      logger,
	}
}

// DefaultConnectionFactory adapts wsendpoint.NewConnection to
// ConnectionFactory for production wiring.
func DefaultConnectionFactory(bus *eventbus.Bus, logger *slog.Logger) ConnectionFactory {
	return func(url string, sm inbound.ServiceManagerCapability) endpointConnection {
		return wsendpoint.NewConnection(url, sm, bus, logger)
	}
}

// SetServiceManager installs the read-only capability Endpoint
// Connections use to answer tools/list and tools/call. Must be called
// before Connect.
func (m *EndpointManager) SetServiceManager(sm inbound.ServiceManagerCapability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceManager = sm
}

// AddEndpoint constructs a new Endpoint Connection for url. Duplicate
// URLs are rejected with EndpointExists.
func (m *EndpointManager) AddEndpoint(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[url]; exists {
		return fmt.Errorf("%w: %s", mcpendpoint.ErrEndpointExists, url)
	}
	conn := m.factory(url, m.serviceManager)
	m.connections[url] = conn
	m.bus.Publish(eventbus.TopicEndpointStatus, eventbus.EndpointStatus{
		Event:     eventbus.Event{Timestamp: time.Now()},
		URL:       url,
		Operation: string(mcpendpoint.OperationAdd),
		Success:   true,
	})
	return nil
}

// RemoveEndpoint tears down and forgets the Endpoint Connection for url.
// Removing an unknown URL is a no-op, matching ServiceManager.StopProvider's
// idempotent-no-op convention for an already-absent name.
func (m *EndpointManager) RemoveEndpoint(ctx context.Context, url string) error {
	m.mu.Lock()
	conn, ok := m.connections[url]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.connections, url)
	m.mu.Unlock()

	conn.Cleanup()
	return nil
}

// Connect starts every added endpoint's own reconnect loop concurrently
// and returns immediately; it does not wait for any of them to finish
// connecting.
func (m *EndpointManager) Connect(ctx context.Context) {
	m.mu.RLock()
	conns := make([]endpointConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.Connect()
	}
}

// Reconnect disconnects every currently-connected endpoint in parallel
// and returns once the disconnects have been initiated; each endpoint's
// own reconnect loop then reconnects it independently through the
// normal per-endpoint path. It does not wait for the reconnected state.
func (m *EndpointManager) Reconnect(ctx context.Context) {
	m.mu.RLock()
	conns := make([]endpointConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		if !c.Status().Connected {
			continue
		}
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()
}

// GetConnectionStatus returns a snapshot view of every added endpoint.
func (m *EndpointManager) GetConnectionStatus() []inbound.ConnectionStatusView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]inbound.ConnectionStatusView, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c.Status())
	}
	return out
}

// Cleanup stops every endpoint; idempotent.
func (m *EndpointManager) Cleanup() {
	m.mu.Lock()
	conns := make([]endpointConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]endpointConnection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cleanup()
		}()
	}
	wg.Wait()
}

var _ inbound.EndpointManagerCapability = (*EndpointManager)(nil)
