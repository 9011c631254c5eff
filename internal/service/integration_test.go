package service

import (
	"context"
	"testing"
	"time"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/catalog"
	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/outbound"
)

// TestCoordinatorReconnectsFleetWhenSecondProviderAddedDynamically wires
// a ServiceManager, an EndpointManager, and a Coordinator onto one
// shared bus, the same way cmd/xzproxy's start command does, and checks
// that starting a second provider after an endpoint is already
// connected triggers a fleet-wide reconnect so the endpoint's next
// tools/list would see both providers' tools.
func TestCoordinatorReconnectsFleetWhenSecondProviderAddedDynamically(t *testing.T) {
	bus := eventbus.New(testManagerLogger())
	defer bus.Destroy()

	calc := newFakeProviderClient()
	calc.tools = []provider.ToolDescriptor{{OriginalName: "add", Description: "adds numbers"}}

	cat := catalog.New()
	store := newFakeConfigStore()
	var factory ClientFactory = func(cfg provider.ProviderConfig) (outbound.ProviderClient, error) { return calc, nil }

	sm, err := NewServiceManagerUnstarted(factory, cat, store, bus, testManagerLogger())
	if err != nil {
		t.Fatalf("NewServiceManagerUnstarted: %v", err)
	}
	sm.backoffBase = 10 * time.Millisecond
	sm.stabilityCheckInterval = 10 * time.Millisecond
	sm.stabilityDuration = 20 * time.Millisecond
	sm.Init()
	t.Cleanup(func() { _ = sm.Close() })

	em, fakes := newTestEndpointManagerOnBus(bus)
	em.SetServiceManager(sm)
	NewCoordinator(em, bus, testManagerLogger())

	ctx := context.Background()
	if err := em.AddEndpoint(ctx, "wss://e1"); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	em.Connect(ctx)

	if err := sm.AddProviderConfig("calc", calcToolConfig()); err != nil {
		t.Fatalf("AddProviderConfig: %v", err)
	}
	if err := sm.StartProvider(ctx, "calc"); err != nil {
		t.Fatalf("StartProvider: %v", err)
	}

	if fakes["wss://e1"].disconnectN != 1 {
		t.Fatalf("expected the already-connected endpoint to be disconnected once by the reconnect the Coordinator triggered, got %d", fakes["wss://e1"].disconnectN)
	}

	tools := sm.ListTools(ctx)
	if len(tools) != 1 || tools[0].ExposedName != "calc__add" {
		t.Fatalf("expected the dynamically-started provider's tool to be visible in the aggregate catalog, got %+v", tools)
	}
}
