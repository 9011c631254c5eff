package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
)

// Coordinator wires the Service Manager's catalog-change events to the
// Endpoint Manager's fleet reconnect, replacing the hidden cyclic graph
// the two subsystems would otherwise need between them with a one-way
// Event Bus subscription. The Service Manager holds no reference to the
// Endpoint Manager (the Endpoint Manager holds only the Service Manager's
// read-only capability); the coordinator holds the Endpoint Manager and
// hears from the Service Manager only through bus events.
type Coordinator struct {
	endpointManager *EndpointManager
	logger          *slog.Logger
}

// NewCoordinator subscribes to server.added and server.batchAdded on bus
// and returns the Coordinator. There is nothing further to start or
// stop: the subscription lives for the Bus's lifetime, torn down only by
// bus.Destroy.
func NewCoordinator(endpointManager *EndpointManager, bus *eventbus.Bus, logger *slog.Logger) *Coordinator {
	c := &Coordinator{endpointManager: endpointManager, logger: logger}

	bus.Subscribe(eventbus.TopicServerAdded, func(payload interface{}) {
		if _, ok := payload.(eventbus.ServerAdded); !ok {
			return
		}
		c.onCatalogChanged(bus, "mcp_server_added")
	})
	bus.Subscribe(eventbus.TopicServerBatchAdded, func(payload interface{}) {
		if _, ok := payload.(eventbus.ServerBatchAdded); !ok {
			return
		}
		c.onCatalogChanged(bus, "mcp_server_added")
	})

	return c
}

// onCatalogChanged triggers a fleet reconnect if any endpoint is
// currently connected, so each endpoint's next tools/list picks up the
// changed catalog; otherwise it's a no-op worth only a debug log.
func (c *Coordinator) onCatalogChanged(bus *eventbus.Bus, trigger string) {
	statuses := c.endpointManager.GetConnectionStatus()

	anyConnected := false
	for _, s := range statuses {
		if s.Connected {
			anyConnected = true
			break
		}
	}
	if !anyConnected {
		c.logger.Debug("catalog changed but no endpoints connected, skipping reconnect", "trigger", trigger)
		return
	}

	c.logger.Info("catalog changed, reconnecting endpoints", "trigger", trigger, "endpoint_count", len(statuses))
	c.endpointManager.Reconnect(context.Background())

	bus.Publish(eventbus.TopicEndpointReconnectCompleted, eventbus.EndpointReconcileCompleted{
		Event:         eventbus.Event{Timestamp: time.Now()},
		Trigger:       trigger,
		EndpointCount: len(statuses),
	})
}
