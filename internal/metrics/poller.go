package metrics

import (
	"context"
	"time"

	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
)

// defaultPollInterval is a small, fixed cadence, in the same spirit as
// ServiceManager's own stabilityCheckInterval constant.
const defaultPollInterval = 5 * time.Second

// Poller periodically samples the Service Manager's and Endpoint
// Manager's own read-only status surfaces and sets the corresponding
// Prometheus gauges. Polling the existing capability interfaces avoids
// threading a *Metrics reference through either manager's constructor:
// neither subsystem needs to know metrics exist.
type Poller struct {
	serviceManager  inbound.ServiceManagerCapability
	endpointManager inbound.EndpointManagerCapability
	metrics         *Metrics
	interval        time.Duration
}

// NewPoller builds a Poller with the default interval.
func NewPoller(sm inbound.ServiceManagerCapability, em inbound.EndpointManagerCapability, m *Metrics) *Poller {
	return NewPollerWithInterval(sm, em, m, defaultPollInterval)
}

// NewPollerWithInterval is NewPoller with an overridable interval, used
// by tests that cannot afford the default cadence.
func NewPollerWithInterval(sm inbound.ServiceManagerCapability, em inbound.EndpointManagerCapability, m *Metrics, interval time.Duration) *Poller {
	return &Poller{serviceManager: sm, endpointManager: em, metrics: m, interval: interval}
}

// Run samples once immediately, then on every tick, until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	statuses := p.serviceManager.GetStatus(ctx)
	connectedProviders := 0
	for _, s := range statuses {
		if s.Connected {
			connectedProviders++
		}
	}
	p.metrics.ConnectedProviders.Set(float64(connectedProviders))
	p.metrics.AggregateToolCount.Set(float64(len(p.serviceManager.ListTools(ctx))))

	endpoints := p.endpointManager.GetConnectionStatus()
	connectedEndpoints := 0
	for _, e := range endpoints {
		if e.Connected {
			connectedEndpoints++
		}
	}
	p.metrics.ConnectedEndpoints.Set(float64(connectedEndpoints))
}
