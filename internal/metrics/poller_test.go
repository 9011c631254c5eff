package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeServiceManager struct {
	tools    []provider.NamespacedTool
	statuses []provider.StatusSnapshot
}

func (f *fakeServiceManager) ListTools(ctx context.Context) []provider.NamespacedTool { return f.tools }

func (f *fakeServiceManager) CallTool(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeServiceManager) GetStatus(ctx context.Context) []provider.StatusSnapshot {
	return f.statuses
}

type fakeEndpointManager struct {
	statuses []inbound.ConnectionStatusView
}

func (f *fakeEndpointManager) AddEndpoint(ctx context.Context, url string) error    { return nil }
func (f *fakeEndpointManager) RemoveEndpoint(ctx context.Context, url string) error { return nil }
func (f *fakeEndpointManager) Reconnect(ctx context.Context)                        {}
func (f *fakeEndpointManager) GetConnectionStatus() []inbound.ConnectionStatusView {
	return f.statuses
}

func TestPollerTickSetsGaugesFromCapabilitySnapshots(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	sm := &fakeServiceManager{
		tools: []provider.NamespacedTool{{}, {}, {}},
		statuses: []provider.StatusSnapshot{
			{Name: "time", Connected: true},
			{Name: "calc", Connected: false},
		},
	}
	em := &fakeEndpointManager{
		statuses: []inbound.ConnectionStatusView{
			{URL: "wss://e1", Connected: true},
			{URL: "wss://e2", Connected: true},
			{URL: "wss://e3", Connected: false},
		},
	}

	p := NewPoller(sm, em, m)
	p.tick(context.Background())

	if got := testutil.ToFloat64(m.ConnectedProviders); got != 1 {
		t.Fatalf("ConnectedProviders = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AggregateToolCount); got != 3 {
		t.Fatalf("AggregateToolCount = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ConnectedEndpoints); got != 2 {
		t.Fatalf("ConnectedEndpoints = %v, want 2", got)
	}
}

func TestPollerRunStopsOnContextCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sm := &fakeServiceManager{}
	em := &fakeEndpointManager{}

	p := NewPollerWithInterval(sm, em, m, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
