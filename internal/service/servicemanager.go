package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/catalog"
	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/outbound"
)

// tracer instruments CallTool. It works against whatever TracerProvider
// is registered globally (otel.SetTracerProvider); with none registered
// it is the SDK's no-op implementation.
var tracer = otel.Tracer("github.com/xiaozhi-mcp/xzproxy/internal/service")

// maxParallelStarts bounds how many Provider Clients the manager starts
// concurrently, the same way UpstreamManager bounded discovery/retry
// fan-out.
const maxParallelStarts = 16

// startAllTimeout bounds how long Start waits for every configured
// provider to attempt its first connect before giving up on the batch
// (grounded on UpstreamManager.StartAll's 30s wait).
const startAllTimeout = 30 * time.Second

// ClientFactory constructs a Provider Client for one provider
// configuration. The default factory (wired by cmd/xzproxy) is
// provider.New from internal/adapter/outbound/provider; tests supply a
// fake.
type ClientFactory func(cfg provider.ProviderConfig) (outbound.ProviderClient, error)

// providerConnection holds the runtime state for one configured
// provider. state is the Service Manager's exclusive view; the
// live client and pending-retry cancellation are kept alongside it under
// the same per-connection mutex, mirroring upstreamConnection's shape.
type providerConnection struct {
	mu          sync.Mutex
	state       *provider.ProviderState
	client      outbound.ProviderClient
	cancelRetry context.CancelFunc
}

// ServiceManager owns the set of configured providers, derives the
// aggregate tool catalog, dispatches tool invocations, and supervises
// per-provider retry with exponential backoff.
//
// Grounded directly on internal/service/upstream_manager.go's
// UpstreamManager: the same connections map + RWMutex + ready-channel
// construction pattern, the same calcBackoffDelay / scheduleRetry /
// attemptConnect / monitorHealth / stabilityChecker shape, generalized
// from upstream.Upstream/outbound.MCPClient to
// provider.ProviderConfig/outbound.ProviderClient.
type ServiceManager struct {
	mu            sync.RWMutex
	configs       map[string]provider.ProviderConfig
	connections   map[string]*providerConnection
	clientFactory ClientFactory
	catalog       *catalog.Catalog
	configStore   inbound.ConfigStore
	bus           *eventbus.Bus
	validator     *validator.Validate
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	// Configurable retry/stability parameters (exported for tests via
	// NewServiceManagerUnstarted + direct field access before Init).
	backoffBase            time.Duration
	backoffCap             time.Duration // 0 means unbounded
	backoffMultiplier      int64
	stabilityDuration      time.Duration
	stabilityCheckInterval time.Duration

	// ready is closed once construction has finished setting the fields
	// above, so the stability-checker goroutine never reads them torn.
	ready chan struct{}
}

// NewServiceManager constructs and starts a ServiceManager with the
// spec's literal retry defaults (base=30s, multiplier=2, cap=unbounded).
func NewServiceManager(factory ClientFactory, cat *catalog.Catalog, configStore inbound.ConfigStore, bus *eventbus.Bus, logger *slog.Logger) (*ServiceManager, error) {
	m, err := newServiceManager(factory, cat, configStore, bus, logger)
	if err != nil {
		return nil, err
	}
	m.Init()
	return m, nil
}

// NewServiceManagerUnstarted builds a ServiceManager without signaling
// its background stability-checker goroutine to start reading
// configuration fields. Callers that need non-default backoff/stability
// parameters for a test must set them before calling Init.
func NewServiceManagerUnstarted(factory ClientFactory, cat *catalog.Catalog, configStore inbound.ConfigStore, bus *eventbus.Bus, logger *slog.Logger) (*ServiceManager, error) {
	return newServiceManager(factory, cat, configStore, bus, logger)
}

func newServiceManager(factory ClientFactory, cat *catalog.Catalog, configStore inbound.ConfigStore, bus *eventbus.Bus, logger *slog.Logger) (*ServiceManager, error) {
	v, err := provider.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("build provider validator: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ServiceManager{
		configs:                make(map[string]provider.ProviderConfig),
		connections:            make(map[string]*providerConnection),
		clientFactory:          factory,
		catalog:                cat,
		configStore:            configStore,
		bus:                    bus,
		validator:              v,
		logger:                 logger,
		ctx:                    ctx,
		cancel:                 cancel,
		backoffBase:            30 * time.Second,
		backoffMultiplier:      2,
		stabilityDuration:      5 * time.Minute,
		stabilityCheckInterval: 1 * time.Minute,
		ready:                  make(chan struct{}),
	}

	go m.stabilityChecker()

	return m, nil
}

// Init signals the background stability checker that configuration
// fields are safe to read. Called automatically by NewServiceManager;
// tests using NewServiceManagerUnstarted must call it explicitly.
func (m *ServiceManager) Init() {
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

// AddProviderConfig registers or replaces a provider's configuration.
// It does not start or stop anything.
func (m *ServiceManager) AddProviderConfig(name string, cfg provider.ProviderConfig) error {
	cfg.Name = name
	if err := m.validator.Struct(&cfg); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrProviderConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[name] = cfg
	return nil
}

// RemoveProviderConfig drops a provider from the configured set. It does
// not stop a running instance.
func (m *ServiceManager) RemoveProviderConfig(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, name)
}

// Start starts every configured provider in parallel, bounded to
// maxParallelStarts concurrent attempts, and waits for all of them to
// reach a terminal first-attempt state (connected or scheduled-for-retry)
// before returning. Idempotent: a provider already running is stopped and
// restarted fresh via StartProvider's own replace semantics.
func (m *ServiceManager) Start(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sem := make(chan struct{}, maxParallelStarts)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, failed []string

	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			_ = m.StartProvider(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			if m.isConnected(name) {
				succeeded = append(succeeded, name)
			} else {
				failed = append(failed, name)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(startAllTimeout):
		return errors.New("timeout waiting for all providers to start")
	}

	m.logger.Info("provider start complete", "successes", len(succeeded), "failures", len(failed))
	m.bus.Publish(eventbus.TopicServerBatchAdded, eventbus.ServerBatchAdded{
		Event:       eventbus.Event{Timestamp: time.Now()},
		AddedCount:  len(succeeded),
		FailedCount: len(failed),
		Names:       succeeded,
	})
	return nil
}

func (m *ServiceManager) isConnected(name string) bool {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state.Connected
}

// StartProvider starts (or restarts) a single configured provider. If an
// instance is already running it is stopped first, then a fresh Provider
// Client is constructed and started.
func (m *ServiceManager) StartProvider(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg, ok := m.configs[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrProviderNotFound, name)
	}

	m.mu.Lock()
	existing, hadExisting := m.connections[name]
	m.mu.Unlock()
	var prevHash uint64
	if hadExisting {
		m.stopConnection(existing)
		existing.mu.Lock()
		prevHash = existing.state.ToolsHash()
		existing.mu.Unlock()
	}

	conn := &providerConnection{
		state: &provider.ProviderState{Config: cfg, Lifecycle: provider.LifecycleStarting},
	}
	conn.state.SetToolsHash(prevHash)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager closed", provider.ErrCancelled)
	}
	m.connections[name] = conn
	m.mu.Unlock()

	m.attemptConnect(conn)
	return nil
}

// attemptConnect constructs and starts a Provider Client for conn,
// caching its tools and updating the aggregate catalog on success, or
// scheduling a retry on failure. Grounded on UpstreamManager.attemptConnect.
func (m *ServiceManager) attemptConnect(conn *providerConnection) {
	conn.mu.Lock()
	cfg := conn.state.Config
	conn.state.Lifecycle = provider.LifecycleStarting
	conn.mu.Unlock()

	client, err := m.clientFactory(cfg)
	if err != nil {
		m.failConnect(conn, fmt.Errorf("create provider client: %w", err))
		return
	}

	if err := client.Start(m.ctx); err != nil {
		m.failConnect(conn, err)
		return
	}

	tools, err := client.ListTools(m.ctx)
	if err != nil {
		// Non-fatal step 3: an empty catalog with a
		// warning, not a start failure.
		m.logger.Warn("tools/list failed, starting with empty catalog", "provider", cfg.Name, "error", err)
		tools = nil
	}

	conn.mu.Lock()
	conn.client = client
	conn.state.Lifecycle = provider.LifecycleRunning
	conn.state.Connected = true
	conn.state.LastError = ""
	conn.state.RetryAttempt = 0
	conn.state.ConnectedAt = time.Now()
	conn.state.Tools = tools
	conn.mu.Unlock()

	m.syncCatalogAndConfig(conn, tools)

	m.logger.Info("provider connected", "name", cfg.Name, "tools", len(tools))
	m.bus.Publish(eventbus.TopicServerAdded, eventbus.ServerAdded{
		Event: eventbus.Event{Timestamp: time.Now()},
		Name:  cfg.Name,
		Tools: len(tools),
	})

	go m.monitorHealth(conn)
}

// failConnect records a failed connect attempt, emits server.failed, and
// schedules a retry.
func (m *ServiceManager) failConnect(conn *providerConnection, err error) {
	conn.mu.Lock()
	name := conn.state.Config.Name
	conn.state.Lifecycle = provider.LifecycleFailing
	conn.state.Connected = false
	conn.state.LastError = err.Error()
	conn.mu.Unlock()

	m.logger.Error("provider start failed", "name", name, "error", err)
	m.bus.Publish(eventbus.TopicServerFailed, eventbus.ServerFailed{
		Event: eventbus.Event{Timestamp: time.Now()},
		Name:  name,
		Error: err.Error(),
	})
	m.catalog.RemoveProvider(name)
	m.scheduleRetry(conn)
}

// syncCatalogAndConfig updates the aggregate catalog with a provider's
// freshly-fetched tools and, if the tool set changed since the last sync,
// reconciles the ConfigStore's per-provider tool table: new tools
// default enabled, removed tools are dropped, existing tools keep their
// enabled flag but refresh their description; it writes only on a
// non-empty diff. A tool whose enabled lookup fails is left out of the
// catalog, and the ConfigStore is not written on that pass.
func (m *ServiceManager) syncCatalogAndConfig(conn *providerConnection, tools []provider.ToolDescriptor) {
	name := conn.state.Config.Name

	enabled := make(map[string]bool, len(tools))
	lookupFailed := false
	for _, t := range tools {
		isEnabled, err := m.configStore.IsToolEnabled(m.ctx, name, t.OriginalName)
		if err != nil {
			m.logger.Warn("config store lookup failed, skipping tool", "provider", name, "tool", t.OriginalName, "error", err)
			isEnabled = false
			lookupFailed = true
		}
		enabled[t.OriginalName] = isEnabled
	}

	m.catalog.SetProviderTools(name, tools, enabled)

	hash := toolsHash(tools)
	if lookupFailed || hash == conn.state.ToolsHash() {
		return
	}

	overrides := make(map[string]inbound.ToolOverride, len(tools))
	for _, t := range tools {
		overrides[t.OriginalName] = inbound.ToolOverride{Enabled: enabled[t.OriginalName], Description: t.Description}
	}
	if err := m.configStore.UpdateServerToolsConfig(m.ctx, name, overrides); err != nil {
		m.logger.Error("failed to sync provider tool config", "provider", name, "error", err)
		return
	}
	conn.state.SetToolsHash(hash)
}

// toolsHash computes a stable xxhash over a provider's sorted tool set
// (name + description), used purely to decide whether a ConfigStore
// write is needed.
func toolsHash(tools []provider.ToolDescriptor) uint64 {
	names := make([]string, len(tools))
	byName := make(map[string]string, len(tools))
	for i, t := range tools {
		names[i] = t.OriginalName
		byName[t.OriginalName] = t.Description
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteByte(0)
		sb.WriteString(byName[n])
		sb.WriteByte(0)
	}
	return xxhash.Sum64String(sb.String())
}

// StopProvider disconnects a provider cleanly, drops it from the active
// set, and cancels any pending retry. A provider with no active
// connection is a no-op ("double stop is a no-op").
func (m *ServiceManager) StopProvider(name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.connections, name)
	m.mu.Unlock()

	m.stopConnection(conn)
	return nil
}

// StopAll disconnects every active provider, dropping all of them from
// the active set.
func (m *ServiceManager) StopAll() {
	m.mu.Lock()
	conns := make([]*providerConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*providerConnection)
	m.mu.Unlock()

	for _, c := range conns {
		m.stopConnection(c)
	}
}

func (m *ServiceManager) stopConnection(conn *providerConnection) {
	conn.mu.Lock()
	if conn.cancelRetry != nil {
		conn.cancelRetry()
		conn.cancelRetry = nil
	}
	client := conn.client
	name := conn.state.Config.Name
	conn.client = nil
	conn.state.Lifecycle = provider.LifecycleStopped
	conn.state.Connected = false
	conn.mu.Unlock()

	if client != nil {
		if err := client.Stop(); err != nil {
			m.logger.Error("failed to stop provider client", "name", name, "error", err)
		}
	}
	m.catalog.RemoveProvider(name)
}

// ListTools returns every enabled tool in the current aggregate catalog.
// Never errors: a ConfigStore failure surfaced while setting a single
// tool's enabled flag simply leaves that tool out.
func (m *ServiceManager) ListTools(ctx context.Context) []provider.NamespacedTool {
	return m.catalog.List()
}

// CallTool parses exposedName into (providerName, originalName), requires
// the provider to be connected, and delegates to its Provider Client.
func (m *ServiceManager) CallTool(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "service_manager.call_tool",
		trace.WithAttributes(attribute.String("xzproxy.tool.exposed_name", exposedName)))
	defer span.End()

	result, err := m.callTool(ctx, exposedName, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (m *ServiceManager) callTool(ctx context.Context, exposedName string, args json.RawMessage) (json.RawMessage, error) {
	providerName, originalName, ok := catalog.SplitExposedName(exposedName)
	if !ok {
		return nil, provider.ErrToolNotFound
	}
	if _, _, found := m.catalog.Lookup(exposedName); !found {
		return nil, provider.ErrToolNotFound
	}

	m.mu.RLock()
	conn, ok := m.connections[providerName]
	m.mu.RUnlock()
	if !ok {
		return nil, provider.ErrProviderNotConnected
	}

	conn.mu.Lock()
	client := conn.client
	connected := conn.state.Connected
	conn.mu.Unlock()
	if !connected || client == nil {
		return nil, provider.ErrProviderNotConnected
	}

	return client.CallTool(ctx, originalName, args)
}

// GetStatus returns a snapshot view of every provider the manager has
// attempted to start, sorted by name for deterministic output.
func (m *ServiceManager) GetStatus(ctx context.Context) []provider.StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]provider.StatusSnapshot, 0, len(m.connections))
	for name, conn := range m.connections {
		conn.mu.Lock()
		result = append(result, provider.StatusSnapshot{
			Name:         name,
			Transport:    conn.state.Config.Transport,
			Lifecycle:    conn.state.Lifecycle,
			Connected:    conn.state.Connected,
			LastError:    conn.state.LastError,
			RetryAttempt: conn.state.RetryAttempt,
			ToolCount:    len(conn.state.Tools),
		})
		conn.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Close stops every active provider and cancels the manager's context,
// tearing down the stability-checker goroutine. Idempotent.
func (m *ServiceManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	conns := make([]*providerConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*providerConnection)
	m.mu.Unlock()

	for _, c := range conns {
		m.stopConnection(c)
	}

	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// --- Backoff retry logic ---

// calcBackoffDelay computes min(base * multiplier^retryCount, cap).
// backoffCap == 0 means unbounded (see SPEC_FULL.md's Open Question
// resolution).
func (m *ServiceManager) calcBackoffDelay(retryCount int) time.Duration {
	delay := m.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= time.Duration(m.backoffMultiplier)
		if m.backoffCap > 0 && delay > m.backoffCap {
			return m.backoffCap
		}
	}
	if m.backoffCap > 0 && delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}

// scheduleRetry schedules a reconnection attempt for conn at the next
// backoff delay. Retries are per-provider and independent.
func (m *ServiceManager) scheduleRetry(conn *providerConnection) {
	conn.mu.Lock()
	delay := m.calcBackoffDelay(conn.state.RetryAttempt)
	conn.state.RetryAttempt++
	attempt := conn.state.RetryAttempt
	conn.state.Lifecycle = provider.LifecycleRetrying
	conn.state.NextRetryAt = time.Now().Add(delay)
	name := conn.state.Config.Name

	retryCtx, retryCancel := context.WithCancel(m.ctx)
	conn.cancelRetry = retryCancel
	conn.mu.Unlock()

	m.logger.Info("scheduling provider retry", "name", name, "attempt", attempt, "delay", delay)

	go func() {
		select {
		case <-time.After(delay):
		case <-retryCtx.Done():
			return
		}

		m.mu.RLock()
		current, ok := m.connections[name]
		m.mu.RUnlock()
		if !ok || current != conn {
			return
		}

		m.attemptConnect(conn)
	}()
}

// --- Health monitoring ---

// monitorHealth blocks until the provider's transport goes away on its
// own, then schedules a retry (unless the connection was since stopped
// or replaced). Grounded on UpstreamManager.monitorHealth.
func (m *ServiceManager) monitorHealth(conn *providerConnection) {
	conn.mu.Lock()
	client := conn.client
	name := conn.state.Config.Name
	conn.mu.Unlock()

	if client == nil {
		return
	}

	<-client.Done()

	m.mu.RLock()
	current, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok || current != conn {
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	conn.mu.Lock()
	conn.state.Lifecycle = provider.LifecycleFailing
	conn.state.Connected = false
	conn.state.LastError = provider.ErrTransportClosed.Error()
	conn.client = nil
	conn.mu.Unlock()

	m.catalog.RemoveProvider(name)
	m.logger.Warn("provider disconnected, scheduling retry", "name", name)
	m.scheduleRetry(conn)
}

// --- Stability reset ---

// stabilityChecker periodically resets the retry counter for providers
// that have stayed connected for at least stabilityDuration.
func (m *ServiceManager) stabilityChecker() {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
		return
	}

	ticker := time.NewTicker(m.stabilityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkStability()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ServiceManager) checkStability() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for name, conn := range m.connections {
		conn.mu.Lock()
		if conn.state.Lifecycle == provider.LifecycleRunning &&
			conn.state.RetryAttempt > 0 &&
			!conn.state.ConnectedAt.IsZero() &&
			now.Sub(conn.state.ConnectedAt) >= m.stabilityDuration {
			m.logger.Info("resetting provider retry count after stable connection",
				"name", name, "previous_retries", conn.state.RetryAttempt)
			conn.state.RetryAttempt = 0
		}
		conn.mu.Unlock()
	}
}

var _ inbound.ServiceManagerCapability = (*ServiceManager)(nil)
