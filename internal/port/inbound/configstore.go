// Package inbound defines the ports the core accepts from the outside:
// the ConfigStore it reads configuration from, and the read-only
// capability surface the Endpoint Manager uses to reach the Service
// Manager. Following hexagonal convention, "inbound" names a port
// satisfied by something external to the core, regardless of which
// direction data flows on the wire.
package inbound

import (
	"context"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

// ToolOverride is one entry of an updateServerToolsConfig call: the new
// description and enabled flag for a single tool.
type ToolOverride struct {
	Description string
	Enabled     bool
}

// ConfigStore is the external configuration surface the core consumes.
// The core never parses files itself; a concrete adapter (see
// internal/adapter/outbound/configstore) implements this by reading a
// YAML document located via viper and parsed with yaml.v3.
type ConfigStore interface {
	// GetMcpEndpoints returns the configured upstream endpoint URLs.
	GetMcpEndpoints(ctx context.Context) ([]string, error)

	// GetMcpServers returns the configured downstream providers by name.
	GetMcpServers(ctx context.Context) (map[string]provider.ProviderConfig, error)

	// IsToolEnabled reports whether a tool is enabled for a provider.
	IsToolEnabled(ctx context.Context, providerName, toolName string) (bool, error)

	// UpdateServerToolsConfig persists the given per-tool overrides for a
	// provider, as produced by the Service Manager's config-change sync
	// step.
	UpdateServerToolsConfig(ctx context.Context, providerName string, overrides map[string]ToolOverride) error

	// GetWebUIPort returns the port the external admin HTTP API should
	// listen on. The core never binds it itself.
	GetWebUIPort(ctx context.Context) (int, error)
}
