package provider

import (
	"fmt"
	"log/slog"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/outbound"
)

// New builds the transport-appropriate outbound.ProviderClient for cfg.
// cfg must already have passed ProviderConfig.Validate.
func New(cfg domainprovider.ProviderConfig, logger *slog.Logger) (outbound.ProviderClient, error) {
	switch cfg.Transport {
	case domainprovider.TransportStdio:
		return NewStdioClient(cfg, logger), nil
	case domainprovider.TransportSSE:
		return NewSSEClient(cfg, logger), nil
	case domainprovider.TransportStreamableHTTP:
		return NewStreamableHTTPClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", domainprovider.ErrProviderConfigInvalid, cfg.Transport)
	}
}

var (
	_ outbound.ProviderClient = (*StdioClient)(nil)
	_ outbound.ProviderClient = (*SSEClient)(nil)
	_ outbound.ProviderClient = (*StreamableHTTPClient)(nil)
)
