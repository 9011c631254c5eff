// Package catalog derives and caches the aggregate tool catalog: the
// union of every enabled tool from every running provider, namespaced as
// providerName__originalName.
//
// It keeps a dual index (by exposed name, by provider) with a DoS
// defense (MaxToolsPerProvider/MaxTotalTools) against an oversized or
// misbehaving provider.
package catalog

import (
	"strings"
	"sync"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

const (
	// MaxToolsPerProvider bounds how many tools a single provider can
	// register, preventing a misbehaving provider from exhausting the
	// manager's memory with an oversized tools/list response.
	MaxToolsPerProvider = 1000

	// MaxTotalTools bounds the aggregate catalog size across all
	// providers.
	MaxTotalTools = 10000
)

// entry is one namespaced catalog row plus its enabled flag, which is
// owned by the ConfigStore rather than the provider.
type entry struct {
	tool    provider.NamespacedTool
	enabled bool
}

// Catalog is a thread-safe aggregate view over every running provider's
// tool set, keyed by exposed name for O(1) dispatch lookup.
type Catalog struct {
	mu         sync.RWMutex
	byExposed  map[string]*entry
	byProvider map[string][]string // provider name -> exposed names it owns
}

// New creates an empty Catalog.
func New() *Catalog {
	return &Catalog{
		byExposed:  make(map[string]*entry),
		byProvider: make(map[string][]string),
	}
}

// SetProviderTools replaces the catalog entries owned by one provider.
// enabled reports, per original tool name, whether the ConfigStore has it
// enabled; tools absent from enabled default to enabled=true, since any
// newly-discovered tool is inserted enabled by default.
func (c *Catalog) SetProviderTools(providerName string, tools []provider.ToolDescriptor, enabled map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tools) > MaxToolsPerProvider {
		tools = tools[:MaxToolsPerProvider]
	}

	c.removeProviderLocked(providerName)

	exposed := make([]string, 0, len(tools))
	for _, t := range tools {
		if len(c.byExposed) >= MaxTotalTools {
			break
		}
		name := provider.ExposedName(providerName, t.OriginalName)
		isEnabled, known := enabled[t.OriginalName]
		if !known {
			isEnabled = true
		}
		c.byExposed[name] = &entry{
			tool: provider.NamespacedTool{
				ExposedName:  name,
				OriginalName: t.OriginalName,
				ProviderName: providerName,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
				Enabled:      isEnabled,
			},
			enabled: isEnabled,
		}
		exposed = append(exposed, name)
	}
	c.byProvider[providerName] = exposed
}

// RemoveProvider drops every catalog entry owned by a provider (provider
// stopped, removed, or being replaced on restart).
func (c *Catalog) RemoveProvider(providerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeProviderLocked(providerName)
}

func (c *Catalog) removeProviderLocked(providerName string) {
	for _, name := range c.byProvider[providerName] {
		delete(c.byExposed, name)
	}
	delete(c.byProvider, providerName)
}

// List returns every enabled NamespacedTool in the aggregate catalog.
// Never returns an error: a ConfigStore failure surfaced while setting a
// single tool's enabled flag simply leaves that tool out.
func (c *Catalog) List() []provider.NamespacedTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]provider.NamespacedTool, 0, len(c.byExposed))
	for _, e := range c.byExposed {
		if e.enabled {
			result = append(result, e.tool)
		}
	}
	return result
}

// Lookup resolves an exposed name to its owning provider and original
// tool name. Returns ok=false if the name is not in the live catalog.
func (c *Catalog) Lookup(exposedName string) (providerName, originalName string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.byExposed[exposedName]
	if !found {
		return "", "", false
	}
	return e.tool.ProviderName, e.tool.OriginalName, true
}

// SplitExposedName splits on the first occurrence of "__", the catalog's
// namespacing separator. ok is false if the name contains no "__" —
// provider names are validated at config-time not to contain it, so an
// absent separator always means an unrecognized name.
func SplitExposedName(exposedName string) (providerName, originalName string, ok bool) {
	idx := strings.Index(exposedName, "__")
	if idx < 0 {
		return "", "", false
	}
	return exposedName[:idx], exposedName[idx+2:], true
}

// Count returns the number of enabled entries currently in the catalog.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.byExposed {
		if e.enabled {
			n++
		}
	}
	return n
}
