// Package provider contains the domain types for downstream MCP tool
// providers: their configuration, discovered tools, and runtime state.
package provider

import (
	"encoding/json"
	"time"
)

// TransportKind identifies which of the three wire transports a
// ProviderConfig uses.
type TransportKind string

const (
	// TransportStdio spawns a child process and speaks line-delimited
	// JSON-RPC over its standard streams.
	TransportStdio TransportKind = "stdio"
	// TransportSSE opens a persistent server-sent-events connection;
	// requests go out as HTTP POST, responses arrive on the SSE stream.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP issues one HTTP POST per request; the
	// response may be a bare JSON object or a single SSE event chunk.
	TransportStreamableHTTP TransportKind = "streamable_http"
)

// ProviderConfig is the tagged-variant configuration for one downstream
// provider. Exactly one of the transport-specific field groups is
// meaningful, selected by Transport.
type ProviderConfig struct {
	// Name is this provider's unique identifier within the manager. It
	// must not contain "__" (reserved as the namespacing separator) and
	// is used verbatim as the prefix of every exposed tool name.
	Name string `yaml:"-" validate:"required,provider_name"`

	// Transport selects which variant below is populated.
	Transport TransportKind `yaml:"type" validate:"required,oneof=stdio sse streamable_http"`

	// Stdio fields.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`

	// SSE / Streamable-HTTP fields.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Validate checks transport-specific required fields that validator's
// struct tags cannot express as a single cross-field rule (required-if-
// tagged-union-variant). Name and Transport are checked via struct tags
// by the caller before this runs.
func (c *ProviderConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return ErrProviderConfigInvalid
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return ErrProviderConfigInvalid
		}
	default:
		return ErrProviderConfigInvalid
	}
	return nil
}

// ToolDescriptor is a tool as reported by a provider, before namespacing.
type ToolDescriptor struct {
	OriginalName string
	Description  string
	InputSchema  json.RawMessage
	ProviderName string
}

// NamespacedTool is the catalog entry exposed to upstream endpoints.
// Invariant: ExposedName == ProviderName + "__" + OriginalName, globally
// unique across the aggregate catalog.
type NamespacedTool struct {
	ExposedName  string
	OriginalName string
	ProviderName string
	Description  string
	InputSchema  json.RawMessage
	Enabled      bool
}

// ExposedName joins a provider name and a tool's original name using the
// fixed "__" separator.
func ExposedName(providerName, originalName string) string {
	return providerName + "__" + originalName
}

// Lifecycle enumerates the states a ProviderState moves through.
type Lifecycle string

const (
	LifecycleConfigured Lifecycle = "configured"
	LifecycleStarting   Lifecycle = "starting"
	LifecycleRunning    Lifecycle = "running"
	LifecycleFailing    Lifecycle = "failing"
	LifecycleRetrying   Lifecycle = "retrying"
	LifecycleStopped    Lifecycle = "stopped"
)

// ProviderState is the Service Manager's view of one configured provider.
// It is owned exclusively by the Service Manager; callers outside the
// manager only ever see a StatusSnapshot copy.
type ProviderState struct {
	Config        ProviderConfig
	Lifecycle     Lifecycle
	Connected     bool
	LastError     string
	RetryAttempt  int
	NextRetryAt   time.Time
	ConnectedAt   time.Time
	Tools         []ToolDescriptor
	lastToolsHash uint64 // ambient: diff-avoidance for ConfigStore writes
}

// ToolsHash returns the last recorded xxhash of this provider's sorted
// tool set, used to decide whether a ConfigStore sync write is needed.
func (s *ProviderState) ToolsHash() uint64 { return s.lastToolsHash }

// SetToolsHash records the xxhash of the current tool set after a
// successful ConfigStore sync.
func (s *ProviderState) SetToolsHash(h uint64) { s.lastToolsHash = h }

// StatusSnapshot is the read-only view returned by getStatus(); it never
// exposes the embedded client or any mutable internals.
type StatusSnapshot struct {
	Name         string
	Transport    TransportKind
	Lifecycle    Lifecycle
	Connected    bool
	LastError    string
	RetryAttempt int
	ToolCount    int
}
