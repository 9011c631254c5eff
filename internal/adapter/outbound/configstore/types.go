// Package configstore is the file-backed implementation of the
// inbound.ConfigStore port: an ambient, non-core adapter giving the
// cmd/xzproxy CLI something concrete to read
// mcp_endpoints/mcp_servers/tool_overrides from.
package configstore

// fileDocument is the on-disk YAML shape. Field names map to snake_case
// keys via mapstructure/yaml tags.
type fileDocument struct {
	McpEndpoints  []string                          `yaml:"mcp_endpoints" mapstructure:"mcp_endpoints"`
	McpServers    map[string]serverEntry             `yaml:"mcp_servers" mapstructure:"mcp_servers"`
	ToolOverrides map[string]map[string]toolOverride `yaml:"tool_overrides" mapstructure:"tool_overrides"`
	WebUIPort     int                                `yaml:"web_ui_port,omitempty" mapstructure:"web_ui_port"`
}

// serverEntry is one entry of mcp_servers: the tagged-variant shape of
// provider.ProviderConfig, minus the Name (the map key supplies it).
type serverEntry struct {
	Type    string            `yaml:"type" mapstructure:"type"`
	Command string            `yaml:"command,omitempty" mapstructure:"command"`
	Args    []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Cwd     string            `yaml:"cwd,omitempty" mapstructure:"cwd"`
	URL     string            `yaml:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// toolOverride is one entry of tool_overrides.<provider>.<tool>.
type toolOverride struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Description string `yaml:"description,omitempty" mapstructure:"description"`
}

const defaultWebUIPort = 8080
