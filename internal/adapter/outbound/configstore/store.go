package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/inbound"
)

// FileConfigStore implements inbound.ConfigStore by reading/writing a
// single YAML document. Grounded on internal/adapter/outbound/state's
// FileStateStore: every read re-parses the file fresh (no caching, no
// staleness to reason about) and every write goes through the same
// atomic tmp-file-then-rename sequence, guarded by both an in-process
// mutex and a cross-process flock on a ".lock" sibling file.
type FileConfigStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileConfigStore constructs a FileConfigStore backed by path. If
// configFile is empty the standard search locations are used (see
// loader.go); once resolved, the path is fixed for the life of the store.
func NewFileConfigStore(configFile string, logger *slog.Logger) (*FileConfigStore, error) {
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	path := v.ConfigFileUsed()
	if path == "" {
		path = configFile
	}
	if path == "" {
		path = "xzproxy.yaml"
	}
	return &FileConfigStore{path: path, logger: logger}, nil
}

func (s *FileConfigStore) load() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDocument{WebUIPort: defaultWebUIPort}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if doc.WebUIPort == 0 {
		doc.WebUIPort = defaultWebUIPort
	}
	return &doc, nil
}

// GetMcpEndpoints returns the configured upstream endpoint URLs.
func (s *FileConfigStore) GetMcpEndpoints(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.McpEndpoints, nil
}

// GetMcpServers returns the configured downstream providers by name.
func (s *FileConfigStore) GetMcpServers(ctx context.Context) (map[string]provider.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]provider.ProviderConfig, len(doc.McpServers))
	for name, entry := range doc.McpServers {
		out[name] = provider.ProviderConfig{
			Name:      name,
			Transport: provider.TransportKind(entry.Type),
			Command:   entry.Command,
			Args:      entry.Args,
			Env:       entry.Env,
			Cwd:       entry.Cwd,
			URL:       entry.URL,
			Headers:   entry.Headers,
		}
	}
	return out, nil
}

// IsToolEnabled reports whether a tool is enabled for a provider. A tool
// with no override entry is enabled by default.
func (s *FileConfigStore) IsToolEnabled(ctx context.Context, providerName, toolName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return false, err
	}
	overrides, ok := doc.ToolOverrides[providerName]
	if !ok {
		return true, nil
	}
	entry, ok := overrides[toolName]
	if !ok {
		return true, nil
	}
	return entry.Enabled, nil
}

// UpdateServerToolsConfig persists the given per-tool overrides for a
// provider, read-modify-write under the same lock/flock discipline as
// the rest of this store.
func (s *FileConfigStore) UpdateServerToolsConfig(ctx context.Context, providerName string, overrides map[string]inbound.ToolOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if doc.ToolOverrides == nil {
		doc.ToolOverrides = make(map[string]map[string]toolOverride)
	}
	merged := make(map[string]toolOverride, len(overrides))
	for tool, o := range overrides {
		merged[tool] = toolOverride{Enabled: o.Enabled, Description: o.Description}
	}
	doc.ToolOverrides[providerName] = merged

	return s.saveLocked(doc)
}

// GetWebUIPort returns the port the external admin HTTP API should
// listen on.
func (s *FileConfigStore) GetWebUIPort(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	return doc.WebUIPort, nil
}

// saveLocked writes doc to disk atomically: tmp file, fsync, rename,
// under a cross-process flock on path+".lock". Caller must hold s.mu.
func (s *FileConfigStore) saveLocked(doc *fileDocument) error {
	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to config: %w", err)
	}

	s.logger.Debug("config saved", "path", s.path, "provider_count", len(doc.McpServers))
	return nil
}

var _ inbound.ConfigStore = (*FileConfigStore)(nil)
