// Package toolproto integrates out-of-process tool servers: child
// processes speaking newline-delimited JSON-RPC over stdio, or HTTP
// endpoints accepting the same envelope. Discovered tools register as
// synthetic nodes named tool-<server>-<tool>.
package toolproto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lyzr/flowrunner/common/flowerr"
)

// ServerConfig declares one tool server. Command-style entries spawn a
// child process; URL-style entries use HTTP.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Config is the on-disk server list
type Config struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// LoadedConfig pairs a parsed config with the content hash used for
// change detection
type LoadedConfig struct {
	Config Config
	Hash   string
}

// LoadConfig reads and hashes the server configuration file. A missing
// file is an empty config, not an error: tool servers are optional.
func LoadConfig(path string) (*LoadedConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LoadedConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tool server config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "parse tool server config %s", path)
	}
	for name, server := range cfg.Servers {
		if server.Command == "" && server.URL == "" {
			return nil, flowerr.New(flowerr.CategoryValidation,
				"tool server %q declares neither command nor url", name)
		}
	}

	sum := sha256.Sum256(data)
	return &LoadedConfig{Config: cfg, Hash: hex.EncodeToString(sum[:])}, nil
}

// ToolDescriptor is one advertised tool
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// DiscoveryCache persists per-server tool lists keyed to the config hash
// that produced them; a hash mismatch forces rediscovery
type DiscoveryCache struct {
	ConfigHash string                      `json:"config_hash"`
	Servers    map[string][]ToolDescriptor `json:"servers"`
}

// LoadDiscoveryCache reads the cache; any miss or mismatch returns nil
func LoadDiscoveryCache(path, configHash string) *DiscoveryCache {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cache DiscoveryCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	if cache.ConfigHash != configHash {
		return nil
	}
	return &cache
}

// SaveDiscoveryCache writes the cache atomically
func SaveDiscoveryCache(path string, cache *DiscoveryCache) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal discovery cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write discovery cache: %w", err)
	}
	return os.Rename(tmp, path)
}
