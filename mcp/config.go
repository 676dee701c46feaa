// MCP client configuration for registering tally with a desktop client.
//
// Emits the Anthropic-style format that MCP clients read:
//
//	{
//	  "mcpServers": {
//	    "tally": {
//	      "command": "/usr/local/bin/tally",
//	      "args": ["mcp", "--script", "/data/Chinook_Sqlite.sql"]
//	    }
//	  }
//	}
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the MCP configuration file format.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig represents a single MCP server configuration.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// ClientConfig returns the configuration that launches "command mcp --script
// script [--engine engine]" under the name tally.
func ClientConfig(command, script, engine string) Config {
	args := []string{"mcp", "--script", script}
	if engine != "" {
		args = append(args, "--engine", engine)
	}
	return Config{MCPServers: map[string]ServerConfig{
		ServerName: {Command: command, Args: args},
	}}
}

// LoadConfig loads MCP configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Merge adds or replaces the servers of other in c.
func (c *Config) Merge(other Config) {
	if c.MCPServers == nil {
		c.MCPServers = make(map[string]ServerConfig, len(other.MCPServers))
	}
	for name, server := range other.MCPServers {
		c.MCPServers[name] = server
	}
}

// JSON renders the configuration with two-space indentation.
func (c Config) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return append(data, '\n'), nil
}
