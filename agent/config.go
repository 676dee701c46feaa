// Agent configuration types.
//
// Information Hiding:
// - Default values hidden

package agent

import (
	"github.com/richinex/tally/tools"
)

// DefaultMaxIterations bounds model calls per run.
const DefaultMaxIterations = 15

// Config holds agent configuration.
type Config struct {
	// Name is a unique identifier for the agent.
	Name string

	// Description explains what this agent does.
	Description string

	// SystemPrompt guides the agent's behavior.
	SystemPrompt string

	// Tools available to this agent.
	Tools []tools.Tool

	// MaxIterations caps model calls per run. Zero means DefaultMaxIterations.
	MaxIterations int

	// ToolConfig controls per-call timeouts and retries.
	ToolConfig tools.ToolConfig
}

func (c *Config) maxIterations() int {
	if c.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return c.MaxIterations
}
