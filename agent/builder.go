// Agent builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

import (
	"fmt"

	"github.com/richinex/tally/tools"
)

// Builder provides fluent configuration for creating agents.
type Builder struct {
	name          string
	description   string
	systemPrompt  string
	tools         []tools.Tool
	maxIterations int
	toolConfig    tools.ToolConfig
}

// NewBuilder creates a new agent builder with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		tools: []tools.Tool{},
	}
}

// Description sets the agent's description.
func (b *Builder) Description(description string) *Builder {
	b.description = description
	return b
}

// SystemPrompt sets the agent's system prompt.
func (b *Builder) SystemPrompt(prompt string) *Builder {
	b.systemPrompt = prompt
	return b
}

// Tool adds a tool to the agent.
func (b *Builder) Tool(tool tools.Tool) *Builder {
	b.tools = append(b.tools, tool)
	return b
}

// Tools adds multiple tools at once.
func (b *Builder) Tools(toolList []tools.Tool) *Builder {
	b.tools = append(b.tools, toolList...)
	return b
}

// MaxIterations caps model calls per run.
func (b *Builder) MaxIterations(n int) *Builder {
	b.maxIterations = n
	return b
}

// ToolConfig sets per-call timeout and retry limits.
func (b *Builder) ToolConfig(config tools.ToolConfig) *Builder {
	b.toolConfig = config
	return b
}

// Build creates the agent configuration.
func (b *Builder) Build() Config {
	description := b.description
	if description == "" {
		description = fmt.Sprintf("Agent: %s", b.name)
	}

	systemPrompt := b.systemPrompt
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf(
			"You are an agent named %s. Use available tools to complete tasks.",
			b.name,
		)
	}

	maxIterations := b.maxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	return Config{
		Name:          b.name,
		Description:   description,
		SystemPrompt:  systemPrompt,
		Tools:         b.tools,
		MaxIterations: maxIterations,
		ToolConfig:    b.toolConfig,
	}
}

// Name returns the builder's agent name.
func (b *Builder) Name() string {
	return b.name
}

// ToolCount returns the number of tools registered.
func (b *Builder) ToolCount() int {
	return len(b.tools)
}
