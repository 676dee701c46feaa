// Tool-calling ReAct loop.
//
// Information Hiding:
// - Conversation assembly and provider calls hidden
// - Tool lookup, retries and error-to-observation conversion hidden
// - Callers see only the ordered event stream or the collected Response

package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/pterm/pterm"
	"github.com/richinex/tally/internal/logging"
	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/model"
	"github.com/richinex/tally/tools"
)

// Agent answers questions by letting the model call tools until it replies
// without any. Safe for concurrent use; each run owns its conversation.
type Agent struct {
	config       Config
	provider     llm.Provider
	toolRegistry *tools.Registry
	toolExecutor *tools.Executor
	definitions  []llm.ToolDefinition
	logger       *pterm.Logger
}

// New creates a new agent with the given configuration and provider.
func New(config Config, provider llm.Provider) *Agent {
	registry := tools.NewRegistry()
	for _, tool := range config.Tools {
		_ = registry.Register(tool) // Duplicates are the caller's mistake; first one wins.
	}

	return &Agent{
		config:       config,
		provider:     provider,
		toolRegistry: registry,
		toolExecutor: tools.NewExecutor(config.ToolConfig),
		definitions:  tools.Definitions(registry.Tools()),
		logger:       logging.Discard(),
	}
}

// WithLogger sets the logger for per-turn debug output.
func (a *Agent) WithLogger(logger *pterm.Logger) *Agent {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// Name returns the agent's name.
func (a *Agent) Name() string {
	return a.config.Name
}

// Description returns the agent's description.
func (a *Agent) Description() string {
	return a.config.Description
}

// Stream runs the agent on input and yields every message it appends, in
// order: the input first, then tool calls and observations, then the answer.
// A failed run ends with a non-nil error instead of an answer. Breaking out
// of the loop stops the run before the next model or tool call.
func (a *Agent) Stream(ctx context.Context, input string) iter.Seq2[Event, error] {
	return a.StreamWithHistory(ctx, input, nil)
}

// StreamWithHistory is Stream with prior user and assistant turns placed
// between the system prompt and the new input.
func (a *Agent) StreamWithHistory(ctx context.Context, input string, history []llm.ChatMessage) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		messages := make([]llm.ChatMessage, 0, len(history)+2)
		messages = append(messages, llm.SystemMessage(a.config.SystemPrompt))
		messages = append(messages, history...)

		userMsg := llm.UserMessage(input)
		messages = append(messages, userMsg)
		if !yield(Event{Kind: EventInput, Message: userMsg}, nil) {
			return
		}

		maxIterations := a.config.maxIterations()
		for iteration := 0; iteration < maxIterations; iteration++ {
			if err := ctx.Err(); err != nil {
				yield(Event{}, fmt.Errorf("execution cancelled: %w", err))
				return
			}

			response, err := a.provider.ChatWithTools(ctx, messages, a.definitions)
			if err != nil {
				yield(Event{}, fmt.Errorf("LLM call failed: %w", err))
				return
			}

			assistant := llm.ChatMessage{
				Role:      llm.RoleAssistant,
				Content:   response.Content,
				ToolCalls: response.ToolCalls,
			}
			messages = append(messages, assistant)

			if !response.HasToolCalls() {
				a.logger.Debug("agent answered", a.logger.Args("agent", a.config.Name, "iteration", iteration))
				yield(Event{Kind: EventAnswer, Message: assistant, Iteration: iteration, Usage: response.Usage}, nil)
				return
			}

			if !yield(Event{Kind: EventToolCall, Message: assistant, Iteration: iteration, Usage: response.Usage}, nil) {
				return
			}

			for _, call := range response.ToolCalls {
				observation, metrics := a.executeTool(ctx, call)
				a.logger.Debug("tool called", a.logger.Args(
					"agent", a.config.Name,
					"tool", call.Name,
					"iteration", iteration,
					"success", metrics.Success,
					"duration_ms", metrics.DurationMs,
				))

				msg := llm.ToolResultMessage(call, observation)
				messages = append(messages, msg)
				if !yield(Event{Kind: EventObservation, Message: msg, Iteration: iteration, Call: &metrics}, nil) {
					return
				}
			}
		}

		yield(Event{}, fmt.Errorf("%w (%d)", ErrMaxIterations, maxIterations))
	}
}

// executeTool runs one requested call. Unknown tools and tool failures become
// "Error: ..." observations so the model can correct itself.
func (a *Agent) executeTool(ctx context.Context, call llm.ToolCall) (string, model.ToolCall) {
	metrics := model.ToolCall{Name: call.Name, InputSize: len(call.Arguments)}

	tool, exists := a.toolRegistry.Get(call.Name)
	if !exists {
		return fmt.Sprintf("Error: tool '%s' not found", call.Name), metrics
	}

	args := call.Arguments
	if len(args) == 0 {
		args = []byte("{}")
	}

	start := time.Now()
	result, err := a.toolExecutor.Execute(ctx, tool, args)
	metrics.DurationMs = uint64(time.Since(start).Milliseconds())
	if err != nil {
		result = tools.FailureResult(err)
	}

	observation := result.Observation()
	metrics.OutputSize = len(observation)
	metrics.Success = result.Success()
	return observation, metrics
}

// Execute runs a task and collects the stream into a Response.
func (a *Agent) Execute(ctx context.Context, task string) Response {
	return a.ExecuteWithHistory(ctx, task, nil)
}

// ExecuteWithHistory runs a task with conversation history.
func (a *Agent) ExecuteWithHistory(ctx context.Context, task string, history []llm.ChatMessage) Response {
	start := time.Now()
	var (
		steps      []Step
		toolCalls  []ToolCall
		totalUsage llm.TokenUsage
		llmCalls   int
		thought    string
	)

	metadata := func() Metadata {
		name := a.config.Name
		return Metadata{
			ExecutionTimeMs: uint64(time.Since(start).Milliseconds()),
			AgentName:       &name,
			ToolCalls:       toolCalls,
			TokenUsage:      &totalUsage,
			LLMCalls:        llmCalls,
		}
	}

	for event, err := range a.StreamWithHistory(ctx, task, history) {
		if err != nil {
			if errors.Is(err, ErrMaxIterations) {
				return Response{Type: ResponseTimeout, PartialResult: "Max iterations reached", Steps: steps, Metadata: metadata()}
			}
			return Response{Type: ResponseFailure, Error: err.Error(), Steps: steps, Metadata: metadata()}
		}

		switch event.Kind {
		case EventToolCall:
			llmCalls++
			totalUsage.Add(event.Usage)
			thought = event.Message.Content
		case EventObservation:
			action := event.Call.Name
			observation := event.Message.Content
			steps = append(steps, Step{Iteration: event.Iteration, Thought: thought, Action: &action, Observation: &observation})
			toolCalls = append(toolCalls, *event.Call)
		case EventAnswer:
			llmCalls++
			totalUsage.Add(event.Usage)
			result := event.Message.Content
			steps = append(steps, Step{Iteration: event.Iteration, Thought: result, Observation: &result})
			return Response{Type: ResponseSuccess, Result: result, Steps: steps, Metadata: metadata()}
		}
	}

	return Response{Type: ResponseFailure, Error: "agent produced no answer", Steps: steps, Metadata: metadata()}
}
