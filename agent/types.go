// Package agent runs a tool-calling SQL agent and exposes each turn as an event.
//
// Contains all types used by agents for events and responses.
package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/model"
)

// ErrMaxIterations is returned when the model is still calling tools after
// the iteration budget is spent.
var ErrMaxIterations = errors.New("agent stopped after reaching max iterations")

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventInput echoes the user message. Always the first event.
	EventInput EventKind = iota
	// EventToolCall is an assistant turn that requests tools.
	EventToolCall
	// EventObservation is one tool result fed back to the model.
	EventObservation
	// EventAnswer is the assistant's final reply. Always the last event of a
	// successful run.
	EventAnswer
)

func (k EventKind) String() string {
	switch k {
	case EventInput:
		return "input"
	case EventToolCall:
		return "tool_call"
	case EventObservation:
		return "observation"
	case EventAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Event is one message appended to the conversation during a run.
type Event struct {
	Kind      EventKind
	Message   llm.ChatMessage
	Iteration int
	// Usage is set on events produced by a model call.
	Usage *llm.TokenUsage
	// Call is set on observations.
	Call *model.ToolCall
}

// Text returns the message content. Tool-call turns with no content render
// their calls instead.
func (e Event) Text() string {
	if e.Message.Content != "" || len(e.Message.ToolCalls) == 0 {
		return e.Message.Content
	}

	calls := make([]string, len(e.Message.ToolCalls))
	for i, c := range e.Message.ToolCalls {
		calls[i] = fmt.Sprintf("%s(%s)", c.Name, string(c.Arguments))
	}
	return strings.Join(calls, "\n")
}

// Step is an alias for model.Step for agent reasoning steps.
type Step = model.Step

// ToolCall is an alias for model.ToolCall for tool call metadata.
type ToolCall = model.ToolCall

// Metadata contains metadata about agent execution.
type Metadata struct {
	ExecutionTimeMs uint64
	AgentName       *string
	ToolCalls       []ToolCall
	TokenUsage      *llm.TokenUsage
	LLMCalls        int
}

// ResponseType indicates the type of agent response.
type ResponseType int

const (
	ResponseSuccess ResponseType = iota
	ResponseFailure
	ResponseTimeout
)

func (t ResponseType) String() string {
	switch t {
	case ResponseSuccess:
		return "success"
	case ResponseFailure:
		return "failure"
	case ResponseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Response is the collected outcome of a run.
type Response struct {
	Type          ResponseType
	Result        string // For Success
	Error         string // For Failure
	PartialResult string // For Timeout
	Steps         []Step
	Metadata      Metadata
}

// ResultText returns the result string (for success) or error (for failure).
func (r Response) ResultText() string {
	switch r.Type {
	case ResponseSuccess:
		return r.Result
	case ResponseFailure:
		return r.Error
	case ResponseTimeout:
		return r.PartialResult
	default:
		return ""
	}
}

// IsSuccess checks if the response was successful.
func (r Response) IsSuccess() bool {
	return r.Type == ResponseSuccess
}
