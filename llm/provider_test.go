package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

// newChatServer serves a single canned Chat Completions response and records
// the last request body.
func newChatServer(t *testing.T, status int, body string, lastRequest *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if lastRequest != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, lastRequest)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIChatWithToolsParsesToolCalls(t *testing.T) {
	body := `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "sql_db_list_tables", "arguments": "{}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`
	var req map[string]any
	srv := newChatServer(t, http.StatusOK, body, &req)

	provider := NewOpenAICompatibleProvider("openai", srv.URL, "sk-test", "gpt-4o", 100, 0)
	tools := []ToolDefinition{{
		Name:        "sql_db_list_tables",
		Description: "List tables",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}}

	resp, err := provider.ChatWithTools(context.Background(), []ChatMessage{
		SystemMessage("be brief"),
		UserMessage("which tables exist?"),
	}, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls in response")
	}
	if resp.ToolCalls[0].Name != "sql_db_list_tables" {
		t.Errorf("expected tool sql_db_list_tables, got %q", resp.ToolCalls[0].Name)
	}
	if resp.ToolCalls[0].ID != "call_1" {
		t.Errorf("expected call id call_1, got %q", resp.ToolCalls[0].ID)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %+v", resp.Usage)
	}

	sent, ok := req["tools"].([]any)
	if !ok || len(sent) != 1 {
		t.Fatalf("expected 1 tool in request, got %v", req["tools"])
	}
}

func TestOpenAIMaxTokensField(t *testing.T) {
	tests := []struct {
		name       string
		provider   *OpenAIProvider
		completion int
		legacy     int
	}{
		{"openai", NewOpenAICompatibleProvider("openai", "", "sk-test", "gpt-4o", 100, 0), 100, 0},
		{"openai behind proxy", NewOpenAICompatibleProvider("openai", "http://localhost:8080/v1", "sk-test", "gpt-4o", 100, 0), 0, 100},
		{"deepseek", NewDeepSeekProvider("sk-test", "deepseek-chat", 100, 0), 0, 100},
		{"ollama", NewOpenAICompatibleProvider("ollama", "http://localhost:11434/v1", "", "llama3", 100, 0), 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.provider.request([]ChatMessage{UserMessage("hi")}, nil)
			if req.MaxCompletionTokens != tt.completion {
				t.Errorf("expected max_completion_tokens %d, got %d", tt.completion, req.MaxCompletionTokens)
			}
			if req.MaxTokens != tt.legacy {
				t.Errorf("expected max_tokens %d, got %d", tt.legacy, req.MaxTokens)
			}
		})
	}
}

func TestOpenAICompatibleSendsMaxTokens(t *testing.T) {
	body := `{"id": "1", "object": "chat.completion", "created": 1, "model": "llama3",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`
	var req map[string]any
	srv := newChatServer(t, http.StatusOK, body, &req)

	provider := NewOpenAICompatibleProvider("ollama", srv.URL, "", "llama3", 256, 0)
	if _, err := provider.Chat(context.Background(), []ChatMessage{UserMessage("hi")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req["max_tokens"] != float64(256) {
		t.Errorf("expected max_tokens 256, got %v", req["max_tokens"])
	}
	if _, ok := req["max_completion_tokens"]; ok {
		t.Errorf("expected no max_completion_tokens, got %v", req["max_completion_tokens"])
	}
}

func TestOpenAIToolResultRoundTrip(t *testing.T) {
	messages := []ChatMessage{
		UserMessage("count artists"),
		{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "call_9", Name: "sql_db_query", Arguments: json.RawMessage(`{"query":"SELECT 1"}`)}},
		},
		ToolResultMessage(ToolCall{ID: "call_9", Name: "sql_db_query"}, "1"),
	}

	converted := toOpenAIMessages(messages)
	if len(converted) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(converted))
	}
	if converted[1].ToolCalls[0].Function.Arguments != `{"query":"SELECT 1"}` {
		t.Errorf("unexpected arguments %q", converted[1].ToolCalls[0].Function.Arguments)
	}
	if converted[2].ToolCallID != "call_9" {
		t.Errorf("expected tool_call_id call_9, got %q", converted[2].ToolCallID)
	}
}

// An upstream auth failure must not echo the key back to the caller.
func TestOpenAIErrorNoAPIKeyLeak(t *testing.T) {
	testKey := "sk-test-invalid-key-12345xyz"
	body := `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`
	srv := newChatServer(t, http.StatusUnauthorized, body, nil)

	provider := NewOpenAICompatibleProvider("openai", srv.URL, testKey, "gpt-4o", 100, 0.7)
	_, err := provider.Chat(context.Background(), []ChatMessage{UserMessage("test")})
	if err == nil {
		t.Fatal("expected error for rejected key")
	}

	errStr := err.Error()
	if strings.Contains(errStr, testKey) {
		t.Errorf("error message leaked API key: %v", errStr)
	}
	if strings.Contains(errStr, "Authorization:") {
		t.Errorf("error exposed Authorization header: %v", errStr)
	}
}

func TestAnthropicFoldsParallelToolResults(t *testing.T) {
	messages := []ChatMessage{
		SystemMessage("system prompt"),
		UserMessage("question"),
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "a", Name: "sql_db_schema", Arguments: json.RawMessage(`{"table_names":"Artist"}`)},
				{ID: "b", Name: "sql_db_schema", Arguments: json.RawMessage(`{"table_names":"Album"}`)},
			},
		},
		ToolResultMessage(ToolCall{ID: "a"}, "CREATE TABLE Artist"),
		ToolResultMessage(ToolCall{ID: "b"}, "CREATE TABLE Album"),
		AssistantMessage("done"),
	}

	converted, system := toAnthropicMessages(messages)
	if system != "system prompt" {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	// user, assistant(tool_use x2), user(tool_result x2), assistant
	if len(converted) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(converted))
	}
	if len(converted[2].Content) != 2 {
		t.Errorf("expected 2 tool results folded into one turn, got %d", len(converted[2].Content))
	}
	if len(converted[1].Content) != 2 {
		t.Errorf("expected 2 tool_use blocks, got %d", len(converted[1].Content))
	}
}

func TestAnthropicToolInputIsAlwaysAnObject(t *testing.T) {
	tests := []struct {
		name string
		args json.RawMessage
		want int
	}{
		{"empty", nil, 0},
		{"object", json.RawMessage(`{"table_names":"Artist"}`), 1},
		{"null", json.RawMessage(`null`), 0},
		{"malformed", json.RawMessage(`{"table_names":`), 0},
		{"array", json.RawMessage(`[1,2]`), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := toolInput(tt.args)
			if input == nil {
				t.Fatal("expected a non-nil map")
			}
			if len(input) != tt.want {
				t.Errorf("expected %d keys, got %v", tt.want, input)
			}
		})
	}

	converted, _ := toAnthropicMessages([]ChatMessage{
		UserMessage("question"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "sql_db_list_tables"}}},
	})
	use := converted[1].Content[0].OfToolUse
	if use == nil {
		t.Fatal("expected a tool_use block")
	}
	if input, ok := use.Input.(map[string]any); !ok || input == nil {
		t.Errorf("expected empty input object, got %#v", use.Input)
	}
}

func TestGeminiSchemaConversion(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "SQL"},
			"limit": map[string]any{"type": "integer"},
			"names": map[string]any{"type": "array"},
		},
		"required": []string{"query"},
	}

	schema := toGeminiSchema(params)
	if schema.Type != genai.TypeObject {
		t.Errorf("expected object, got %v", schema.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("expected required [query], got %v", schema.Required)
	}
	if schema.Properties["limit"].Type != genai.TypeInteger {
		t.Errorf("expected integer for limit, got %v", schema.Properties["limit"].Type)
	}
	if schema.Properties["names"].Items == nil {
		t.Error("expected default items for array property")
	}
	if schema.Properties["query"].Description != "SQL" {
		t.Errorf("expected description preserved, got %q", schema.Properties["query"].Description)
	}
}

func TestGeminiFoldsFunctionResponses(t *testing.T) {
	messages := []ChatMessage{
		UserMessage("q"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "x", Name: "sql_db_list_tables"}, {ID: "y", Name: "sql_db_schema"}}},
		ToolResultMessage(ToolCall{ID: "x", Name: "sql_db_list_tables"}, "Artist"),
		ToolResultMessage(ToolCall{ID: "y", Name: "sql_db_schema"}, "CREATE TABLE Artist"),
	}

	contents, _ := toGeminiContents(messages)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	last := contents[2]
	if len(last.Parts) != 2 {
		t.Fatalf("expected 2 function responses in one turn, got %d", len(last.Parts))
	}
	if last.Parts[1].FunctionResponse.Name != "sql_db_schema" {
		t.Errorf("expected response named sql_db_schema, got %q", last.Parts[1].FunctionResponse.Name)
	}
}

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		in   string
		want ProviderType
	}{
		{"openai", ProviderOpenAI},
		{"GPT", ProviderOpenAI},
		{"claude", ProviderAnthropic},
		{"deepseek", ProviderDeepSeek},
		{"google", ProviderGemini},
	}
	for _, tt := range tests {
		got, err := ParseProviderType(tt.in)
		if err != nil {
			t.Fatalf("ParseProviderType(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseProviderType(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}

	if _, err := ParseProviderType("mystery"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestBuilderDefaults(t *testing.T) {
	provider, err := ProviderDeepSeek.APIKey("sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Name() != "deepseek" {
		t.Errorf("expected deepseek, got %q", provider.Name())
	}
	if provider.Model() != ModelDeepSeekChat {
		t.Errorf("expected default model %q, got %q", ModelDeepSeekChat, provider.Model())
	}

	if _, err := ProviderOpenAI.APIKey(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	total.Add(&TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	total.Add(nil)
	total.Add(&TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})

	if total.TotalTokens != 7 {
		t.Errorf("expected 7 total tokens, got %d", total.TotalTokens)
	}
}
