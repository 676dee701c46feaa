package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/storage"
)

func openTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.OpenScript(context.Background(), "../storage/testdata/chinook_mini.sql", storage.EngineSQLite)
	if err != nil {
		t.Fatalf("OpenScript failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// scriptedProvider replies with canned content and records the prompts it saw.
type scriptedProvider struct {
	replies []string
	err     error
	prompts []string
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.LLMResponse, error) {
	p.prompts = append(p.prompts, messages[len(messages)-1].Content)
	if p.err != nil {
		return llm.LLMResponse{}, p.err
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return llm.LLMResponse{Content: reply}, nil
}

func (p *scriptedProvider) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDefinition) (llm.LLMResponse, error) {
	return p.Chat(ctx, messages)
}

func TestListTablesTool(t *testing.T) {
	tool := NewListTablesTool(openTestDB(t))

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "Album, Artist, Invoice, InvoiceLine, Track" {
		t.Errorf("unexpected tables: %q", result.Output)
	}
}

func TestSchemaTool(t *testing.T) {
	tool := NewSchemaTool(openTestDB(t))

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"table_names": "Artist, 'Album'"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %v", result.Error)
	}
	if !strings.Contains(result.Output, "CREATE TABLE Artist") || !strings.Contains(result.Output, "CREATE TABLE Album") {
		t.Errorf("expected both schemas, got:\n%s", result.Output)
	}

	if err := tool.Validate(json.RawMessage(`{"table_names": " , "}`)); err == nil {
		t.Error("expected validation error for empty table list")
	}

	result, _ = tool.Execute(context.Background(), json.RawMessage(`{"table_names": "Nope"}`))
	if result.Success() {
		t.Error("expected failure for unknown table")
	}
}

func TestQueryToolReportsErrorsAsObservations(t *testing.T) {
	tool := NewQueryTool(openTestDB(t))
	ctx := context.Background()

	result, err := tool.Execute(ctx, json.RawMessage(`{"query": "SELECT Name FROM Artist ORDER BY ArtistId LIMIT 1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "Name\nAC/DC" {
		t.Errorf("unexpected output %q", result.Output)
	}

	result, err = tool.Execute(ctx, json.RawMessage(`{"query": "SELECT Nme FROM Artist"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(result.Observation(), "Error: ") {
		t.Errorf("expected error observation, got %q", result.Observation())
	}

	result, _ = tool.Execute(ctx, json.RawMessage(`{"query": "DROP TABLE Artist"}`))
	if !errors.Is(result.Error, storage.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", result.Error)
	}
}

func TestQueryCheckerParsesJSON(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"```json\n{\"query\": \"SELECT Name FROM Artist LIMIT 5\", \"issues\": [\"added LIMIT\"]}\n```",
	}}
	tool := NewQueryCheckerTool("SQLite", provider)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "SELECT Name FROM Artist"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "-- added LIMIT\nSELECT Name FROM Artist LIMIT 5" {
		t.Errorf("unexpected output %q", result.Output)
	}
	if !strings.Contains(provider.prompts[0], "SQLite") || !strings.Contains(provider.prompts[0], "SELECT Name FROM Artist") {
		t.Errorf("expected dialect and query in prompt, got %q", provider.prompts[0])
	}
}

func TestQueryCheckerFallsBackToRawReply(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"```sql\nSELECT 1\n```"}}
	tool := NewQueryCheckerTool("SQLite", provider)

	result, _ := tool.Execute(context.Background(), json.RawMessage(`{"query": "SELECT 1"}`))
	if result.Output != "SELECT 1" {
		t.Errorf("expected raw query, got %q", result.Output)
	}
}

func TestQueryCheckerProviderError(t *testing.T) {
	tool := NewQueryCheckerTool("SQLite", &scriptedProvider{err: errors.New("boom")})

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "SELECT 1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success() {
		t.Error("expected failure when provider errors")
	}
}

func TestToolkitDefinitions(t *testing.T) {
	registry, err := NewRegistryWith(NewSQLToolkit(openTestDB(t), &scriptedProvider{})...)
	if err != nil {
		t.Fatalf("NewRegistryWith failed: %v", err)
	}

	names := registry.Names()
	want := []string{ListTablesToolName, QueryToolName, QueryCheckerToolName, SchemaToolName}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, names)
	}

	defs := Definitions(registry.Tools())
	for _, def := range defs {
		if def.Parameters["type"] != "object" {
			t.Errorf("%s: expected object schema", def.Name)
		}
	}
	query := defs[1]
	if req := query.Parameters["required"].([]string); len(req) != 1 || req[0] != "query" {
		t.Errorf("expected query required, got %v", req)
	}

	if _, err := NewRegistryWith(NewListTablesTool(nil), NewListTablesTool(nil)); err == nil {
		t.Error("expected duplicate registration error")
	}
}
