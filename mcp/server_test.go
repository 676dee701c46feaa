package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/richinex/tally/storage"
	"github.com/richinex/tally/tools"
)

func connect(t *testing.T) *sdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenScript(ctx, "../storage/testdata/chinook_mini.sql", storage.EngineSQLite)
	if err != nil {
		t.Fatalf("OpenScript failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	server := NewServer(db, "test", tools.ToolConfig{MaxRetries: 1}, nil)
	serverTransport, clientTransport := sdk.NewInMemoryTransports()

	ss, err := server.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect failed: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callText(t *testing.T, cs *sdk.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) failed: %v", name, err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestServerListsTools(t *testing.T) {
	cs := connect(t)

	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	got := strings.Join(names, ",")
	for _, want := range []string{ListTablesName, TableSchemaName, RunQueryName} {
		if !strings.Contains(got, want) {
			t.Errorf("expected tool %s, got %v", want, names)
		}
	}
}

func TestListTables(t *testing.T) {
	cs := connect(t)

	text, isErr := callText(t, cs, ListTablesName, map[string]any{})
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if text != "Album, Artist, Invoice, InvoiceLine, Track" {
		t.Errorf("unexpected tables %q", text)
	}
}

func TestTableSchema(t *testing.T) {
	cs := connect(t)

	text, isErr := callText(t, cs, TableSchemaName, map[string]any{"table_names": "Artist"})
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if !strings.Contains(text, "CREATE TABLE Artist") {
		t.Errorf("expected CREATE statement, got:\n%s", text)
	}
}

func TestRunQuery(t *testing.T) {
	cs := connect(t)

	text, isErr := callText(t, cs, RunQueryName, map[string]any{"query": "SELECT COUNT(*) AS n FROM Artist"})
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if text != "n\n4" {
		t.Errorf("expected n\\n4, got %q", text)
	}
}

func TestRunQueryRejectsWrites(t *testing.T) {
	cs := connect(t)

	text, isErr := callText(t, cs, RunQueryName, map[string]any{"query": "DELETE FROM Artist"})
	if !isErr {
		t.Fatalf("expected tool error, got %q", text)
	}
	if !strings.Contains(text, "read-only") {
		t.Errorf("expected read-only message, got %q", text)
	}
}

func TestClientConfigMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	existing := `{"mcpServers": {"memory": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-memory"]}}}`
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg.Merge(ClientConfig("/usr/local/bin/tally", "/data/chinook.sql", "duckdb"))

	if len(cfg.MCPServers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.MCPServers))
	}
	server := cfg.MCPServers[ServerName]
	want := "mcp --script /data/chinook.sql --engine duckdb"
	if got := strings.Join(server.Args, " "); got != want {
		t.Errorf("expected args %q, got %q", want, got)
	}

	data, err := cfg.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if !strings.Contains(string(data), `"memory"`) {
		t.Errorf("expected existing server kept, got:\n%s", data)
	}
}
