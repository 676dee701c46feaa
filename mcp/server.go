// Package mcp exposes the scripted database to Model Context Protocol clients.
//
// The server speaks JSON-RPC over stdin/stdout and offers three tools:
// list_tables, table_schema and run_query. No LLM is involved, so the
// server runs without an API key.
//
// Information Hiding:
// - SDK server construction and transport hidden
// - Tool argument schemas derived from Go structs
// - Retry and timeout policy delegated to tools.Executor

package mcp

import (
	"context"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pterm/pterm"
	"github.com/richinex/tally/internal/logging"
	"github.com/richinex/tally/tools"
)

// Server names reported to MCP clients.
const (
	ServerName = "tally"

	ListTablesName  = "list_tables"
	TableSchemaName = "table_schema"
	RunQueryName    = "run_query"
)

// Server serves the database tools over MCP.
type Server struct {
	server   *sdk.Server
	executor *tools.Executor
	logger   *pterm.Logger
}

// NewServer registers the database tools on a new MCP server.
// A nil logger discards output.
func NewServer(db tools.Database, version string, config tools.ToolConfig, logger *pterm.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		server:   sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: version}, nil),
		executor: tools.NewExecutor(config),
		logger:   logger,
	}

	addTool[ListTablesParams](s, ListTablesName,
		"List the tables in the database, comma separated.",
		tools.NewListTablesTool(db))
	addTool[TableSchemaParams](s, TableSchemaName,
		"Show the CREATE statement and three sample rows for each table. Check the table names with list_tables first.",
		tools.NewSchemaTool(db))
	addTool[RunQueryParams](s, RunQueryName,
		fmt.Sprintf("Run one read-only %s query and return the rows as tab-separated text.", db.Dialect()),
		tools.NewQueryTool(db))

	return s
}

// Run serves requests on stdin/stdout until the client disconnects or ctx
// is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	if err := s.server.Run(ctx, &sdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server stopped: %w", err)
	}
	return nil
}
