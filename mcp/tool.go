// Bridge from tools.Tool to MCP tool handlers.

package mcp

import (
	"context"
	"encoding/json"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/richinex/tally/tools"
)

// ListTablesParams takes no input.
type ListTablesParams struct{}

// TableSchemaParams selects the tables to describe.
type TableSchemaParams struct {
	TableNames string `json:"table_names" jsonschema:"comma-separated list of table names, for example Artist, Album"`
}

// RunQueryParams carries one SQL statement.
type RunQueryParams struct {
	Query string `json:"query" jsonschema:"a single read-only SELECT statement"`
}

// toolParams lists the argument types the bridge knows how to schema.
type toolParams interface {
	ListTablesParams | TableSchemaParams | RunQueryParams
}

// addTool registers tool under name. Arguments are re-encoded to JSON and
// run through the executor, so MCP calls get the same validation, retry and
// timeout as agent calls.
func addTool[P toolParams](s *Server, name, description string, tool tools.Tool) {
	sdk.AddTool(s.server, &sdk.Tool{Name: name, Description: description},
		func(ctx context.Context, req *sdk.CallToolRequest, params P) (*sdk.CallToolResult, any, error) {
			args, err := json.Marshal(params)
			if err != nil {
				return errorResult(err.Error()), nil, nil
			}

			result, err := s.executor.Execute(ctx, tool, args)
			if err != nil {
				return nil, nil, err
			}

			s.logger.Debug("mcp tool call", s.logger.Args("tool", name, "success", result.Success()))
			if !result.Success() {
				return errorResult(result.Observation()), nil, nil
			}
			return textResult(result.Output), nil, nil
		})
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func errorResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: text}},
		IsError: true,
	}
}
