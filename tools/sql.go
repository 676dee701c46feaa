// SQL toolkit: the four tools a SQL agent uses to explore and query the
// scripted database.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonutil "github.com/richinex/tally/internal/json"
	"github.com/richinex/tally/llm"
)

// Tool names, stable because prompts refer to them.
const (
	ListTablesToolName   = "sql_db_list_tables"
	SchemaToolName       = "sql_db_schema"
	QueryToolName        = "sql_db_query"
	QueryCheckerToolName = "sql_db_query_checker"
)

// Database is the read-only view of the scripted database the tools need.
type Database interface {
	Dialect() string
	Tables(ctx context.Context) ([]string, error)
	TableInfo(ctx context.Context, names []string) (string, error)
	QueryText(ctx context.Context, query string) (string, error)
}

// NewSQLToolkit returns the list, schema, query and checker tools bound to db.
// The checker uses provider for its review pass.
func NewSQLToolkit(db Database, provider llm.Provider) []Tool {
	return []Tool{
		NewListTablesTool(db),
		NewSchemaTool(db),
		NewQueryTool(db),
		NewQueryCheckerTool(db.Dialect(), provider),
	}
}

// ListTablesTool lists the tables in the database.
type ListTablesTool struct {
	BaseTool
	db Database
}

func NewListTablesTool(db Database) *ListTablesTool {
	return &ListTablesTool{db: db}
}

func (t *ListTablesTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        ListTablesToolName,
		Description: "Takes no input. Returns a comma-separated list of the tables in the database.",
	}
}

func (t *ListTablesTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	tables, err := t.db.Tables(ctx)
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(strings.Join(tables, ", ")), nil
}

// SchemaArgs are the arguments for the schema tool.
type SchemaArgs struct {
	TableNames string `json:"table_names"`
}

// SchemaTool returns CREATE statements and sample rows for tables.
type SchemaTool struct {
	db Database
}

func NewSchemaTool(db Database) *SchemaTool {
	return &SchemaTool{db: db}
}

func (t *SchemaTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name: SchemaToolName,
		Description: fmt.Sprintf("Returns the schema and a few sample rows for the given tables. "+
			"Call %s first so you only ask for tables that exist.", ListTablesToolName),
		Parameters: []ToolParameter{
			{Name: "table_names", ParamType: "string", Description: "Comma-separated table names, e.g. 'Artist, Album'", Required: true},
		},
	}
}

func (t *SchemaTool) Validate(args json.RawMessage) error {
	var a SchemaArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if len(splitTableNames(a.TableNames)) == 0 {
		return fmt.Errorf("table_names is required")
	}
	return nil
}

func (t *SchemaTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var a SchemaArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return FailureResultf("invalid arguments: %v", err), nil
	}

	info, err := t.db.TableInfo(ctx, splitTableNames(a.TableNames))
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(info), nil
}

func splitTableNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.Trim(strings.TrimSpace(part), "\"'`"); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// QueryArgs are the arguments for the query and checker tools.
type QueryArgs struct {
	Query string `json:"query"`
}

func parseQueryArgs(args json.RawMessage) (QueryArgs, error) {
	var a QueryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Query) == "" {
		return a, fmt.Errorf("query is required")
	}
	return a, nil
}

// QueryTool runs a read-only SQL statement.
type QueryTool struct {
	db Database
}

func NewQueryTool(db Database) *QueryTool {
	return &QueryTool{db: db}
}

func (t *QueryTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name: QueryToolName,
		Description: fmt.Sprintf("Runs one read-only SQL query and returns the rows as tab-separated text. "+
			"On error, read the message, fix the query and try again. If a column is unknown, check the table with %s.", SchemaToolName),
		Parameters: []ToolParameter{
			{Name: "query", ParamType: "string", Description: "A single SELECT statement", Required: true},
		},
	}
}

func (t *QueryTool) Validate(args json.RawMessage) error {
	_, err := parseQueryArgs(args)
	return err
}

func (t *QueryTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	a, err := parseQueryArgs(args)
	if err != nil {
		return FailureResult(err), nil
	}

	out, err := t.db.QueryText(ctx, a.Query)
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(out), nil
}

const queryCheckerPrompt = `You review %s queries before they run.
Look for common mistakes:
- NOT IN with NULL values
- UNION where UNION ALL was meant
- BETWEEN on exclusive ranges
- mismatched data types in predicates
- unquoted or wrongly quoted identifiers
- wrong number of function arguments
- casts to the wrong type
- joins on the wrong columns
- statements that modify data

Reply with JSON only:
{"query": "<the corrected query, or the original if it is fine>", "issues": ["<each problem you fixed>"]}

Query:
%s`

type checkedQuery struct {
	Query  string   `json:"query"`
	Issues []string `json:"issues"`
}

// QueryCheckerTool asks the model to double-check a query before it runs.
type QueryCheckerTool struct {
	dialect  string
	provider llm.Provider
}

func NewQueryCheckerTool(dialect string, provider llm.Provider) *QueryCheckerTool {
	return &QueryCheckerTool{dialect: dialect, provider: provider}
}

func (t *QueryCheckerTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name: QueryCheckerToolName,
		Description: fmt.Sprintf("Double-checks a query for common mistakes and returns the corrected query. "+
			"Always use this before running a query with %s.", QueryToolName),
		Parameters: []ToolParameter{
			{Name: "query", ParamType: "string", Description: "The query to check", Required: true},
		},
	}
}

func (t *QueryCheckerTool) Validate(args json.RawMessage) error {
	_, err := parseQueryArgs(args)
	return err
}

func (t *QueryCheckerTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	a, err := parseQueryArgs(args)
	if err != nil {
		return FailureResult(err), nil
	}

	resp, err := t.provider.Chat(ctx, []llm.ChatMessage{
		llm.UserMessage(fmt.Sprintf(queryCheckerPrompt, t.dialect, a.Query)),
	})
	if err != nil {
		return FailureResultf("query check failed: %w", err), nil
	}

	checked, err := jsonutil.ExtractJSONFromResponse[checkedQuery](resp.Content)
	if err != nil || strings.TrimSpace(checked.Query) == "" {
		// Not JSON: treat the whole reply as the query.
		return SuccessResult(jsonutil.StripCodeFence(resp.Content)), nil
	}

	var b strings.Builder
	for _, issue := range checked.Issues {
		fmt.Fprintf(&b, "-- %s\n", issue)
	}
	b.WriteString(strings.TrimSpace(checked.Query))
	return SuccessResult(b.String()), nil
}

var (
	_ Tool = (*ListTablesTool)(nil)
	_ Tool = (*SchemaTool)(nil)
	_ Tool = (*QueryTool)(nil)
	_ Tool = (*QueryCheckerTool)(nil)
)
