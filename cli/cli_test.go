package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/richinex/tally/gate"
	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/query"
	"github.com/richinex/tally/storage"
	"github.com/richinex/tally/tools"
)

// turnProvider lists the tables on the first call and answers on the second.
type turnProvider struct {
	calls int
}

func (p *turnProvider) Name() string  { return "turns" }
func (p *turnProvider) Model() string { return "turns-1" }

func (p *turnProvider) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.LLMResponse, error) {
	return p.ChatWithTools(ctx, messages, nil)
}

func (p *turnProvider) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, defs []llm.ToolDefinition) (llm.LLMResponse, error) {
	p.calls++
	usage := &llm.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}
	if p.calls%2 == 1 {
		return llm.LLMResponse{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.ListTablesToolName, Arguments: json.RawMessage(`{}`)}},
			Usage:     usage,
		}, nil
	}
	return llm.LLMResponse{Content: "There are 5 tables.", Usage: usage}, nil
}

func testApp(t *testing.T) *App {
	t.Helper()
	return testAppWith(t, &turnProvider{})
}

func testAppWith(t *testing.T, provider *turnProvider) *App {
	t.Helper()
	db, err := storage.OpenScript(context.Background(), "../storage/testdata/chinook_mini.sql", storage.EngineSQLite)
	if err != nil {
		t.Fatalf("OpenScript failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	a, err := CreateAgent(AgentSQL, db, provider, 5, 5, tools.ToolConfig{MaxRetries: 1})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return &App{DB: db, Agent: a, Facade: query.New(a, nil)}
}

func TestSystemPrompt(t *testing.T) {
	prompt, err := SystemPrompt(AgentSQL, "SQLite", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "correct SQLite query") {
		t.Errorf("expected dialect in prompt, got:\n%s", prompt)
	}
	if !strings.Contains(prompt, "at most 5 results") {
		t.Errorf("expected top_k in prompt, got:\n%s", prompt)
	}

	prompt, err = SystemPrompt(AgentAccounting, "DuckDB", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "accounting and finance") || !strings.Contains(prompt, "DuckDB") {
		t.Errorf("unexpected accounting prompt:\n%s", prompt)
	}

	if _, err := SystemPrompt("poetry", "SQLite", 5); err == nil {
		t.Error("expected error for unknown prompt")
	}
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantOut string
	}{
		{"first try", "admin\n1234\n", false, ""},
		{"second try", "admin\nwrong\nadmin\n1234\n", false, "Incorrect username or password."},
		{"empty then success", "\n\nadmin\n1234\n", false, "Please log in to use the application."},
		{"three failures", "a\nb\na\nb\na\nb\nadmin\n1234\n", true, "Incorrect username or password."},
	}

	g := gate.New(gate.DefaultCredentials)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := bufio.NewReader(strings.NewReader(tt.input))
			var out bytes.Buffer
			readPassword := func() (string, error) {
				line, err := in.ReadString('\n')
				return strings.TrimRight(line, "\n"), err
			}

			user, err := login(g, in, &out, readPassword)
			if tt.wantErr {
				if !errors.Is(err, ErrLoginFailed) {
					t.Fatalf("expected ErrLoginFailed, got %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if user != "admin" {
					t.Errorf("expected admin, got %q", user)
				}
			}
			if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("expected %q in output, got %q", tt.wantOut, out.String())
			}
		})
	}
}

func TestLoadSettingsOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("TALLY_SCRIPT", "env.sql")
	t.Setenv("AGENT_MAX_ITERATIONS", "15")

	settings, err := loadSettings(Options{Provider: "claude", Script: "flag.sql", Engine: "duckdb", MaxIter: 4, Verbose: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %q", settings.LLM.Provider)
	}
	if settings.Data.Script != "flag.sql" {
		t.Errorf("expected flag.sql, got %q", settings.Data.Script)
	}
	if settings.Data.Engine != "duckdb" {
		t.Errorf("expected duckdb, got %q", settings.Data.Engine)
	}
	if settings.Agent.MaxIterations != 4 {
		t.Errorf("expected 4 iterations, got %d", settings.Agent.MaxIterations)
	}
	if settings.Log.Level != "debug" {
		t.Errorf("expected debug level, got %q", settings.Log.Level)
	}
}

func TestBootstrapFailsFastWithoutAPIKey(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Bootstrap(context.Background(), Options{Script: "does-not-exist.sql"})
	if err == nil {
		t.Fatal("expected error without API key")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestBootstrapFailsOnMissingScript(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := Bootstrap(context.Background(), Options{Script: "does-not-exist.sql"})
	if err == nil {
		t.Fatal("expected error for missing script")
	}
	if !strings.Contains(err.Error(), "does-not-exist.sql") {
		t.Errorf("expected script path in error, got %v", err)
	}
}

func TestTraceRunPrintsEveryEvent(t *testing.T) {
	app := testApp(t)

	var out bytes.Buffer
	if err := traceRun(context.Background(), &out, app.Agent, "how many tables?"); err != nil {
		t.Fatalf("traceRun failed: %v", err)
	}

	text := out.String()
	order := []string{"] input", "] tool_call", "] observation", "] answer", "Total tokens: 24"}
	pos := 0
	for _, want := range order {
		i := strings.Index(text[pos:], want)
		if i < 0 {
			t.Fatalf("expected %q after offset %d, got:\n%s", want, pos, text)
		}
		pos += i
	}
	if !strings.Contains(text, "Album, Artist, Invoice, InvoiceLine, Track") {
		t.Errorf("expected observation text, got:\n%s", text)
	}
}

func TestAskBlankQuestionSkipsAgent(t *testing.T) {
	for _, output := range []AskOutput{OutputAnswer, OutputTrace, OutputJSON} {
		provider := &turnProvider{}
		app := testAppWith(t, provider)

		var out bytes.Buffer
		for _, q := range []string{"", "   ", "\t\n"} {
			if err := ask(context.Background(), &out, app, q, output); err != nil {
				t.Fatalf("ask(%q) failed: %v", q, err)
			}
		}
		if provider.calls != 0 {
			t.Errorf("output %d: expected no model calls, got %d", output, provider.calls)
		}
		if out.Len() != 0 {
			t.Errorf("output %d: expected no output, got %q", output, out.String())
		}
	}
}

func TestAskPrintsAnswer(t *testing.T) {
	app := testApp(t)

	var out bytes.Buffer
	if err := ask(context.Background(), &out, app, "how many tables?", OutputAnswer); err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if out.String() != "There are 5 tables.\n" {
		t.Errorf("expected answer line, got %q", out.String())
	}
}

func TestAskJSONReport(t *testing.T) {
	app := testApp(t)

	var out bytes.Buffer
	if err := ask(context.Background(), &out, app, "how many tables?", OutputJSON); err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	var report runReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("expected JSON report, got %q: %v", out.String(), err)
	}
	if report.Status != "success" || report.Result != "There are 5 tables." {
		t.Errorf("unexpected outcome %q %q", report.Status, report.Result)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 steps (tool call, answer), got %d", len(report.Steps))
	}
	if report.Steps[0].Action == nil || *report.Steps[0].Action != tools.ListTablesToolName {
		t.Errorf("expected first step to call %s, got %+v", tools.ListTablesToolName, report.Steps[0])
	}
	if len(report.ToolCalls) != 1 || !report.ToolCalls[0].Success {
		t.Errorf("expected one successful tool call, got %+v", report.ToolCalls)
	}
	if report.LLMCalls != 2 || report.TotalTokens != 24 {
		t.Errorf("expected 2 calls and 24 tokens, got %d and %d", report.LLMCalls, report.TotalTokens)
	}
}

func TestListSessions(t *testing.T) {
	store := storage.NewInMemoryStorage()
	ctx := context.Background()

	var out bytes.Buffer
	n, err := listSessions(ctx, &out, store)
	if err != nil {
		t.Fatalf("listSessions failed: %v", err)
	}
	if n != 0 || out.Len() != 0 {
		t.Errorf("expected no sessions, got %d %q", n, out.String())
	}

	msg := []llm.ChatMessage{llm.UserMessage("hi")}
	if err := store.Save(ctx, "older", msg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Save(ctx, "newer", msg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	n, err = listSessions(ctx, &out, store)
	if err != nil {
		t.Fatalf("listSessions failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 sessions, got %d", n)
	}
	if out.String() != "newer\nolder\n" {
		t.Errorf("expected newest first, got %q", out.String())
	}
}

func TestChatTurnPersistsHistory(t *testing.T) {
	app := testApp(t)
	store := storage.NewInMemoryStorage()
	ctx := context.Background()

	history := chatTurn(ctx, app, store, "s1", "how many tables?", nil, false)
	if len(history) != 4 {
		t.Fatalf("expected 4 messages (input, call, observation, answer), got %d", len(history))
	}
	if history[3].Content != "There are 5 tables." {
		t.Errorf("unexpected answer %q", history[3].Content)
	}

	saved, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(saved) != 4 {
		t.Errorf("expected 4 saved messages, got %d", len(saved))
	}

	history = chatTurn(ctx, app, store, "s1", "and now?", history, false)
	if len(history) != 8 {
		t.Errorf("expected 8 messages after second turn, got %d", len(history))
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("héllo", 2); got != "hé..." {
		t.Errorf("expected hé..., got %q", got)
	}
	if got := truncateString("abc", 5); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}
