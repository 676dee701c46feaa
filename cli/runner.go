// Command execution for CLI commands.
//
// Information Hiding:
// - Startup order (settings, API key, script, agent) hidden
// - Flag overrides of environment settings hidden
// - Output formatting hidden

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/richinex/tally/agent"
	"github.com/richinex/tally/config"
	"github.com/richinex/tally/internal/logging"
	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/model"
	"github.com/richinex/tally/query"
	"github.com/richinex/tally/storage"
	"github.com/richinex/tally/tools"
)

// Version is set at build time with -ldflags "-X github.com/richinex/tally/cli.Version=...".
var Version = "dev"

// Options holds CLI flag overrides. Zero values keep the environment setting.
type Options struct {
	Provider    string
	Script      string
	Engine      string
	Prompt      string
	MaxIter     int
	ToolRetries uint32
	Verbose     bool
}

// App is everything an agent surface needs, built once per process.
type App struct {
	Settings config.Settings
	Logger   *pterm.Logger
	Provider llm.Provider
	DB       *storage.Database
	Agent    *agent.Agent
	Facade   *query.Facade
}

// Close releases the database.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Bootstrap loads settings, resolves the API key, loads the script and wires
// the agent. A missing key fails before the script is read.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(settings, os.Stderr)
	if err != nil {
		return nil, err
	}

	apiKey, err := config.APIKeyFor(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	provider, err := createProvider(settings, apiKey)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, settings, logger)
	if err != nil {
		return nil, err
	}

	toolConfig := tools.ToolConfig{
		AttemptTimeout: settings.Agent.ToolTimeout,
		MaxRetries:     settings.Agent.ToolMaxRetries,
	}
	a, err := CreateAgent(AgentType(settings.Agent.Prompt), db, provider, settings.Agent.TopK, settings.Agent.MaxIterations, toolConfig)
	if err != nil {
		db.Close()
		return nil, err
	}
	a = a.WithLogger(logger)

	logger.Debug("agent ready", logger.Args(
		"provider", provider.Name(),
		"model", provider.Model(),
		"prompt", a.Name(),
		"max_iterations", settings.Agent.MaxIterations,
	))

	return &App{
		Settings: settings,
		Logger:   logger,
		Provider: provider,
		DB:       db,
		Agent:    a,
		Facade:   query.New(a, logger),
	}, nil
}

// loadSettings reads the environment and applies flag overrides.
func loadSettings(opts Options) (config.Settings, error) {
	settings, err := config.New(opts.Provider)
	if err != nil {
		return config.Settings{}, err
	}

	if opts.Script != "" {
		settings.Data.Script = opts.Script
	}
	if opts.Engine != "" {
		settings.Data.Engine = opts.Engine
	}
	if opts.Prompt != "" {
		settings.Agent.Prompt = opts.Prompt
	}
	if opts.MaxIter > 0 {
		settings.Agent.MaxIterations = opts.MaxIter
	}
	if opts.ToolRetries > 0 {
		settings.Agent.ToolMaxRetries = opts.ToolRetries
	}
	if opts.Verbose {
		settings.Log.Level = "debug"
	}
	return settings, nil
}

func newLogger(settings config.Settings, w io.Writer) (*pterm.Logger, error) {
	logger, err := logging.New(w, settings.Log.Level, settings.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func createProvider(settings config.Settings, apiKey string) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	return providerType.
		Model(settings.LLM.Model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		BaseURL(settings.LLM.BaseURL).
		APIKey(apiKey)
}

func openDatabase(ctx context.Context, settings config.Settings, logger *pterm.Logger) (*storage.Database, error) {
	engine, err := storage.ParseEngine(settings.Data.Engine)
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenScript(ctx, settings.Data.Script, engine)
	if err != nil {
		return nil, err
	}
	db.WithMaxResultBytes(settings.Data.MaxResultBytes).WithSampleRows(settings.Data.SampleRows)

	logger.Info("database loaded", logger.Args("script", settings.Data.Script, "engine", string(engine)))
	return db, nil
}

// AskOutput selects what Ask prints.
type AskOutput int

const (
	// OutputAnswer prints the final answer.
	OutputAnswer AskOutput = iota
	// OutputTrace prints every event of the run and the token usage.
	OutputTrace
	// OutputJSON prints the collected run with its steps and token usage.
	OutputJSON
)

// Ask answers one question on stdout. Blank questions print nothing.
func Ask(ctx context.Context, question string, output AskOutput, opts Options) error {
	app, err := Bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	return ask(ctx, os.Stdout, app, question, output)
}

// ask never reaches the agent for a blank question, whatever the output.
func ask(ctx context.Context, w io.Writer, app *App, question string, output AskOutput) error {
	if strings.TrimSpace(question) == "" {
		return nil
	}

	switch output {
	case OutputTrace:
		return traceRun(ctx, w, app.Agent, question)
	case OutputJSON:
		return writeReport(w, app.Agent.Execute(ctx, question))
	}

	answer, asked, err := app.Facade.Ask(ctx, question)
	if err != nil {
		return err
	}
	if asked {
		fmt.Fprintln(w, answer)
	}
	return nil
}

type runReport struct {
	Status           string           `json:"status"`
	Result           string           `json:"result"`
	Agent            string           `json:"agent,omitempty"`
	Steps            []reportStep     `json:"steps"`
	ToolCalls        []model.ToolCall `json:"tool_calls"`
	LLMCalls         int              `json:"llm_calls"`
	PromptTokens     uint32           `json:"prompt_tokens"`
	CompletionTokens uint32           `json:"completion_tokens"`
	TotalTokens      uint32           `json:"total_tokens"`
	ExecutionTimeMs  uint64           `json:"execution_time_ms"`
}

type reportStep struct {
	Iteration   int     `json:"iteration"`
	Thought     string  `json:"thought,omitempty"`
	Action      *string `json:"action,omitempty"`
	Observation *string `json:"observation,omitempty"`
}

// writeReport prints resp as indented JSON. A run that did not succeed is
// still printed and then returned as an error.
func writeReport(w io.Writer, resp agent.Response) error {
	meta := resp.Metadata
	report := runReport{
		Status:          resp.Type.String(),
		Result:          logging.Mask(resp.ResultText()),
		Steps:           make([]reportStep, 0, len(resp.Steps)),
		ToolCalls:       meta.ToolCalls,
		LLMCalls:        meta.LLMCalls,
		ExecutionTimeMs: meta.ExecutionTimeMs,
	}
	if report.ToolCalls == nil {
		report.ToolCalls = []model.ToolCall{}
	}
	if meta.AgentName != nil {
		report.Agent = *meta.AgentName
	}
	if meta.TokenUsage != nil {
		report.PromptTokens = meta.TokenUsage.PromptTokens
		report.CompletionTokens = meta.TokenUsage.CompletionTokens
		report.TotalTokens = meta.TokenUsage.TotalTokens
	}
	for _, step := range resp.Steps {
		report.Steps = append(report.Steps, reportStep(step))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if !resp.IsSuccess() {
		return fmt.Errorf("agent run %s: %s", report.Status, report.Result)
	}
	return nil
}

func traceRun(ctx context.Context, w io.Writer, a *agent.Agent, question string) error {
	var usage llm.TokenUsage
	llmCalls := 0
	for event, err := range a.Stream(ctx, question) {
		if err != nil {
			return err
		}
		if event.Usage != nil {
			usage.Add(event.Usage)
			llmCalls++
		}
		printEvent(w, event)
	}
	printTokenStats(w, llmCalls, usage)
	return nil
}

const maxObservationLen = 400

func printEvent(w io.Writer, event agent.Event) {
	text := event.Text()
	if event.Kind == agent.EventObservation {
		text = truncateString(text, maxObservationLen)
	}
	fmt.Fprintf(w, "[%d] %s\n%s\n\n", event.Iteration, event.Kind, text)
}

func printTokenStats(w io.Writer, llmCalls int, usage llm.TokenUsage) {
	if llmCalls == 0 {
		return
	}
	fmt.Fprintf(w, "Token Usage:\n")
	fmt.Fprintf(w, "  LLM calls: %d\n", llmCalls)
	fmt.Fprintf(w, "  Prompt tokens: %d\n", usage.PromptTokens)
	fmt.Fprintf(w, "  Completion tokens: %d\n", usage.CompletionTokens)
	fmt.Fprintf(w, "  Total tokens: %d\n", usage.TotalTokens)
}

// truncateString truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// ListTables prints the loaded tables with their row counts. No API key is
// needed.
func ListTables(ctx context.Context, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(settings, os.Stderr)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	names, err := db.Tables(ctx)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Table", "Rows"}}
	for _, name := range names {
		n, err := db.Count(ctx, name)
		if err != nil {
			return err
		}
		data = append(data, []string{name, strconv.FormatInt(n, 10)})
	}

	pterm.DefaultSection.Printfln("%s (%s)", db.Source(), db.Dialect())
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ListTools lists the agent tools.
func ListTools(verbose bool) error {
	registry, err := tools.NewRegistryWith(
		tools.NewListTablesTool(nil),
		tools.NewSchemaTool(nil),
		tools.NewQueryTool(nil),
		tools.NewQueryCheckerTool("", nil),
	)
	if err != nil {
		return err
	}

	fmt.Println("Available tools:")
	fmt.Println()

	for _, meta := range registry.List() {
		fmt.Printf("  %s\n", meta.Name)
		fmt.Printf("    %s\n", meta.Description)

		if verbose && len(meta.Parameters) > 0 {
			fmt.Println("    Parameters:")
			for _, param := range meta.Parameters {
				req := ""
				if param.Required {
					req = "*"
				}
				fmt.Printf("      %s%s: %s - %s\n", param.Name, req, param.ParamType, param.Description)
			}
		}
		fmt.Println()
	}
	return nil
}

// SetSecret stores a provider's API key in the OS keyring. An empty key is
// read from the terminal without echo.
func SetSecret(provider, key string) error {
	name, err := config.APIKeyEnv(provider)
	if err != nil {
		return err
	}

	if key == "" {
		key, err = readSecret(bufio.NewReader(os.Stdin), os.Stderr, name+": ")
		if err != nil {
			return err
		}
	}

	if err := config.SetAPIKey(provider, key); err != nil {
		return err
	}
	pterm.Success.Printfln("Stored %s in the %s keyring", name, config.KeyringService)
	return nil
}

// DeleteSecret removes a provider's API key from the OS keyring.
func DeleteSecret(provider string) error {
	name, err := config.APIKeyEnv(provider)
	if err != nil {
		return err
	}

	err = config.DeleteAPIKey(provider)
	if errors.Is(err, config.ErrSecretNotFound) {
		pterm.Warning.Printfln("No %s in the %s keyring", name, config.KeyringService)
		return nil
	}
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Removed %s from the %s keyring", name, config.KeyringService)
	return nil
}
