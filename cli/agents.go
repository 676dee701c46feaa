// Pre-built agent configurations for CLI commands.
//
// Information Hiding:
// - System prompt text hidden
// - Toolkit assembly hidden

package cli

import (
	"fmt"
	"strings"

	"github.com/richinex/tally/agent"
	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/tools"
)

// AgentType represents available agent prompts.
type AgentType string

const (
	AgentSQL        AgentType = "sql"
	AgentAccounting AgentType = "accounting"
)

const sqlPrompt = `You are an agent designed to interact with a SQL database.
Given an input question, create a syntactically correct %[1]s query to run, then look at the results of the query and return the answer.
Unless the user specifies a specific number of examples they wish to obtain, always limit your query to at most %[2]d results.
You can order the results by a relevant column to return the most interesting examples in the database.
Never query for all the columns from a specific table, only ask for the relevant columns given the question.
You have access to tools for interacting with the database.
Only use the below tools. Only use the information returned by the below tools to construct your final answer.
You MUST double check your query before executing it. If you get an error while executing a query, rewrite the query and try again.

DO NOT make any DML statements (INSERT, UPDATE, DELETE, DROP etc.) to the database.

To start you should ALWAYS look at the tables in the database to see what you can query.
Do NOT skip this step.
Then you should query the schema of the most relevant tables.`

const accountingPrompt = `You are an accounting and finance assistant and an expert in SQL. You know how to work with relational databases and write precise, efficient SQL queries.
Your job is to give clear analysis, detailed queries and useful answers based on the data.

When working with the database:
1. Always explain your queries and answers in clear, concise language.
2. When asked for a query, write the SQL and describe what it does before running it.
3. Put accuracy and context first in every answer.

You have access to a %[1]s database. Limit result sets to %[2]d rows unless the user asks for more.
Never modify the database.`

// SystemPrompt renders the prompt for an agent type.
func SystemPrompt(agentType AgentType, dialect string, topK int) (string, error) {
	switch agentType {
	case AgentSQL, "":
		return fmt.Sprintf(sqlPrompt, dialect, topK), nil
	case AgentAccounting:
		return fmt.Sprintf(accountingPrompt, dialect, topK), nil
	default:
		return "", fmt.Errorf("unknown agent prompt %q (available: %s)", agentType, strings.Join(AvailableAgents(), ", "))
	}
}

// CreateAgent builds the SQL agent with the full toolkit bound to db.
func CreateAgent(agentType AgentType, db tools.Database, provider llm.Provider, topK, maxIterations int, toolConfig tools.ToolConfig) (*agent.Agent, error) {
	prompt, err := SystemPrompt(agentType, db.Dialect(), topK)
	if err != nil {
		return nil, err
	}

	name := string(agentType)
	if name == "" {
		name = string(AgentSQL)
	}

	config := agent.NewBuilder(name).
		Description(fmt.Sprintf("Answers questions about a %s database", db.Dialect())).
		SystemPrompt(prompt).
		Tools(tools.NewSQLToolkit(db, provider)).
		MaxIterations(maxIterations).
		ToolConfig(toolConfig).
		Build()

	return agent.New(config, provider), nil
}

// AvailableAgents returns the agent prompt names.
func AvailableAgents() []string {
	return []string{string(AgentAccounting), string(AgentSQL)}
}
