package storage

import (
	"errors"
	"fmt"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// ErrReadOnly is returned for statements that could modify the database.
var ErrReadOnly = errors.New("only read-only statements are allowed")

// sqlParser is used for statement classification and CTE inspection. Its
// splitter follows MySQL quoting, so it only ever narrows what splitStatements
// accepts.
var sqlParser = newParser()

func newParser() *sqlparser.Parser {
	p, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		panic(fmt.Sprintf("failed to create SQL parser: %v", err))
	}
	return p
}

// CheckReadOnly accepts a single SELECT, WITH ... SELECT or EXPLAIN statement
// written for SQLite. Anything else, including multiple statements, fails
// with ErrReadOnly.
func CheckReadOnly(query string) error {
	_, err := readOnlyStatement(query, EngineSQLite)
	return err
}

// readOnlyStatement vets query for engine and returns the one statement it
// contains with comments and the trailing semicolon removed. Only the
// returned text is ever sent to the engine.
func readOnlyStatement(query string, engine Engine) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", errors.New("empty query")
	}

	stmts, err := splitStatements(trimmed, engine)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadOnly, err)
	}
	if len(stmts) == 0 {
		return "", errors.New("empty query")
	}
	if len(stmts) > 1 {
		return "", fmt.Errorf("%w: got %d statements, expected one", ErrReadOnly, len(stmts))
	}

	// Both splitters must agree there is a single statement.
	pieces, err := sqlParser.SplitStatementToPieces(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: failed to split statements: %v", ErrReadOnly, err)
	}
	if len(pieces) > 1 {
		return "", fmt.Errorf("%w: got %d statements, expected one", ErrReadOnly, len(pieces))
	}

	stmt := stmts[0]
	if err := classify(stmt); err != nil {
		return "", err
	}
	return stmt, nil
}

func classify(stmt string) error {
	keyword, rest := splitKeyword(stmt)
	switch keyword {
	case "select", "values":
		return nil
	case "with":
		return checkCommonTableExpression(stmt)
	case "explain":
		return checkExplain(rest)
	case "":
		return errors.New("empty query")
	}
	return fmt.Errorf("%w: %s statement rejected", ErrReadOnly, strings.ToUpper(keyword))
}

// checkExplain rejects EXPLAIN ANALYZE, which executes its statement, and
// classifies the explained statement like any other.
func checkExplain(rest string) error {
	keyword, tail := splitKeyword(rest)
	switch keyword {
	case "analyze", "analyse":
		return fmt.Errorf("%w: EXPLAIN ANALYZE executes its statement", ErrReadOnly)
	case "query":
		// SQLite: EXPLAIN QUERY PLAN <stmt>
		if next, inner := splitKeyword(tail); next == "plan" {
			rest = inner
		}
	}
	if strings.TrimSpace(rest) == "" {
		return fmt.Errorf("%w: EXPLAIN without a statement", ErrReadOnly)
	}
	return classify(rest)
}

// checkCommonTableExpression rejects WITH ... INSERT/UPDATE/DELETE. Queries
// vitess cannot parse (engine-specific syntax) are let through; the engine
// still runs them in a transaction that is rolled back.
func checkCommonTableExpression(query string) error {
	stmt, err := sqlParser.Parse(query)
	if err != nil {
		return nil
	}
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		return nil
	default:
		return fmt.Errorf("%w: WITH clause wraps a modifying statement", ErrReadOnly)
	}
}

// splitKeyword returns the lowercased first word of query, skipping opening
// parentheses, and the text after it.
func splitKeyword(query string) (string, string) {
	query = strings.TrimLeft(query, "( \t\r\n")
	end := strings.IndexFunc(query, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ';'
	})
	if end == -1 {
		end = len(query)
	}
	return strings.ToLower(query[:end]), query[end:]
}

// splitStatements splits script into statements using the quoting rules of
// engine. Comments are replaced by a space, statements are trimmed and empty
// ones are dropped. Unterminated quotes and comments are errors.
func splitStatements(script string, engine Engine) ([]string, error) {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	n := len(script)
	for i := 0; i < n; {
		c := script[i]
		switch {
		case c == ';':
			flush()
			i++

		case c == '-' && i+1 < n && script[i+1] == '-':
			end := strings.IndexByte(script[i:], '\n')
			if end == -1 {
				i = n
			} else {
				i += end
			}
			cur.WriteByte(' ')

		case c == '/' && i+1 < n && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end == -1 {
				return nil, errors.New("unterminated comment")
			}
			i += 2 + end + 2
			cur.WriteByte(' ')

		case c == '\'':
			escapes := engine == EngineDuckDB && i > 0 && (script[i-1] == 'e' || script[i-1] == 'E') &&
				(i == 1 || !isIdentByte(script[i-2]))
			end, err := scanQuoted(script, i, '\'', escapes)
			if err != nil {
				return nil, err
			}
			cur.WriteString(script[i:end])
			i = end

		case c == '"':
			end, err := scanQuoted(script, i, '"', false)
			if err != nil {
				return nil, err
			}
			cur.WriteString(script[i:end])
			i = end

		case c == '`' && engine == EngineSQLite:
			end, err := scanQuoted(script, i, '`', false)
			if err != nil {
				return nil, err
			}
			cur.WriteString(script[i:end])
			i = end

		case c == '[' && engine == EngineSQLite:
			end := strings.IndexByte(script[i:], ']')
			if end == -1 {
				return nil, errors.New("unterminated identifier")
			}
			cur.WriteString(script[i : i+end+1])
			i += end + 1

		case c == '$' && engine == EngineDuckDB && (i == 0 || !isIdentByte(script[i-1])):
			tag, ok := dollarTag(script[i:])
			if !ok {
				cur.WriteByte(c)
				i++
				continue
			}
			end := strings.Index(script[i+len(tag):], tag)
			if end == -1 {
				return nil, errors.New("unterminated dollar-quoted string")
			}
			stop := i + len(tag) + end + len(tag)
			cur.WriteString(script[i:stop])
			i = stop

		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts, nil
}

// scanQuoted returns the index just past the quote that closes the quoted
// text starting at script[start]. A doubled quote is an escaped quote, and so
// is a backslash-escaped character when backslash is set.
func scanQuoted(script string, start int, quote byte, backslash bool) (int, error) {
	for i := start + 1; i < len(script); i++ {
		switch script[i] {
		case '\\':
			if backslash {
				i++
			}
		case quote:
			if i+1 < len(script) && script[i+1] == quote {
				i++
				continue
			}
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated %c quote", quote)
}

// dollarTag returns the opening tag of a dollar-quoted string such as $$ or
// $body$.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '$':
			return s[:i+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 1:
		default:
			return "", false
		}
	}
	return "", false
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
