// Package storage provides the scripted query database and chat history stores.
//
// Information Hiding:
// - Driver selection and in-memory DSNs hidden behind Engine
// - Connection pinning that keeps an in-memory SQLite database alive
// - Catalog queries that differ between engines
// - Row rendering for LLM consumption

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Engine selects the in-memory database implementation.
type Engine string

const (
	// EngineSQLite is the default engine (mattn/go-sqlite3).
	EngineSQLite Engine = "sqlite"
	// EngineDuckDB runs the script on an in-process DuckDB database.
	EngineDuckDB Engine = "duckdb"
)

// ParseEngine parses an engine name (case-insensitive). Empty means SQLite.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return EngineSQLite, nil
	case "duckdb", "duck":
		return EngineDuckDB, nil
	default:
		return "", fmt.Errorf("unknown engine: %q", s)
	}
}

// Dialect returns the SQL dialect name used in prompts.
func (e Engine) Dialect() string {
	if e == EngineDuckDB {
		return "DuckDB"
	}
	return "SQLite"
}

const (
	defaultSampleRows     = 3
	defaultMaxResultBytes = 4000
	maxValueLen           = 100

	truncatedMarker = "\n... (truncated)"
)

// ScriptError reports a script that was read but could not be executed.
type ScriptError struct {
	Path string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("failed to execute script %s: %v", e.Path, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// Database is the process-wide handle on the scripted in-memory database.
// Safe for concurrent use: SQLite is pinned to a single pooled connection, so
// database/sql serializes callers; DuckDB shares one database across its pool.
type Database struct {
	db             *sqlx.DB
	engine         Engine
	source         string
	sampleRows     int
	maxResultBytes int
}

// OpenScript reads the SQL script at path and executes it against a fresh
// in-memory database. A read failure wraps the underlying *fs.PathError, so
// errors.Is(err, fs.ErrNotExist) reports a missing file. Execution failures
// are returned as *ScriptError.
func OpenScript(ctx context.Context, path string, engine Engine) (*Database, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return LoadScript(ctx, path, string(script), engine)
}

// LoadScript executes script text against a fresh in-memory database.
// name identifies the script in errors.
func LoadScript(ctx context.Context, name, script string, engine Engine) (*Database, error) {
	db, err := openMemory(engine)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(script) != "" {
		if _, err := db.ExecContext(ctx, script); err != nil {
			db.Close()
			return nil, &ScriptError{Path: name, Err: err}
		}
	}

	if err := lockDown(ctx, db, engine); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:             db,
		engine:         engine,
		source:         name,
		sampleRows:     defaultSampleRows,
		maxResultBytes: defaultMaxResultBytes,
	}, nil
}

// lockDown restricts the loaded database before any query runs. SQLite is
// made query-only; the pool holds exactly one connection, so the pragma
// sticks. DuckDB loses file and network access and its settings are frozen,
// so a query cannot turn access back on.
func lockDown(ctx context.Context, db *sqlx.DB, engine Engine) error {
	var stmts []string
	switch engine {
	case EngineDuckDB:
		stmts = []string{
			"SET enable_external_access = false",
			"SET lock_configuration = true",
		}
	default:
		stmts = []string{"PRAGMA query_only = ON"}
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to make database read-only: %w", err)
		}
	}
	return nil
}

func openMemory(engine Engine) (*sqlx.DB, error) {
	switch engine {
	case EngineSQLite:
		db, err := sqlx.Open("sqlite3", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory SQLite: %w", err)
		}
		// Every new connection to :memory: is a new, empty database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		return db, nil

	case EngineDuckDB:
		connector, err := duckdb.NewConnector("", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
		}
		return sqlx.NewDb(sql.OpenDB(connector), "duckdb"), nil

	default:
		return nil, fmt.Errorf("unknown engine: %q", engine)
	}
}

// WithSampleRows sets how many example rows TableInfo prints per table.
func (d *Database) WithSampleRows(n int) *Database {
	if n >= 0 {
		d.sampleRows = n
	}
	return d
}

// WithMaxResultBytes caps the rendered size of query results.
func (d *Database) WithMaxResultBytes(n int) *Database {
	if n > 0 {
		d.maxResultBytes = n
	}
	return d
}

// Engine returns the engine backing this database.
func (d *Database) Engine() Engine {
	return d.engine
}

// Dialect returns the SQL dialect name used in prompts.
func (d *Database) Dialect() string {
	return d.engine.Dialect()
}

// Source returns the script the database was loaded from.
func (d *Database) Source() string {
	return d.source
}

// Close releases the database. The in-memory data is lost.
func (d *Database) Close() error {
	return d.db.Close()
}

// Tables lists user tables in name order.
func (d *Database) Tables(ctx context.Context) ([]string, error) {
	var q string
	switch d.engine {
	case EngineDuckDB:
		q = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'main' AND table_type = 'BASE TABLE'
			ORDER BY table_name`
	default:
		q = `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
			ORDER BY name`
	}

	names := []string{}
	if err := d.db.SelectContext(ctx, &names, q); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

// Count returns the number of rows in a table.
func (d *Database) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+quoteIdent(table)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// TableInfo returns the CREATE statement of each named table followed by a
// few sample rows. Every name must exist.
func (d *Database) TableInfo(ctx context.Context, names []string) (string, error) {
	all, err := d.Tables(ctx)
	if err != nil {
		return "", err
	}

	var missing []string
	for _, name := range names {
		if !slices.Contains(all, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("table_names %v not found in database", missing)
	}

	var sections []string
	for _, name := range names {
		ddl, err := d.createStatement(ctx, name)
		if err != nil {
			return "", err
		}

		section := strings.TrimSpace(ddl)
		if d.sampleRows > 0 {
			sample, err := d.sample(ctx, name)
			if err != nil {
				return "", err
			}
			section += "\n\n/*\n" + sample + "*/"
		}
		sections = append(sections, section)
	}

	return strings.Join(sections, "\n\n"), nil
}

func (d *Database) createStatement(ctx context.Context, table string) (string, error) {
	var q string
	switch d.engine {
	case EngineDuckDB:
		q = "SELECT sql FROM duckdb_tables() WHERE table_name = ?"
	default:
		q = "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?"
	}

	var ddl sql.NullString
	if err := d.db.GetContext(ctx, &ddl, q, table); err != nil {
		return "", fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	return ddl.String, nil
}

func (d *Database) sample(ctx context.Context, table string) (string, error) {
	q := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), d.sampleRows)
	result, err := d.query(ctx, q, 0)
	if err != nil {
		return "", fmt.Errorf("failed to sample %s: %w", table, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d rows from %s table:\n", d.sampleRows, table)
	b.WriteString(result.Format(0))
	b.WriteString("\n")
	return b.String(), nil
}

// Query runs a single read-only statement. Only the statement vetted by the
// read-only check is sent to the engine, inside a transaction that is always
// rolled back. Scanning stops once the rendered rows exceed the configured
// size cap and the result is marked truncated.
func (d *Database) Query(ctx context.Context, query string) (Result, error) {
	stmt, err := readOnlyStatement(query, d.engine)
	if err != nil {
		return Result{}, err
	}
	return d.query(ctx, stmt, d.maxResultBytes)
}

// QueryText runs Query and renders the result within the configured size cap.
func (d *Database) QueryText(ctx context.Context, query string) (string, error) {
	result, err := d.Query(ctx, query)
	if err != nil {
		return "", err
	}
	return result.Format(d.maxResultBytes), nil
}

func (d *Database) query(ctx context.Context, query string, maxBytes int) (Result, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read columns: %w", err)
	}

	result := Result{Columns: columns}
	size := len(strings.Join(columns, "\t"))
	for rows.Next() {
		if maxBytes > 0 && size > maxBytes {
			result.Truncated = true
			break
		}
		values, err := rows.SliceScan()
		if err != nil {
			return Result{}, fmt.Errorf("failed to scan row: %w", err)
		}
		result.Rows = append(result.Rows, values)
		for _, v := range values {
			size += len(formatValue(v)) + 1
		}
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return result, nil
}

// Result holds the rows of a query.
type Result struct {
	Columns []string
	Rows    [][]any
	// Truncated is set when scanning stopped before the last row.
	Truncated bool
}

// Format renders the result as tab-separated text with a header line.
// Values longer than 100 characters are shortened. A positive maxBytes
// truncates the output.
func (r Result) Format(maxBytes int) string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\t"))

	for _, row := range r.Rows {
		b.WriteString("\n")
		for i, v := range row {
			if i > 0 {
				b.WriteString("\t")
			}
			b.WriteString(formatValue(v))
		}
	}

	out := b.String()
	if maxBytes > 0 && len(out) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8Start(out[cut]) {
			cut--
		}
		return out[:cut] + truncatedMarker
	}
	if r.Truncated {
		out += truncatedMarker
	}
	return out
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func formatValue(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		s = string(x)
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		s = x.Format(time.DateOnly)
		if x.Hour() != 0 || x.Minute() != 0 || x.Second() != 0 {
			s = x.Format(time.DateTime)
		}
	default:
		s = fmt.Sprint(x)
	}

	if r := []rune(s); len(r) > maxValueLen {
		s = string(r[:maxValueLen]) + "..."
	}
	return s
}

// quoteIdent quotes an identifier for both SQLite and DuckDB.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsScriptError reports whether err came from executing a script.
func IsScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}
