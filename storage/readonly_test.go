package storage

import (
	"errors"
	"testing"
)

func TestCheckReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		allowed bool
	}{
		{"select", "SELECT Name FROM Artist", true},
		{"lowercase with trailing semicolon", "select 1;", true},
		{"leading comment", "-- top artists\nSELECT Name FROM Artist", true},
		{"parenthesized union", "(SELECT 1) UNION (SELECT 2)", true},
		{"cte", "WITH t AS (SELECT 1 AS x) SELECT x FROM t", true},
		{"explain", "EXPLAIN SELECT * FROM Artist", true},
		{"semicolon inside string", "SELECT 'a;b' AS v", true},
		{"insert", "INSERT INTO Artist VALUES (5, 'x')", false},
		{"update", "UPDATE Artist SET Name = 'x'", false},
		{"delete", "DELETE FROM Artist", false},
		{"drop", "DROP TABLE Artist", false},
		{"pragma", "PRAGMA query_only = OFF", false},
		{"attach", "ATTACH DATABASE 'x.db' AS x", false},
		{"stacked", "SELECT 1; DELETE FROM Artist", false},
		{"cte delete", "WITH t AS (SELECT 1) DELETE FROM Artist", false},
		{"trailing comment", "SELECT Name FROM Artist; -- top artists", true},
		{"explain query plan", "EXPLAIN QUERY PLAN SELECT * FROM Artist", true},
		{"explain analyze update", "EXPLAIN ANALYZE UPDATE Artist SET Name = 'x'", false},
		{"explain analyze select", "EXPLAIN ANALYZE SELECT * FROM Artist", false},
		{"explain update", "EXPLAIN UPDATE Artist SET Name = 'x'", false},
		{"backslash before quote", `SELECT 'a\'; DELETE FROM Artist; --'`, false},
		{"bracket identifier hides quote", "SELECT 1 AS [']; DELETE FROM Artist; --']", false},
		{"unterminated string", "SELECT 'abc", false},
		{"unterminated comment", "SELECT 1 /* note", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckReadOnly(tt.query)
			if tt.allowed && err != nil {
				t.Errorf("expected %q to be allowed, got %v", tt.query, err)
			}
			if !tt.allowed && !errors.Is(err, ErrReadOnly) {
				t.Errorf("expected ErrReadOnly for %q, got %v", tt.query, err)
			}
		})
	}
}

func TestCheckReadOnlyEmpty(t *testing.T) {
	err := CheckReadOnly("   ")
	if err == nil {
		t.Fatal("expected error for empty query")
	}
	if errors.Is(err, ErrReadOnly) {
		t.Error("empty query is not a write")
	}
}

func TestReadOnlyStatementStripsComments(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT Name FROM Artist; -- top artists", "SELECT Name FROM Artist"},
		{"-- top artists\nSELECT Name FROM Artist;", "SELECT Name FROM Artist"},
		{"SELECT /* inline */ 1;\n\n", "SELECT   1"},
		{"SELECT '--not a comment' AS v", "SELECT '--not a comment' AS v"},
	}

	for _, tt := range tests {
		got, err := readOnlyStatement(tt.query, EngineSQLite)
		if err != nil {
			t.Fatalf("readOnlyStatement(%q) failed: %v", tt.query, err)
		}
		if got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestReadOnlyStatementDuckDBQuoting(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		allowed bool
	}{
		{"dollar quote hides quote", "SELECT $$'$$; DELETE FROM Artist; --'", false},
		{"escape string", `SELECT E'it\'s' AS v`, true},
		{"escape string hides semicolon", `SELECT E'\''; DELETE FROM Artist; --'`, false},
		{"positional parameter", "SELECT $1", true},
		{"brackets are lists", "SELECT [1, 2] AS l", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readOnlyStatement(tt.query, EngineDuckDB)
			if tt.allowed && err != nil {
				t.Errorf("expected %q to be allowed, got %v", tt.query, err)
			}
			if !tt.allowed && !errors.Is(err, ErrReadOnly) {
				t.Errorf("expected ErrReadOnly for %q, got %v", tt.query, err)
			}
		})
	}
}
