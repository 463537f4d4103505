package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// Schema 返回内置的逻辑 schema
func Schema() string { return schemaSQL }

// SplitStatements 按分号拆分 SQL 脚本，跳过空语句和纯注释
func SplitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		lines := make([]string, 0)
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		s := strings.TrimSpace(strings.Join(lines, "\n"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ApplySchema 逐条执行 schema 语句（语句均为 IF NOT EXISTS，可重复执行）
func ApplySchema(ctx context.Context, db *sql.DB, script string) (int, error) {
	stmts := SplitStatements(script)
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}
