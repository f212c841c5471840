package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"wisefido-band/internal/common/database"
)

//go:embed schema.sql
var schemaSQL string

// SchemaStatements 按分号拆分 DDL，去掉纯注释片段
func SchemaStatements() []string {
	var out []string
	for _, chunk := range strings.Split(schemaSQL, ";") {
		if hasSQL(chunk) {
			out = append(out, strings.TrimSpace(chunk))
		}
	}
	return out
}

func hasSQL(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}

// ApplySchema 在一个事务中执行全部 DDL；语句均为 IF NOT EXISTS，可重复执行
func ApplySchema(ctx context.Context, db *sql.DB) (int, error) {
	stmts := SchemaStatements()
	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d/%d failed: %w", i+1, len(stmts), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stmts), nil
}
