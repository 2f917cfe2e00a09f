// Package migrations embeds the goose SQL migrations, the single schema
// shared by the server, the migrate command and integration tests.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Run executes a goose command ("up", "down", "status", ...) against the
// embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
