// Package migrations applies the relational schema described in section 6
// of the design specification using goose, the migration runner this
// codebase's dependency pack already depends on.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var schema embed.FS

// Up applies every pending migration under sql/ to db.
func Up(db *sql.DB) error {
	goose.SetBaseFS(schema)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "sql"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
