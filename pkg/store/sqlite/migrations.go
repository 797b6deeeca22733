package sqlite

import (
	"embed"
	"fmt"

	"github.com/plaenen/exactlyonce/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

func (s *Store) migrator() (*migrate.Migrator, error) {
	m := migrate.New(s.db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return m, nil
}
