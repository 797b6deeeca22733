package sqlite

import (
	"context"
	"fmt"
)

// RunMigrations applies all pending migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RollbackMigration reverts the most recent migration.
func (s *Store) RollbackMigration(ctx context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	return m.Down(ctx)
}

// MigrationVersion returns the current schema version.
func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, err
	}
	return m.Version(ctx)
}
