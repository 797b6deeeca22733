// Package migrate versions the command store schema. Scripts named
// NNNNNN_name.up.sql and NNNNNN_name.down.sql create and drop the
// command_records and execution_records tables; the applied versions are
// kept in a ledger table, schema_migrations for the store.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// Migration is one schema version.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator moves a database between schema versions.
type Migrator struct {
	db         *sql.DB
	ledger     string
	migrations []Migration
}

// New creates a migrator recording applied versions in the ledger table.
func New(db *sql.DB, ledger string) *Migrator {
	return &Migrator{db: db, ledger: ledger}
}

var scriptName = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// LoadFromFS reads the scripts in dir. Files not named like a script are
// ignored. Every version needs an up script and at most one of each kind.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		match := scriptName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return fmt.Errorf("script %s: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read script %s: %w", entry.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}
		target := &mig.Down
		if match[3] == "up" {
			target = &mig.Up
			mig.Name = match[2]
		}
		if *target != "" {
			return fmt.Errorf("migration %d has two %s scripts", version, match[3])
		}
		*target = string(script)
	}

	for _, mig := range byVersion {
		if mig.Up == "" {
			return fmt.Errorf("migration %d has no up script", mig.Version)
		}
		m.migrations = append(m.migrations, *mig)
	}
	slices.SortFunc(m.migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return nil
}

// Migrations returns the loaded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return slices.Clone(m.migrations)
}

// Up applies every migration above the current version, each in its own
// transaction.
func (m *Migrator) Up(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		err := m.step(ctx, mig.Up,
			fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.ledger),
			mig.Version, mig.Name, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("apply migration %d %s: %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down reverts the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}

	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == current })
	switch {
	case i < 0:
		return fmt.Errorf("migration %d not found", current)
	case m.migrations[i].Down == "":
		return fmt.Errorf("migration %d has no down script", current)
	}

	err = m.step(ctx, m.migrations[i].Down,
		fmt.Sprintf("DELETE FROM %s WHERE version = ?", m.ledger), current)
	if err != nil {
		return fmt.Errorf("revert migration %d: %w", current, err)
	}
	return nil
}

// Version returns the latest applied version, 0 on a fresh database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return 0, err
	}
	return m.current(ctx)
}

// step runs a script and its ledger update atomically.
func (m *Migrator) step(ctx context.Context, script, ledgerSQL string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ledgerSQL, args...); err != nil {
		return fmt.Errorf("update %s: %w", m.ledger, err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`, m.ledger))
	if err != nil {
		return fmt.Errorf("create %s: %w", m.ledger, err)
	}
	return nil
}

func (m *Migrator) current(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.ledger)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", m.ledger, err)
	}
	return version, nil
}
