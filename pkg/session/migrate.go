package session

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*/*.sql
var migrationFS embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations returns the embedded migrations for a dialect ordered by version.
//
// File names are "<version>_<name>.sql".
func loadMigrations(dialectName string) ([]migration, error) {
	dir := path.Join("migrations", dialectName)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations for %s: %w", dialectName, err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version prefix", entry.Name())
		}

		body, err := fs.ReadFile(migrationFS, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{
			version: version,
			name:    strings.TrimSuffix(rest, ".sql"),
			sql:     string(body),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].version == migrations[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].version)
		}
	}

	return migrations, nil
}

// Migrate applies pending schema migrations. It is idempotent and safe to run
// from several processes against PostgreSQL.
func (s *SQLStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(s.dialect.name)
	if err != nil {
		return err
	}

	createQuery := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, createQuery); err != nil {
		return unavailable("create schema_migrations", err)
	}

	for _, m := range migrations {
		applied, err := s.applyMigration(ctx, m)
		if err != nil {
			return err
		}
		if applied {
			s.log.Info("Applied schema migration", "version", m.version, "name", m.name, "dialect", s.dialect.name)
		}
	}

	s.migrated.Store(true)
	return nil
}

// CheckSchema marks the store migrated when every known migration has already
// been applied, for deployments that run `recurix migrate` separately.
func (s *SQLStore) CheckSchema(ctx context.Context) error {
	migrations, err := loadMigrations(s.dialect.name)
	if err != nil {
		return err
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	latest := 0
	if len(migrations) > 0 {
		latest = migrations[len(migrations)-1].version
	}
	if current < latest {
		return fmt.Errorf("%w: schema at version %d, want %d", ErrSchemaOutdated, current, latest)
	}

	s.migrated.Store(true)
	return nil
}

// Migrated reports whether Migrate completed successfully on this store.
func (s *SQLStore) Migrated() bool {
	return s.migrated.Load()
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, unavailable("read schema version", err)
	}

	return int(version.Int64), nil
}

func (s *SQLStore) applyMigration(ctx context.Context, m migration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.migrationLock != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.migrationLock); err != nil {
			return false, unavailable("lock migrations", err)
		}
	}

	var exists int
	err = tx.QueryRowContext(ctx, s.dialect.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), m.version).Scan(&exists)
	if err != nil {
		return false, unavailable("check migration", err)
	}
	if exists > 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return false, fmt.Errorf("apply migration %d_%s: %w", m.version, m.name, err)
	}

	insert := s.dialect.rebind("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)")
	if _, err := tx.ExecContext(ctx, insert, m.version, m.name, s.now().UTC()); err != nil {
		return false, unavailable("record migration", err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("commit migration", err)
	}

	return true, nil
}
