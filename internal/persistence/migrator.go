package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock held while the schema changes.
// Several betchannel replicas may start with run_migrations at once.
const migrationLockKey int64 = 0x62657463680001

// ErrNoDownMigration is returned by Down when the latest applied version
// ships no .down.sql file.
var ErrNoDownMigration = errors.New("migration has no down file")

// Migration is one versioned schema step found on disk, named
// {version}_{name}.up.sql with an optional matching .down.sql.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
}

// MigrationStatus reports whether a migration has been applied. Applied
// versions whose files are gone from disk are listed with Missing set.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
	Missing   bool
}

// Migrator applies the SQL files of one directory to Postgres and records
// them in public.schema_migrations.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// LoadMigrations reads dir and pairs up/down files by version, ordered by
// numeric version. Files that are not .sql are ignored.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, name, up, err := parseMigrationFile(e.Name())
		if err != nil {
			return nil, err
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		} else if mig.Name != name {
			return nil, fmt.Errorf("migration %s: conflicting names %q and %q", version, mig.Name, name)
		}
		if up {
			mig.UpFile = e.Name()
		} else {
			mig.DownFile = e.Name()
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpFile == "" {
			return nil, fmt.Errorf("migration %s_%s: down file without up file", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool {
		return versionNumber(out[i].Version) < versionNumber(out[j].Version)
	})
	return out, nil
}

// parseMigrationFile splits "000002_pool_index.up.sql" into its version,
// name and direction.
func parseMigrationFile(file string) (version, name string, up bool, err error) {
	var stem string
	switch {
	case strings.HasSuffix(file, ".up.sql"):
		stem, up = strings.TrimSuffix(file, ".up.sql"), true
	case strings.HasSuffix(file, ".down.sql"):
		stem = strings.TrimSuffix(file, ".down.sql")
	default:
		return "", "", false, fmt.Errorf("migration %s: expected .up.sql or .down.sql", file)
	}

	version, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return "", "", false, fmt.Errorf("migration %s: expected {version}_{name}", file)
	}
	if _, err := strconv.ParseUint(version, 10, 64); err != nil {
		return "", "", false, fmt.Errorf("migration %s: version %q is not numeric", file, version)
	}
	return version, name, up, nil
}

func versionNumber(v string) uint64 {
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return err
	}

	return m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		var count int
		for _, mig := range migrations {
			if _, ok := applied[mig.Version]; ok {
				continue
			}
			if err := m.run(ctx, conn, mig.UpFile,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.Version, mig.UpFile,
			); err != nil {
				return err
			}
			count++
		}

		m.logger.Info().Int("applied", count).Int("known", len(migrations)).Msg("schema up to date")
		return nil
	})
}

// Down reverts the most recently applied migration. It is a no-op on an
// empty schema_migrations table.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return err
	}

	return m.withLock(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations
			 ORDER BY length(version) DESC, version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		var target *Migration
		for i := range migrations {
			if migrations[i].Version == version {
				target = &migrations[i]
				break
			}
		}
		if target == nil || target.DownFile == "" {
			return fmt.Errorf("version %s: %w", version, ErrNoDownMigration)
		}

		return m.run(ctx, conn, target.DownFile,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version)
	})
}

// Status lists every migration on disk in order, plus applied versions
// whose files no longer exist.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, m.db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, m.db)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		at, ok := applied[mig.Version]
		out = append(out, MigrationStatus{Migration: mig, Applied: ok, AppliedAt: at})
		delete(applied, mig.Version)
	}
	for version, at := range applied {
		out = append(out, MigrationStatus{
			Migration: Migration{Version: version},
			Applied:   true,
			AppliedAt: at,
			Missing:   true,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return versionNumber(out[i].Version) < versionNumber(out[j].Version)
	})
	return out, nil
}

// run executes one migration file and its bookkeeping statement atomically.
func (m *Migrator) run(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	start := time.Now()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}

	m.logger.Info().Str("file", file).Dur("took", time.Since(start)).Msg("migration executed")
	return nil
}

// withLock pins one connection, takes the advisory lock on it and makes
// sure the bookkeeping table exists before fn runs.
func (m *Migrator) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

type querier interface {
	execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ensureMigrationTable(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, q querier) (map[string]time.Time, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			v  string
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}
