package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsGlob = "sql/migrations/*.sql"
	// migrationLockKey — ключ pg_advisory_lock, общий для всех экземпляров storefront.
	migrationLockKey = int64(0x53544f52)

	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

	// ErrMigrationDrift сообщает, что SQL уже применённой миграции изменился после применения.
	ErrMigrationDrift = errors.New("applied migration differs from embedded sql")
	errStoreNotReady  = errors.New("postgres store is not initialized")
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

// appliedMigration — строка schema_migrations.
type appliedMigration struct {
	name     string
	checksum string
}

// MigrationInfo описывает встроенную миграцию и её состояние в базе.
type MigrationInfo struct {
	Version int64
	Name    string
	Applied bool
	// Drifted — миграция применена, но её up-SQL с тех пор изменился.
	Drifted bool
}

// MigrateUp применяет up-миграции; steps=0 применяет все.
// Если уже применённая миграция изменилась, ничего не применяется и возвращается ErrMigrationDrift.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает миграции, steps<=0 означает один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает текущую версию схемы и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotReady
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}

	var (
		version int64
		count   int
	)
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`,
	).Scan(&version, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

// MigrationPlan возвращает встроенные миграции с отметками о применении и расхождении.
func (s *Store) MigrationPlan(ctx context.Context) ([]MigrationInfo, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	session, err := s.openMigrationSession(ctx, false)
	if err != nil {
		return nil, err
	}
	defer session.close()

	applied, err := session.applied(ctx)
	if err != nil {
		return nil, err
	}

	plan := make([]MigrationInfo, 0, len(migrations))
	for _, m := range migrations {
		row, ok := applied[m.Version]
		plan = append(plan, MigrationInfo{
			Version: m.Version,
			Name:    m.Name,
			Applied: ok,
			Drifted: ok && drifted(m, row),
		})
	}
	return plan, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	session, err := s.openMigrationSession(ctx, true)
	if err != nil {
		return err
	}
	defer session.close()

	if direction == migrationUp {
		return session.up(ctx, migrations, steps)
	}
	return session.down(ctx, migrations, steps)
}

// migrationSession держит одно соединение: advisory lock живёт на уровне сессии Postgres.
type migrationSession struct {
	conn   *sql.Conn
	locked bool
}

func (s *Store) openMigrationSession(ctx context.Context, lock bool) (*migrationSession, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db connection: %w", err)
	}
	session := &migrationSession{conn: conn}

	if lock {
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("acquire migration lock: %w", err)
		}
		session.locked = true
	}

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		session.close()
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	return session, nil
}

func (m *migrationSession) close() {
	if m.locked {
		_, _ = m.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}
	_ = m.conn.Close()
}

func (m *migrationSession) applied(ctx context.Context) (map[int64]appliedMigration, error) {
	rows, err := m.conn.QueryContext(ctx, `SELECT version, name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]appliedMigration)
	for rows.Next() {
		var (
			version int64
			row     appliedMigration
		)
		if err := rows.Scan(&version, &row.name, &row.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		result[version] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return result, nil
}

func (m *migrationSession) up(ctx context.Context, migrations []migration, steps int) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	var pending []migration
	for _, mg := range migrations {
		row, ok := applied[mg.Version]
		if !ok {
			pending = append(pending, mg)
			continue
		}
		if drifted(mg, row) {
			return fmt.Errorf("%w: %04d_%s", ErrMigrationDrift, mg.Version, mg.Name)
		}
	}

	if steps > 0 && len(pending) > steps {
		pending = pending[:steps]
	}
	for _, mg := range pending {
		err := m.inTx(ctx, fmt.Sprintf("up %04d_%s", mg.Version, mg.Name), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mg.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES ($1, $2, $3, NOW())`,
				mg.Version, mg.Name, mg.Checksum)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *migrationSession) down(ctx context.Context, migrations []migration, steps int) error {
	byVersion := make(map[int64]migration, len(migrations))
	for _, mg := range migrations {
		byVersion[mg.Version] = mg
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)
	if len(versions) > steps {
		versions = versions[:steps]
	}

	for _, version := range versions {
		mg, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		err := m.inTx(ctx, fmt.Sprintf("down %04d_%s", mg.Version, mg.Name), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mg.DownSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mg.Version)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// inTx выполняет шаг миграции вместе с записью в schema_migrations.
func (m *migrationSession) inTx(ctx context.Context, step string, fn func(tx *sql.Tx) error) error {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", step, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", step, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", step, err)
	}
	return nil
}

// drifted сравнивает контрольные суммы. Пустая сумма у строк, записанных до появления колонки, не проверяется.
func drifted(m migration, row appliedMigration) bool {
	return row.checksum != "" && row.checksum != m.Checksum
}

func migrationChecksum(upSQL string) string {
	sum := sha256.Sum256([]byte(upSQL))
	return hex.EncodeToString(sum[:])
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFilePattern.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}
		name, direction := parts[2], parts[3]

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		mg, ok := byVersion[version]
		switch {
		case !ok:
			mg = &migration{Version: version, Name: name}
			byVersion[version] = mg
		case mg.Name != name:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, mg.Name, name)
		}

		target := &mg.UpSQL
		if direction == string(migrationDown) {
			target = &mg.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.UpSQL == "" || mg.DownSQL == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", mg.Version, mg.Name)
		}
		mg.Checksum = migrationChecksum(mg.UpSQL)
		migrations = append(migrations, *mg)
	}
	slices.SortFunc(migrations, func(a, b migration) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		default:
			return 0
		}
	})
	return migrations, nil
}
