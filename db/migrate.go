package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/sym"
)

//go:embed sqlite/migrations/*.sql postgres/migrations/*.sql
var migrationFS embed.FS

// bootstrapVersion creates schema_migrations itself, so it runs before the
// applied set can be read
const bootstrapVersion = "000"

type migration struct {
	version string
	file    string
	sql     string
}

// migrationSet is one dialect's schema history
type migrationSet struct {
	dir string
	// bind is the dialect's first positional parameter
	bind string
}

var migrationSets = map[string]migrationSet{
	am.DialectSQLite:   {dir: "sqlite/migrations", bind: "?"},
	am.DialectPostgres: {dir: "postgres/migrations", bind: "$1"},
}

// Migrate applies pending SQLite migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	return MigrateDialect(db, am.DialectSQLite, logger)
}

// MigrateDialect applies the dialect's pending migrations in version order,
// each in its own transaction together with its schema_migrations row.
func MigrateDialect(db *sql.DB, dialect string, logger *zap.SugaredLogger) error {
	set, ok := migrationSets[dialect]
	if !ok {
		return errors.Validationf("no migrations for database dialect %q", dialect)
	}
	all, err := set.load()
	if err != nil {
		return err
	}

	if _, err := db.Exec(all[0].sql); err != nil {
		return errors.Wrapf(err, "execute %s", all[0].file)
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	var pending []migration
	for _, m := range all {
		if applied[m.version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", m.file)
			}
			continue
		}
		pending = append(pending, m)
	}

	for _, m := range pending {
		if logger != nil {
			logger.Infow("Applying migration", "migration", m.file, "version", m.version, "dialect", dialect)
		}
		if err := set.apply(db, m); err != nil {
			return err
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"dialect", dialect,
			"total_migrations", len(all),
			"applied", len(pending),
		)
	}
	return nil
}

// load reads the set's migrations sorted by version
func (s migrationSet) load() ([]migration, error) {
	entries, err := migrationFS.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.dir)
	}

	var out []migration
	seen := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, errors.Newf("migrations %s and %s share version %s", prev, name, version)
		}
		seen[version] = name

		body, err := migrationFS.ReadFile(path.Join(s.dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		out = append(out, migration{version: version, file: name, sql: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	if len(out) == 0 || out[0].version != bootstrapVersion {
		return nil, errors.Newf("%s must start with migration %s", s.dir, bootstrapVersion)
	}
	return out, nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan applied migration")
		}
		applied[v] = true
	}
	return applied, errors.Wrap(rows.Err(), "read applied migrations")
}

// apply runs m and records its version atomically. The bootstrap migration
// already ran before the applied set was read, so only its row is written.
func (s migrationSet) apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.file)
	}

	if m.version != bootstrapVersion {
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", m.file)
		}
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ("+s.bind+")", m.version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.file)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.file)
	}
	return nil
}
