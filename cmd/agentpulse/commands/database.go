package commands

import (
	"database/sql"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/run"
	"github.com/teranos/agentpulse/pulse/task"
)

// openDatabase opens the configured database and brings its schema up to date.
// database.path is a file for sqlite and a connection string for postgres.
func openDatabase(cfg *am.Config) (*sql.DB, task.Dialect, error) {
	dialect, err := task.DialectFor(cfg.Database.Dialect)
	if err != nil {
		return nil, task.Dialect{}, err
	}

	database, err := db.OpenDialect(dialect.Name, cfg.Database.Path, logger.AddDBSymbol(logger.Logger))
	if err != nil {
		if dialect.Name == am.DialectPostgres {
			return nil, dialect, errors.WithHint(err, "database.path must be a postgres connection string, e.g. postgres://agentpulse@localhost/agentpulse")
		}
		return nil, dialect, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	return database, dialect, nil
}

// openStores loads configuration and opens the task and run stores
func openStores() (*am.Config, *sql.DB, *task.Store, *run.Store, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, database, task.NewStore(database, dialect), run.NewStore(database, dialect), nil
}
