// Package migrations applies the embedded Postgres schema with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

// Apply brings the database reachable via dsn up to the latest schema version.
func Apply(ctx context.Context, dsn string, l *zap.Logger) error {
	if l == nil {
		l = zap.NewNop()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open migrations connection")
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			l.Warn("database migrations close", zap.Error(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "ping migrations database")
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return errors.Wrap(err, "initialise pgx v5 driver")
	}

	src, err := iofs.New(files, ".")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return errors.Wrap(err, "initialise migrate instance")
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			l.Warn("database migrations close", zap.NamedError("source", sourceErr), zap.NamedError("db", dbErr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			l.Info("database migrations up-to-date")
			return nil
		}
		return errors.Wrap(err, "apply migrations")
	}

	l.Info("database migrations applied")
	return nil
}
