package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// migrationLogger adapts zap to the migrate.Logger interface
type migrationLogger struct {
	logger *zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.logger.Debugf(format, v...)
}

func (l migrationLogger) Verbose() bool {
	return false
}

// Initialize runs all pending migrations to bring the schema to the latest version
func (db *DB) Initialize() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the caller's connection

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			db.logger.Debug("no new migrations to apply")
			return nil
		}
		return pkgerrors.Wrap(err, "migration failed")
	}

	version, _, _ := m.Version()
	db.logger.Info("applied database migrations", zap.Uint("version", version))
	return nil
}

// CheckMigrations verifies that the database schema is up to date
func (db *DB) CheckMigrations() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("database has no schema version (needs migration)")
		}
		return pkgerrors.Wrap(err, "failed to get database version")
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", version)
	}

	src, err := iofs.New(migrationFiles, db.migrationDir())
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read migration files")
	}
	defer src.Close()

	latest, err := latestVersion(src)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to determine latest version")
	}

	if version < latest {
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)", version, latest, latest-version)
	}
	if version > latest {
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)", version, latest)
	}
	return nil
}

func (db *DB) migrationDir() string {
	if db.postgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, db.migrationDir())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create source driver")
	}

	var (
		driver database.Driver
		name   string
	)
	if db.postgres {
		driver, err = postgres.WithInstance(db.DB.DB, &postgres.Config{})
		name = "postgres"
	} else {
		driver, err = sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
		name = "sqlite3"
	}
	if err != nil {
		src.Close()
		return nil, pkgerrors.Wrap(err, "failed to create database driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		src.Close()
		return nil, pkgerrors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = migrationLogger{logger: db.logger.Sugar()}

	return m, nil
}

// latestVersion returns the highest version number available in the source
func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			break
		}
		version = next
	}
	return version, nil
}
