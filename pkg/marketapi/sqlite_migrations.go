package marketapi

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	// DBMigrationsPath is a migrate source URL such as file://db/migrations.
	// Empty uses the migrations compiled into the binary.
	DBMigrationsPath string
	DBPath           string
}

// EnsureMigrations brings the database at cfg.DBPath up to the latest schema.
func EnsureMigrations(cfg *Config) error {
	sqliteDb, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	driver, err := sqlite3.WithInstance(sqliteDb, &sqlite3.Config{})
	if err != nil {
		sqliteDb.Close()
		return errors.Wrap(err, "migrate driver")
	}

	var m *migrate.Migrate
	if cfg.DBMigrationsPath != "" {
		m, err = migrate.NewWithDatabaseInstance(cfg.DBMigrationsPath, "sqlite3", driver)
	} else {
		src, serr := iofs.New(migrations, "migrations")
		if serr != nil {
			driver.Close()
			return errors.Wrap(serr, "embedded migrations")
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	}
	if err != nil {
		driver.Close()
		return errors.Wrap(err, "new migrate")
	}
	log.Info().Str("dbPath", cfg.DBPath).Msg("bringing-up-migration")
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "migrate up")
	}
	e1, e2 := m.Close()
	if e1 != nil {
		log.Err(e1).Msg("close-source")
	}
	if e2 != nil {
		log.Err(e2).Msg("close-database")
	}
	return nil
}
