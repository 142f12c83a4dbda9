package repository

import (
	"embed"

	"github.com/pressly/goose/v3"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending goose migration to the repository's
// underlying database.
func (r *ExecutionRepository) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "setting goose dialect")
	}
	if err := goose.Up(r.db.DB, "migrations"); err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "applying execution repository migrations")
	}
	return nil
}
