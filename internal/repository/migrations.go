package repository

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// RunMigrations applies every migrations/*.up.sql file of fsys in name order.
// Files are written to be re-runnable.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, logger *zap.SugaredLogger) error {
	files, err := fs.Glob(fsys, "migrations/*.up.sql")
	if err != nil {
		return errors.Wrap(err, "glob migration files")
	}

	sort.Strings(files)

	for _, file := range files {
		logger.Infow("running migration", "file", file)
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return errors.Wrapf(err, "read migration file %s", file)
		}

		if _, err := pool.Exec(ctx, string(content)); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				logger.Warnw("migration already applied", "file", file, "error", err)
				continue
			}
			return errors.Wrapf(err, "execute migration %s", file)
		}
	}

	return nil
}
