package deadletter

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "deadletter:migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// EmbeddedMigrations returns the bundled schema files in order.
func EmbeddedMigrations() ([]string, error) {
	return loadFS(embedded, "migrations")
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name, and returns their contents.
func LoadMigrationFiles(dir string) ([]string, error) {
	out, err := loadFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

func loadFS(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

// RunMigrations applies SQL migration files in order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFiles []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", migrationsLogPrefix, len(migrationFiles)))
	for _, sql := range migrationFiles {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration failed: %w", migrationsLogPrefix, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Migrations complete", migrationsLogPrefix))
	return nil
}

// Migrate applies the files in dir, or the embedded schema when dir is empty.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	var (
		files []string
		err   error
	)
	if dir == "" {
		files, err = EmbeddedMigrations()
	} else {
		files, err = LoadMigrationFiles(dir)
	}
	if err != nil {
		return fmt.Errorf("%s - %w", migrationsLogPrefix, err)
	}
	return RunMigrations(ctx, pool, files)
}

// SchemaApplied reports whether the dead_letters table exists.
func SchemaApplied(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = 'dead_letters')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s - failed to check schema: %w", migrationsLogPrefix, err)
	}
	return exists, nil
}
