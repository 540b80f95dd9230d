// Package main applies, rolls back and reports schema migrations for the
// Postgres ledger and the ClickHouse analytics store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/video-batcher/internal/config"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/storage"
)

var errUnsupported = errors.New("action not supported for this database")

// target binds one database to its migration directory and actions.
type target struct {
	name    string
	dir     string
	up      func(ctx context.Context) error
	down    func(ctx context.Context, steps int) error
	version func(ctx context.Context) (string, error)
}

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version")
		dbType  = flag.String("db", "all", "Database: all, postgres, clickhouse")
		dir     = flag.String("dir", "migrations", "Directory holding the postgres/ and clickhouse/ migrations")
		steps   = flag.Int("steps", 1, "Migrations to roll back with -action down")
		timeout = flag.Duration("timeout", 5*time.Minute, "Timeout for the whole run")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	names, err := selectTargets(*dbType, *action)
	if err != nil {
		logger.WithError(err).Fatal("Invalid migration request")
	}

	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), *timeout)
	defer cancel()

	targets := buildTargets(cfg, *dir)
	for _, name := range names {
		t := targets[name]
		tlog := logger.WithFields(map[string]interface{}{"database": t.name, "action": *action, "dir": t.dir})
		if err := run(ctx, t, *action, *steps, tlog); err != nil {
			cancel()
			tlog.WithError(err).Fatal("Migration failed")
		}
	}
}

// selectTargets resolves the -db flag to the databases to migrate, in order.
// Rollback is never fanned out across databases.
func selectTargets(db, action string) ([]string, error) {
	switch action {
	case "up", "version":
	case "down":
		if db == "all" {
			return nil, errors.New("down needs an explicit -db")
		}
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}

	switch db {
	case "all":
		return []string{"postgres", "clickhouse"}, nil
	case "postgres", "clickhouse":
		return []string{db}, nil
	default:
		return nil, fmt.Errorf("unknown database: %s", db)
	}
}

func run(ctx context.Context, t target, action string, steps int, logger *logging.Logger) error {
	switch action {
	case "up":
		logger.Info("Applying migrations")
		if err := t.up(ctx); err != nil {
			return err
		}
		logger.Info("Migrations applied")
	case "down":
		logger.WithField("steps", steps).Info("Rolling back migrations")
		if err := t.down(ctx, steps); err != nil {
			return err
		}
		logger.Info("Migrations rolled back")
	case "version":
		v, err := t.version(ctx)
		if err != nil {
			return err
		}
		logger.WithField("version", v).Info("Current migration version")
	}
	return nil
}

func buildTargets(cfg *config.Config, root string) map[string]target {
	pgDir := filepath.Join(root, "postgres")
	pgURL := cfg.Database.Postgres.URL()
	chDir := filepath.Join(root, "clickhouse")

	return map[string]target{
		"postgres": {
			name: "postgres",
			dir:  pgDir,
			up: func(context.Context) error {
				return storage.RunMigrations(pgURL, pgDir)
			},
			down: func(_ context.Context, steps int) error {
				return storage.RollbackMigrations(pgURL, pgDir, steps)
			},
			version: func(context.Context) (string, error) {
				v, dirty, err := storage.MigrationVersion(pgURL, pgDir)
				if err != nil {
					return "", err
				}
				if dirty {
					return fmt.Sprintf("%d (dirty)", v), nil
				}
				return fmt.Sprintf("%d", v), nil
			},
		},
		"clickhouse": {
			name: "clickhouse",
			dir:  chDir,
			up: func(ctx context.Context) error {
				db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
				if err != nil {
					return fmt.Errorf("failed to connect to ClickHouse: %w", err)
				}
				defer func() {
					if err := db.Close(); err != nil {
						logging.FromContext(ctx).WithError(err).Warn("Error closing ClickHouse connection")
					}
				}()
				return storage.RunClickHouseMigrations(ctx, db, chDir)
			},
			// ClickHouse scripts are idempotent CREATE ... IF NOT EXISTS with no down files.
			down: func(context.Context, int) error {
				return errUnsupported
			},
			version: func(context.Context) (string, error) {
				files, err := storage.ClickHouseMigrationFiles(chDir)
				if err != nil {
					return "", err
				}
				if len(files) == 0 {
					return "none", nil
				}
				return files[len(files)-1], nil
			},
		},
	}
}
