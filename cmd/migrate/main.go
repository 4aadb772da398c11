package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/migrations"
)

func main() {
	var (
		configPath     string
		databaseURL    string
		migrationsPath string
		command        string
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML config (database.url is read from it)")
	flag.StringVar(&databaseURL, "database", "", "Database URL (overrides config and DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "", "Migrations directory (default: embedded migrations)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.Parse()

	logger.Setup(context.Background(), logger.OptionsFromEnv())
	log := logger.Logger

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Fatal("Failed to load config", slog.String("error", err.Error()))
		}
		databaseURL = cfg.Database.URL
	}
	if databaseURL == "" {
		logger.Fatal("Database URL is required. Use -database, -config or DATABASE_URL")
	}

	m, err := newMigrator(databaseURL, migrationsPath)
	if err != nil {
		logger.Fatal("Failed to create migration instance", slog.String("error", err.Error()))
	}
	defer m.Close()

	if err := run(m, command, flag.Args(), log); err != nil {
		logger.Fatal("Migration failed", slog.String("command", command), slog.String("error", err.Error()))
	}
}

func newMigrator(databaseURL, migrationsPath string) (*migrate.Migrate, error) {
	if migrationsPath == "" {
		return migrations.New(databaseURL)
	}
	return migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
}

func run(m *migrate.Migrate, command string, args []string, log *slog.Logger) error {
	switch command {
	case "up":
		log.Info("Running migrations up")
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("No migrations to run (database is up to date)")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("Migrations completed")

	case "down":
		log.Info("Rolling back all migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		log.Info("Rollback completed")

	case "steps":
		n, err := intArg(args, "steps")
		if err != nil {
			return err
		}
		if err := m.Steps(n); err != nil {
			return err
		}
		log.Info("Applied migration steps", slog.Int("steps", n))

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("No migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("Current version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))

	case "force":
		version, err := intArg(args, "force")
		if err != nil {
			return err
		}
		if err := m.Force(version); err != nil {
			return err
		}
		log.Info("Forced version", slog.Int("version", version))

	default:
		return fmt.Errorf("unknown command %q (use: up, down, steps, version, force)", command)
	}
	return nil
}

func intArg(args []string, command string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a number: -command %s <n>", command, command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}
