// Command migrate applies the database schema and publishes decision models
// into it.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/liamcoop/tariffrules/internal/logger"
	"github.com/liamcoop/tariffrules/rules"
	_ "github.com/lib/pq"
)

const commands = "up, down, version, force, publish"

func main() {
	var (
		databaseURL    = flag.String("database", os.Getenv("DATABASE_URL"), "Database URL (default: $DATABASE_URL)")
		migrationsPath = flag.String("path", "migrations", "Path to migrations directory")
		command        = flag.String("command", "up", "Command: "+commands)
		modelFile      = flag.String("model", "rules/energy_tariff_calculation.json", "Decision model to publish")
		modelName      = flag.String("name", "", "Model name to publish under (default: the document's name)")
	)
	flag.Parse()

	if *databaseURL == "" {
		logger.Fatal("database URL is required, use -database flag or DATABASE_URL environment variable")
	}

	var err error
	if *command == "publish" {
		err = publish(context.Background(), *databaseURL, *modelFile, *modelName)
	} else {
		err = runMigration(*databaseURL, *migrationsPath, *command, flag.Args())
	}
	if err != nil {
		logger.Fatal("migrate command failed", "command", *command, "error", err)
	}
}

// runMigration executes one schema command against the database
func runMigration(databaseURL, path, command string, args []string) error {
	m, err := migrate.New("file://"+path, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database schema is up to date")
			return nil
		}
	case "down":
		err = m.Down()
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			return verr
		}
		logger.Info("schema version", "version", version, "dirty", dirty)
		return nil
	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version number: -command force <version>")
		}
		version, perr := strconv.Atoi(args[0])
		if perr != nil {
			return fmt.Errorf("invalid version number: %w", perr)
		}
		err = m.Force(version)
	default:
		return fmt.Errorf("unknown command %q (use: %s)", command, commands)
	}

	if err != nil {
		return err
	}
	logger.Info("migration applied", "command", command)
	return nil
}

// publish stores the decision document at path as the new active version
func publish(ctx context.Context, databaseURL, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if name == "" {
		model, err := rules.ParseModel(data)
		if err != nil {
			return err
		}
		name = model.Name
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, err := rules.NewPostgresModelSource(db, name).Publish(ctx, data)
	if err != nil {
		return err
	}
	logger.Info("decision model published", "name", name, "version", version)
	return nil
}
