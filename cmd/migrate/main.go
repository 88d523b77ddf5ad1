package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()
	cfg := config.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	source := "file://" + cfg.MigrationsPath
	db := cfg.Database

	log.Infof("[Migrate] Connecting to %s@%s:%s/%s", db.User, db.Host, db.Port, db.Name)

	m, err := migrate.New(source, db.MigrateURL())
	if err != nil {
		log.Fatalf("[Migrate] Init failed: %v", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Errorf("[Migrate] Close failed: %v, %v", sourceErr, dbErr)
		}
	}()

	switch command {
	case "up":
		report(m.Up(), "all pending migrations applied")

	case "down":
		report(m.Steps(-1), "last migration rolled back")

	case "goto":
		if len(os.Args) < 3 {
			log.Fatal("[Migrate] goto needs a version number")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatalf("[Migrate] Invalid version: %v", err)
		}
		report(m.Migrate(uint(version)), fmt.Sprintf("migrated to version %d", version))

	case "status":
		version, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			log.Info("[Migrate] No migrations applied yet")
		case err != nil:
			log.Fatalf("[Migrate] Reading version failed: %v", err)
		case dirty:
			log.Infof("[Migrate] Current version: %d (dirty)", version)
		default:
			log.Infof("[Migrate] Current version: %d", version)
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

func report(err error, okMsg string) {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("[Migrate] No change: database is up to date")
	case err != nil:
		log.Fatalf("[Migrate] %v", err)
	default:
		log.Infof("[Migrate] %s", okMsg)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/migrate [command]")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current version")
}
