// Package main applies the embedded PostgreSQL schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/P0W3R97/dnd-tabletop/internal/config"
	"github.com/P0W3R97/dnd-tabletop/migrations"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		log.Fatalf("storage.driver is %q: migrations only apply to %q (sqlite migrates itself on open)",
			cfg.Storage.Driver, config.DriverPostgres)
	}

	src, err := iofs.New(migrations.Postgres, "postgres")
	if err != nil {
		log.Fatalf("opening embedded migrations: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	elapsed := time.Since(start)

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", version, dirty, elapsed)
	} else {
		fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", *direction, version, dirty, elapsed)
	}
}
