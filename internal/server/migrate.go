package server

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies database migrations from dir (a golang-migrate source URL,
// e.g. "file://migrations") against dsn in the given direction ("up" or
// "down"). steps <= 0 means "all the way"; dsn falling back to
// POSTGRES_*/DATABASE_URL env vars lets `agentd migrate` run against the
// same environment the server itself would connect with.
func Migrate(dir string, dsn string, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
		if dsn == "" {
			host := getEnvDefault("POSTGRES_HOST", "localhost")
			port := getEnvDefault("POSTGRES_PORT", "5432")
			user := os.Getenv("POSTGRES_USER")
			pass := os.Getenv("POSTGRES_PASSWORD")
			db := os.Getenv("POSTGRES_DB")
			ssl := getEnvDefault("POSTGRES_SSLMODE", "disable")
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
		}
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}

func getEnvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
