package main

import (
	"database/sql"
	"fmt"
	"os"

	"ms-purchase/internal/config"
	"ms-purchase/internal/database/migrations"
	"ms-purchase/internal/logger"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	flag "github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	dsn := flag.String("dsn", cfg.Database.DSN, "Postgres connection string (default from POSTGRES_DSN)")
	dir := flag.StringP("dir", "d", cfg.Database.MigrationsDir, "directory holding the SQL migrations")
	steps := flag.IntP("steps", "n", 0, "apply n migrations (negative rolls back)")
	to := flag.Int("to", -1, "migrate up or down to this version")
	force := flag.Int("force", -1, "set the recorded version without running migrations")
	down := flag.Bool("down", false, "roll back every migration")
	version := flag.BoolP("version", "v", false, "print the current schema version and exit")
	flag.Parse()

	log := logger.New(logger.Options{Terminal: os.Stderr, MinLevel: logger.ParseLevel(cfg.Log.Level)})

	if *dsn == "" {
		log.Fatal("MIGRATION", "no database DSN, set --dsn or POSTGRES_DSN")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("open database: %v", err))
	}

	opts := migrations.DefaultOptions()
	opts.Dir = *dir
	runner := migrations.NewRunner(db, opts, log)
	defer runner.Close()

	switch {
	case *version:
		v, dirty, err := runner.Version()
		if err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
		fmt.Fprintf(os.Stdout, "%d dirty=%t\n", v, dirty)
		return
	case *force >= 0:
		err = runner.Force(*force)
	case *down:
		err = runner.Down()
	case *to >= 0:
		err = runner.To(uint(*to))
	case *steps != 0:
		err = runner.Steps(*steps)
	default:
		err = runner.Up()
	}
	if err != nil {
		log.Fatal("MIGRATION", err.Error())
	}
}
