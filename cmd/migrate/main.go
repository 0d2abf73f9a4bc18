// Command migrate applies or rolls back the identity schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"threatdesk.io/internal/migrate"
	"threatdesk.io/internal/obs"
	"threatdesk.io/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	logger := obs.Logger()

	var (
		dsn = flag.String("dsn", os.Getenv("THREATDESK_PG_DSN"), "PostgreSQL DSN")
		dir = flag.String("dir", "ops/migrations/sql", "directory holding .up.sql / .down.sql files")
		cmd = flag.String("cmd", "up", "one of: up, down, status")
	)
	flag.Parse()

	if *dsn == "" {
		logger.Fatal("migrate: a DSN is required (-dsn or THREATDESK_PG_DSN)")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		logger.Fatalf("migrate: connect: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mgr := migrate.NewManager(store.DB(), *dir)
	switch *cmd {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			logger.Fatalf("migrate: up: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := mgr.Down(ctx); err != nil {
			logger.Fatalf("migrate: down: %v", err)
		}
		fmt.Println("last migration rolled back")
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			logger.Fatalf("migrate: status: %v", err)
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return
		}
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		logger.Fatalf("migrate: unknown command %q", *cmd)
	}
}
