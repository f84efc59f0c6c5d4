// Command migrate manages the escrowd database schema via goose.
//
// Usage:
//
//	go run ./cmd/migrate up           # Apply all pending migrations
//	go run ./cmd/migrate down         # Roll back the last migration
//	go run ./cmd/migrate status       # Show applied/pending migrations
//	go run ./cmd/migrate version      # Show current schema version
//
// The escrows and escrow_transitions tables must exist before the
// server can run against Postgres; with no DATABASE_URL the server
// falls back to in-memory storage and migrations are unnecessary.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func main() {
	// Same .env convention as the server, so local runs need no shell setup.
	_ = godotenv.Load()

	command := "status"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required (the in-memory mode has no schema to migrate)")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	args := os.Args[2:]
	if err := goose.RunContext(context.Background(), command, db, migrationsDir, args...); err != nil {
		log.Fatalf("migrate %s: %v", command, err)
	}
	fmt.Printf("migrate %s: ok\n", command)
}
