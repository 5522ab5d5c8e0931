package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"agripulse.org/internal/migrate"
	"agripulse.org/internal/store/sqlkv"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	var (
		driver = flag.String("driver", envOr("AGRIPULSE_STORE_DRIVER", "pgx"), "database driver: pgx or sqlite3")
		dsn    = flag.String("dsn", os.Getenv("AGRIPULSE_STORE_DSN"), "database DSN")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AGRIPULSE_STORE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kv, err := sqlkv.Open(*driver, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer kv.Close()

	mgr := migrate.NewManager(kv.DB(), sqlkv.Migrations(), nil)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
