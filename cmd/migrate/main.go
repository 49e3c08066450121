package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

// Applies migrations/*.sql in name order. Each file runs in its own
// transaction and is recorded in schema_migrations, so re-running the
// tool only applies what is new.
func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if listOnly {
		listTables(db)
		return
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		log.Fatalf("init schema_migrations: %v", err)
	}

	applied := appliedSet(db)

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var ran, skipped int
	for _, f := range files {
		if applied[f] {
			skipped++
			continue
		}
		if err := apply(db, filepath.Join(dir, f), f); err != nil {
			log.Fatalf("%s: %v", f, err)
		}
		fmt.Printf("  %s ... OK\n", f)
		ran++
	}
	log.Printf("Done: %d applied, %d already up to date", ran, skipped)
}

func apply(db *sql.DB, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(data)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (name) VALUES ($1)", name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appliedSet(db *sql.DB) map[string]bool {
	rows, err := db.Query("SELECT name FROM schema_migrations")
	if err != nil {
		log.Fatalf("read schema_migrations: %v", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.Fatalf("scan: %v", err)
		}
		applied[name] = true
	}
	return applied
}

func listTables(db *sql.DB) {
	rows, err := db.Query(`SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND (tablename LIKE 'ab_%' OR tablename = 'bot_users')
		ORDER BY tablename`)
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		rows.Scan(&t)
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
}
