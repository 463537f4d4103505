package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"checkin-core/internal/config"
	"checkin-core/internal/database"
)

// 用法：apply-migration [migration_file.sql]；不带参数时应用内置 schema
func main() {
	script := database.Schema()
	source := "embedded schema"
	if len(os.Args) > 1 {
		content, err := os.ReadFile(os.Args[1])
		if err != nil {
			log.Fatalf("Failed to read migration file: %v", err)
		}
		script = string(content)
		source = os.Args[1]
	}

	cfg := config.Load()
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Cannot connect to database: %v", err)
	}
	defer database.Close(db)

	fmt.Printf("Connected to database: %s\n", cfg.Database.Database)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := database.ApplySchema(ctx, db, script)
	if err != nil {
		log.Fatalf("Failed to apply %s after %d statements: %v", source, n, err)
	}
	fmt.Printf("Applied %d statements from %s\n", n, source)
}
