//go:build integration

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/liamcoop/tariffrules/batch"
	"github.com/liamcoop/tariffrules/rules"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Run migrations
	m, err := migrate.New("file://../../migrations", connStr)
	if err != nil {
		t.Fatalf("Failed to create migration instance: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	m.Close()

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

// TestEndToEnd_PostgresModel tests the complete workflow:
// 1. Publish the decision model
// 2. Serve it through the cached loader
// 3. Evaluate a batch on the worker pool
func TestEndToEnd_PostgresModel(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Step 1: Publish model
	t.Log("Step 1: Publishing decision model...")
	data, err := os.ReadFile(modelPath)
	if err != nil {
		t.Fatalf("Failed to read model file: %v", err)
	}
	source := rules.NewPostgresModelSource(db, "energy_tariff_calculation")
	if _, err := source.Publish(ctx, data); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	// Step 2: Build server
	t.Log("Step 2: Starting server...")
	cfg := testConfig("")
	cfg.Model.Source = "postgres"
	cfg.Model.Name = "energy_tariff_calculation"
	cfg.Model.CachePolicy = "cache"

	loader, err := rules.NewLoader(source, rules.PolicyCache, nil)
	if err != nil {
		t.Fatalf("NewLoader() failed: %v", err)
	}
	pool, err := batch.NewPool(2, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewPool() failed: %v", err)
	}
	defer pool.Close()

	server := NewServer(cfg, loader, pool, nil, db)

	// Step 3: Evaluate
	t.Log("Step 3: Evaluating batch...")
	resp := decodeBatch(t, post(t, server, "/evaluate/batch/parallel/v2", map[string]any{"requests": tenRequests()}))
	if resp.Summary.Succeeded != 9 || resp.Summary.Failed != 1 {
		t.Fatalf("expected 9/1, got %+v", resp.Summary)
	}

	// Reload reads the database again
	rr := post(t, server, "/api/v1/model/reload", nil)
	if rr.Code != 200 {
		t.Fatalf("expected reload to succeed, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Log("End-to-end test completed")
}
