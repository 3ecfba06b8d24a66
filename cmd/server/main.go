// Package main runs the backtest lab server: the HTTP/WebSocket API,
// the session coordinator and the live event broadcaster, backed by
// PostgreSQL (sessions) and ClickHouse (candles) or in-memory stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"backtest-lab/internal/auth"
	"backtest-lab/internal/broadcast"
	"backtest-lab/internal/coordinator"
	"backtest-lab/internal/engine"
	"backtest-lab/internal/query"
	"backtest-lab/internal/registry"
	"backtest-lab/internal/server"
	"backtest-lab/internal/sessionlog"
	"backtest-lab/internal/storage"
	chstore "backtest-lab/internal/storage/clickhouse"
	"backtest-lab/internal/storage/memory"
	"backtest-lab/internal/storage/migrations"
	pgstore "backtest-lab/internal/storage/postgres"
)

// stores holds the storage implementations behind the core.
type stores struct {
	sessions storage.SessionStore
	candles  storage.CandleStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	addr := flag.String("addr", envOr("BACKTEST_ADDR", ":8000"), "HTTP listen address")
	password := flag.String("password", os.Getenv("BACKTEST_PASSWORD"), "API password (empty disables auth)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	logsDir := flag.String("logs-dir", envOr("BACKTEST_LOGS_DIR", "storage/logs"), "Directory for per-session log files")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	logs, err := sessionlog.NewManager(*logsDir)
	if err != nil {
		logger.Fatalf("Failed to create log manager: %v", err)
	}

	reg := registry.New(st.sessions)
	hub := broadcast.NewHub()
	coord := coordinator.New(coordinator.Options{
		Registry: reg,
		Sessions: st.sessions,
		Candles:  st.candles,
		Engine:   &engine.RandomWalk{BatchDelay: 100 * time.Millisecond},
		Hub:      hub,
		Logs:     logs,
	})
	srv := server.New(server.Options{
		Registry:    reg,
		Coordinator: coord,
		Query:       query.New(st.sessions, st.candles, reg),
		Hub:         hub,
		Auth:        auth.New(*password),
		RunContext:  ctx,
		Logs:        logs,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Handler(),
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		logger.Printf("HTTP server error: %v", err)
	}

	// stop accepting requests, then stop running sessions; each one
	// observes the cancelled context at its next checkpoint and lands
	// in status stopped with its partial results persisted
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}

	cancel()
	waitDone := make(chan struct{})
	go func() {
		coord.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(*shutdownTimeout):
		logger.Println("Sessions did not stop within timeout, forcing exit")
	}
	hub.Close()

	logger.Println("Shutdown complete")
}

// createStores creates the session and candle stores and runs the
// schema migrations for the durable backends.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*stores, func(), error) {
	if useMemory {
		return &stores{
			sessions: memory.NewSessionStore(),
			candles:  memory.NewCandleStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := chstore.NewConn(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := migrations.RunClickhouseMigrations(ctx, chConn); err != nil {
		chConn.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	st := &stores{
		sessions: pgstore.NewSessionStore(pool),
		candles:  chstore.NewCandleStore(chConn),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return st, cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
