// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

// fitsync-server runs the reference authoritative workout API against
// Postgres. Clients sync their offline mutation outbox against it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitvault/fitsync/server"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	jwtSecret := flag.String("jwt-secret", os.Getenv("FITSYNC_JWT_SECRET"), "HS256 secret for bearer tokens")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *databaseURL == "" {
		logger.Error("database-url is required (or set DATABASE_URL)")
		os.Exit(1)
	}
	if *jwtSecret == "" {
		logger.Error("jwt-secret is required (or set FITSYNC_JWT_SECRET)")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		logger.Error("Failed to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store, err := server.NewPGStore(ctx, pool)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	handlers := server.NewHandlers(store, server.NewJWTAuth(*jwtSecret), logger)

	logger.Info("fitsync server listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, handlers.Mux()); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
