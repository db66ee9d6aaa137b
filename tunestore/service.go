// Package tunestore implements the remote side of the tunetrees sync
// protocol: a row-versioned, multi-tenant store over PostgreSQL with
// optimistic-concurrency enforcement in the write path, plus the identity
// endpoints backing the anonymous-to-registered lifecycle.
package tunestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreService provides the core remote-store functionality. One instance
// serves all users; rows are scoped by owner (user_ref) with NULL meaning a
// public catalog row visible to everyone.
type StoreService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	registeredTables map[string]bool

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the store service.
type ServiceConfig struct {
	RegisteredTables []string // table names allowed in sync operations (required)
	MaxPushBatchSize int      // maximum changes per push request (0 = unlimited)
	PullLimit        int      // maximum rows per pull page (0 = DefaultPullLimit)
}

// DefaultPullLimit bounds a single pull page when the config does not.
const DefaultPullLimit = 1000

// NewStoreService creates a store service from an existing pool and
// initializes the sync schema. Misconfiguration fails fast here.
func NewStoreService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*StoreService, error) {
	if config == nil || len(config.RegisteredTables) == 0 {
		return nil, fmt.Errorf("config.RegisteredTables must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &StoreService{
		pool:             pool,
		logger:           logger,
		config:           config,
		registeredTables: make(map[string]bool, len(config.RegisteredTables)),
	}
	for _, table := range config.RegisteredTables {
		s.registeredTables[strings.ToLower(table)] = true
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store service: %w", err)
	}

	return s, nil
}

// Close marks the service closed. It does not close the pool; the caller
// owns the pool lifecycle.
func (s *StoreService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *StoreService) isRegistered(table string) bool {
	return s.registeredTables[strings.ToLower(table)]
}

// initializeSchemaInTx creates the sync schema objects if missing.
func (s *StoreService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS sync`,

		// Row state sidecar: one row per (table, row id), full-row JSON
		// payload plus the sync metadata columns. sync_version is bumped
		// here, in the write path, and nowhere else.
		`CREATE TABLE IF NOT EXISTS sync.row_state (
			table_name       TEXT NOT NULL,
			row_id           UUID NOT NULL,
			user_ref         UUID,
			sync_version     BIGINT NOT NULL DEFAULT 1,
			deleted          BOOLEAN NOT NULL DEFAULT FALSE,
			last_modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			device_id        TEXT NOT NULL,
			payload          JSONB NOT NULL,
			PRIMARY KEY (table_name, row_id)
		)`,

		`CREATE INDEX IF NOT EXISTS row_state_modified_idx
			ON sync.row_state (table_name, last_modified_at)`,

		`CREATE INDEX IF NOT EXISTS row_state_owner_idx
			ON sync.row_state (user_ref)`,

		// Identity accounts. user_id is the durable identifier: conversion
		// from anonymous to registered mutates this row in place and never
		// changes user_id.
		`CREATE TABLE IF NOT EXISTS sync.user_account (
			user_id            UUID PRIMARY KEY,
			email              TEXT UNIQUE,
			password_hash      TEXT,
			is_anonymous       BOOLEAN NOT NULL DEFAULT TRUE,
			refresh_token_hash TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			converted_at       TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
