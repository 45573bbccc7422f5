// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package main

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/internal/notify"
	"github.com/tifpoint/tifpoint/internal/store"
)

// Pool is the database surface the repositories use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Notifier delivers reset tokens and releases its connection on Close.
type Notifier interface {
	auth.ResetNotifier
	Close() error
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// Connect opens the database pool.
	// Default: store.Connect
	Connect func(ctx context.Context, dsn string, opts store.ConnectOptions) (Pool, error)

	// MigratorFactory creates a migrator for migrate-on-start.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// DialNotifier connects reset delivery when AMQP_URL is set.
	// Default: notify.Dial
	DialNotifier func(cfg notify.Config) (Notifier, error)

	// Ready is called with the API address once requests are accepted.
	Ready func(apiAddr string)
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.Connect == nil {
		out.Connect = func(ctx context.Context, dsn string, opts store.ConnectOptions) (Pool, error) {
			return store.Connect(ctx, dsn, opts)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = defaultMigratorFactory
	}
	if out.DialNotifier == nil {
		out.DialNotifier = func(cfg notify.Config) (Notifier, error) {
			return notify.Dial(cfg)
		}
	}
	if out.Ready == nil {
		out.Ready = func(string) {}
	}
	return &out
}

func defaultMigratorFactory(databaseURL string) (Migrator, error) {
	return store.NewMigrator(databaseURL)
}
