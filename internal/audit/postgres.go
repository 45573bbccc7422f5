// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store against the activity_logs table.
type PostgresStore struct {
	pool poolIface
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append inserts one entry. Re-appending an existing id is a no-op, so
// WAL replay after an ambiguous commit drains.
func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_logs (id, user_id, action, description, ip_address, user_agent, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID,
		nullable(entry.ActorID),
		string(entry.Action),
		nullable(entry.Description),
		nullable(entry.IPAddress),
		nullable(entry.UserAgent),
		entry.Timestamp,
	)
	if err != nil {
		return oops.Code("AUDIT_APPEND_FAILED").
			With("id", entry.ID).
			With("action", entry.Action).
			Wrap(err)
	}
	return nil
}

// List returns one page of entries matching filter, newest first, together
// with the total number of matches.
func (s *PostgresStore) List(ctx context.Context, filter Filter, page, limit int) ([]Entry, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, oops.Code("AUDIT_LIST_FAILED").With("operation", "count").Wrap(err)
	}

	offset := (page - 1) * limit
	query := fmt.Sprintf(`SELECT id, user_id, action, description, ip_address, user_agent, timestamp
		FROM activity_logs%s
		ORDER BY timestamp DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, oops.Code("AUDIT_LIST_FAILED").With("operation", "query").Wrap(err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                                Entry
			action                           string
			actorID, desc, ipAddr, userAgent *string
		)
		if err := rows.Scan(&e.ID, &actorID, &action, &desc, &ipAddr, &userAgent, &e.Timestamp); err != nil {
			return nil, 0, oops.Code("AUDIT_LIST_FAILED").With("operation", "scan").Wrap(err)
		}
		e.Action = Action(action)
		e.ActorID = deref(actorID)
		e.Description = deref(desc)
		e.IPAddress = deref(ipAddr)
		e.UserAgent = deref(userAgent)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, oops.Code("AUDIT_LIST_FAILED").With("operation", "iterate").Wrap(err)
	}
	return entries, total, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
