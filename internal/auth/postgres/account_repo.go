// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package postgres implements the auth repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/internal/auth"
)

// poolIface is satisfied by *pgxpool.Pool and pgxmock.PgxPoolIface.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// uniqueFields maps unique index names to the registration field they guard.
var uniqueFields = map[string]string{
	"accounts_username_key": "username",
	"accounts_email_key":    "email",
	"accounts_nim_key":      "nim",
}

const accountColumns = `id, username, email, name, nim, role, password_hash,
	failed_attempts, locked_until, created_at, updated_at`

// AccountRepository implements auth.AccountRepository.
type AccountRepository struct {
	pool poolIface
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)

// NewAccountRepository creates a repository backed by pool.
func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Create inserts account. A unique violation is reported as
// auth.ErrAccountExists with the conflicting field in the error context.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (
			id, username, email, name, nim, role, password_hash,
			failed_attempts, locked_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.ID.String(),
		account.Username,
		account.Email,
		account.Name,
		account.NIM,
		string(account.Role),
		account.PasswordHash,
		account.FailedAttempts,
		account.LockedUntil,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		field, ok := uniqueFields[pgErr.ConstraintName]
		if !ok {
			field = "account"
		}
		return oops.Code("ACCOUNT_EXISTS").
			With("field", field).
			With("constraint", pgErr.ConstraintName).
			Wrap(auth.ErrAccountExists)
	}
	return oops.Code("ACCOUNT_CREATE_FAILED").
		With("username", account.Username).
		Wrap(err)
}

// GetByID loads an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())
	account, err := scanAccount(row)
	if err != nil {
		return nil, oops.With("account_id", id.String()).Wrap(err)
	}
	return account, nil
}

// GetByEmail loads an account by email, ignoring case.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)`, email)
	account, err := scanAccount(row)
	if err != nil {
		return nil, oops.With("email", email).Wrap(err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		a    auth.Account
		id   string
		role string
	)
	err := row.Scan(&id, &a.Username, &a.Email, &a.Name, &a.NIM, &role, &a.PasswordHash,
		&a.FailedAttempts, &a.LockedUntil, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_QUERY_FAILED").Wrap(err)
	}

	a.ID, err = ulid.Parse(id)
	if err != nil {
		return nil, oops.Code("ACCOUNT_QUERY_FAILED").With("id", id).Wrap(err)
	}
	a.Role = auth.Role(role)
	return &a, nil
}

// RecordLoginFailure stores the failure count. locked_until only moves when
// a new deadline is supplied.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, id ulid.ULID, failedAttempts int, lockedUntil *time.Time) error {
	return r.execOne(ctx, "record login failure", id, `
		UPDATE accounts
		SET failed_attempts = $2,
		    locked_until = COALESCE($3, locked_until),
		    updated_at = now()
		WHERE id = $1`,
		id.String(), failedAttempts, lockedUntil)
}

// RecordLoginSuccess resets the failure count and clears the lockout.
func (r *AccountRepository) RecordLoginSuccess(ctx context.Context, id ulid.ULID) error {
	return r.execOne(ctx, "record login success", id, `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, updated_at = now()
		WHERE id = $1`,
		id.String())
}

// UpdatePasswordHash replaces the stored hash.
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error {
	return r.execOne(ctx, "update password hash", id, `
		UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id.String(), hash)
}

// SetResetToken stores the token digest, replacing any previous one.
func (r *AccountRepository) SetResetToken(ctx context.Context, id ulid.ULID, tokenHash string, expiresAt time.Time) error {
	return r.execOne(ctx, "set reset token", id, `
		UPDATE accounts
		SET reset_token_hash = $2, reset_token_expiry = $3, updated_at = now()
		WHERE id = $1`,
		id.String(), tokenHash, expiresAt)
}

func (r *AccountRepository) execOne(ctx context.Context, operation string, id ulid.ULID, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", operation).
			With("account_id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("operation", operation).
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// RedeemResetToken swaps in newPasswordHash and clears the reset fields in
// a single statement. Only one of several concurrent callers can match.
func (r *AccountRepository) RedeemResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (ulid.ULID, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		UPDATE accounts
		SET password_hash = $2,
		    reset_token_hash = NULL,
		    reset_token_expiry = NULL,
		    updated_at = now()
		WHERE reset_token_hash = $1 AND reset_token_expiry > $3
		RETURNING id`,
		tokenHash, newPasswordHash, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_REDEEM_FAILED").Wrap(err)
	}

	accountID, err := ulid.Parse(id)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_REDEEM_FAILED").With("id", id).Wrap(err)
	}
	return accountID, nil
}

// PurgeExpiredResetTokens clears reset fields whose expiry has passed.
func (r *AccountRepository) PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET reset_token_hash = NULL, reset_token_expiry = NULL
		WHERE reset_token_expiry IS NOT NULL AND reset_token_expiry <= $1`,
		now)
	if err != nil {
		return 0, oops.Code("RESET_PURGE_FAILED").Wrap(err)
	}
	return tag.RowsAffected(), nil
}
