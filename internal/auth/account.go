// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Role is an account's authorization role.
type Role string

// Account roles.
const (
	RoleAdmin   Role = "ADMIN"
	RoleStudent Role = "MAHASISWA"
)

// Validation constraints.
const (
	MinPasswordLength = 6
	MaxNameLength     = 100
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
	validate      = validator.New()
)

// Account is a TIFPoint user with its credential and lockout state.
type Account struct {
	ID             ulid.ULID
	Username       string
	Email          string
	Name           string
	NIM            *string
	Role           Role
	PasswordHash   string
	FailedAttempts int
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsLocked reports whether the lockout deadline lies after now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

// Registration is the input to Service.Register.
type Registration struct {
	Username string
	Email    string
	Password string
	Name     string
	NIM      string
}

// NewAccount creates a validated student account. The password hash must
// already be computed.
func NewAccount(username, email, name, nim, passwordHash string) (*Account, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return nil, oops.Code("AUTH_INVALID_NAME").
			Errorf("name must be 1 to %d characters", MaxNameLength)
	}
	if passwordHash == "" {
		return nil, oops.Code("AUTH_INVALID_PASSWORD_HASH").Errorf("password hash cannot be empty")
	}

	var nimPtr *string
	if nim = strings.TrimSpace(nim); nim != "" {
		nimPtr = &nim
	}

	now := time.Now()
	return &Account{
		ID:           ulid.Make(),
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         name,
		NIM:          nimPtr,
		Role:         RoleStudent,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateUsername checks 3-20 characters of letters, digits, or underscores.
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("username", username).
			Errorf("username must be 3-20 characters and contain only letters, numbers, and underscores")
	}
	return nil
}

// ValidateEmail checks that email is a well-formed address.
func ValidateEmail(email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return oops.Code("AUTH_INVALID_EMAIL").Errorf("invalid email format")
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return oops.Code("VALIDATION_FAILED").
			Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	return nil
}

// AccountRepository persists accounts and their credential state.
type AccountRepository interface {
	// Create inserts a new account. Returns ErrAccountExists when the
	// username, email, or NIM is taken.
	Create(ctx context.Context, account *Account) error

	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail matches case-insensitively.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// RecordLoginFailure stores the new failure count and, when lockedUntil
	// is non-nil, the lockout deadline. A nil lockedUntil leaves the stored
	// deadline untouched.
	RecordLoginFailure(ctx context.Context, id ulid.ULID, failedAttempts int, lockedUntil *time.Time) error

	// RecordLoginSuccess zeroes the failure count and clears the deadline.
	RecordLoginSuccess(ctx context.Context, id ulid.ULID) error

	UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error

	// SetResetToken overwrites any outstanding reset token for the account.
	SetResetToken(ctx context.Context, id ulid.ULID, tokenHash string, expiresAt time.Time) error

	// RedeemResetToken replaces the password hash and clears the reset
	// fields in one conditional statement. Returns ErrNotFound when no
	// account holds tokenHash with an expiry after now.
	RedeemResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (ulid.ULID, error)

	// PurgeExpiredResetTokens clears reset fields whose expiry is not after now.
	PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}
