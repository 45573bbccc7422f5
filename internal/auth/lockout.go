// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/samber/oops"
)

// Lockout defaults.
const (
	DefaultLockoutThreshold = 3
	DefaultLockoutPenalty   = 30 * time.Second
)

// LockoutPolicy sets how many consecutive failures lock an account and for
// how long.
type LockoutPolicy struct {
	Threshold int
	Penalty   time.Duration
}

// DefaultLockoutPolicy returns 3 failures and a 30 second penalty.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Penalty: DefaultLockoutPenalty}
}

func (p LockoutPolicy) withDefaults() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultLockoutThreshold
	}
	if p.Penalty <= 0 {
		p.Penalty = DefaultLockoutPenalty
	}
	return p
}

// OutcomeKind classifies a login attempt.
type OutcomeKind int

// Login attempt outcomes.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeLocked
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Outcome is the result of Guard.Evaluate. SecondsRemaining is set for
// OutcomeLocked; AttemptsRemaining for OutcomeFailure.
type Outcome struct {
	Kind              OutcomeKind
	SecondsRemaining  int
	AttemptsRemaining int
}

// Guard evaluates login attempts against an account's failure counter and
// lockout deadline, persisting the resulting state.
//
// The read (the account passed in) and the write are not serialized per
// account: concurrent wrong attempts may lose increments.
type Guard struct {
	accounts AccountRepository
	hasher   PasswordHasher
	policy   LockoutPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides time.Now.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithGuardLogger sets the logger used for best-effort failures.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a Guard. Zero policy fields fall back to the defaults.
func NewGuard(accounts AccountRepository, hasher PasswordHasher, policy LockoutPolicy, opts ...GuardOption) (*Guard, error) {
	if accounts == nil {
		return nil, oops.Code("GUARD_INVALID_CONFIG").Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("GUARD_INVALID_CONFIG").Errorf("password hasher is required")
	}
	g := &Guard{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Policy returns the effective lockout policy.
func (g *Guard) Policy() LockoutPolicy {
	return g.policy
}

// Evaluate decides one login attempt for account and persists the new
// failure state. A locked account is rejected without comparing the
// password or touching the counter.
func (g *Guard) Evaluate(ctx context.Context, account *Account, password string) (Outcome, error) {
	now := g.now()

	if account.IsLocked(now) {
		remaining := account.LockedUntil.Sub(now)
		return Outcome{
			Kind:             OutcomeLocked,
			SecondsRemaining: int(math.Ceil(remaining.Seconds())),
		}, nil
	}

	ok, err := g.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return Outcome{}, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	if ok {
		return g.succeed(ctx, account, password)
	}
	return g.fail(ctx, account, now)
}

func (g *Guard) succeed(ctx context.Context, account *Account, password string) (Outcome, error) {
	if err := g.accounts.RecordLoginSuccess(ctx, account.ID); err != nil {
		return Outcome{}, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "record login success").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	account.FailedAttempts = 0
	account.LockedUntil = nil

	if g.hasher.NeedsUpgrade(account.PasswordHash) {
		g.upgradeHash(ctx, account, password)
	}
	return Outcome{Kind: OutcomeSuccess}, nil
}

func (g *Guard) upgradeHash(ctx context.Context, account *Account, password string) {
	newHash, err := g.hasher.Hash(password)
	if err == nil {
		err = g.accounts.UpdatePasswordHash(ctx, account.ID, newHash)
	}
	if err != nil {
		g.logger.WarnContext(ctx, "best-effort password hash upgrade failed",
			"account_id", account.ID.String(),
			"operation", "upgrade_hash",
			"error", err.Error(),
		)
		return
	}
	account.PasswordHash = newHash
}

func (g *Guard) fail(ctx context.Context, account *Account, now time.Time) (Outcome, error) {
	count := account.FailedAttempts + 1

	var lockedUntil *time.Time
	if count >= g.policy.Threshold {
		deadline := now.Add(g.policy.Penalty)
		lockedUntil = &deadline
	}

	if err := g.accounts.RecordLoginFailure(ctx, account.ID, count, lockedUntil); err != nil {
		return Outcome{}, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "record login failure").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	account.FailedAttempts = count
	if lockedUntil != nil {
		account.LockedUntil = lockedUntil
	}

	return Outcome{
		Kind:              OutcomeFailure,
		AttemptsRemaining: max(0, g.policy.Threshold-count),
	}, nil
}
