// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tifpoint/tifpoint/internal/audit"
)

var loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tifpoint_auth_login_attempts_total",
	Help: "Login attempts by outcome",
}, []string{"outcome"})

// dummyPasswordHash is verified against when the email is unknown so that
// the response takes as long as a wrong password would.
//
//nolint:gosec // G101: intentionally fake hash, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// LoginResult is a successful login.
type LoginResult struct {
	Account   *Account
	Token     string
	ExpiresAt time.Time
}

// Service provides registration, login, and profile lookup.
type Service struct {
	accounts AccountRepository
	hasher   PasswordHasher
	guard    *Guard
	sessions SessionIssuer
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(
	accounts AccountRepository,
	hasher PasswordHasher,
	guard *Guard,
	sessions SessionIssuer,
	recorder audit.Recorder,
) (*Service, error) {
	return NewServiceWithLogger(accounts, hasher, guard, sessions, recorder, slog.Default())
}

// NewServiceWithLogger creates a Service that logs to logger.
func NewServiceWithLogger(
	accounts AccountRepository,
	hasher PasswordHasher,
	guard *Guard,
	sessions SessionIssuer,
	recorder audit.Recorder,
	logger *slog.Logger,
) (*Service, error) {
	switch {
	case accounts == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("account repository is required")
	case hasher == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	case guard == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("lockout guard is required")
	case sessions == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session issuer is required")
	case recorder == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("audit recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts: accounts,
		hasher:   hasher,
		guard:    guard,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Register creates a student account.
func (s *Service) Register(ctx context.Context, reg Registration, rc *audit.RequestContext) (*Account, error) {
	if err := ValidatePassword(reg.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(reg.Password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}

	account, err := NewAccount(reg.Username, reg.Email, reg.Name, reg.NIM, hash)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, oops.With("operation", "create account").Wrap(err)
	}

	s.recorder.Record(account.ID.String(), audit.ActionCreateUser, "User registered", rc)
	return account, nil
}

// Login authenticates by email and password.
//
// An unknown email and a wrong password produce the same
// AUTH_INVALID_CREDENTIALS error. A locked account yields AUTH_ACCOUNT_LOCKED
// wrapping a *LockedError.
func (s *Service) Login(ctx context.Context, email, password string, rc *audit.RequestContext) (result *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.login")
	defer func() { endSpan(span, err) }()

	email = strings.ToLower(strings.TrimSpace(email))
	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// Burn the same work a real comparison costs.
		_, _ = s.hasher.Verify(password, dummyPasswordHash) //nolint:errcheck // result is irrelevant
		loginAttempts.WithLabelValues("unknown").Inc()
		s.recorder.Record("", audit.ActionLoginFailed, "unknown identifier: "+email, rc)
		return nil, errInvalidCredentials()
	}
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "get account by email").
			Wrap(err)
	}
	span.SetAttributes(attribute.String("auth.account_id", account.ID.String()))

	outcome, err := s.guard.Evaluate(ctx, account, password)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.outcome", outcome.Kind.String()))
	loginAttempts.WithLabelValues(outcome.Kind.String()).Inc()

	actorID := account.ID.String()
	switch outcome.Kind {
	case OutcomeLocked:
		s.recorder.Record(actorID, audit.ActionAccountLocked,
			fmt.Sprintf("Account locked for %d seconds", outcome.SecondsRemaining), rc)
		return nil, oops.Code("AUTH_ACCOUNT_LOCKED").
			With("account_id", actorID).
			Wrap(&LockedError{SecondsRemaining: outcome.SecondsRemaining})

	case OutcomeFailure:
		s.logger.InfoContext(ctx, "login failed",
			"account_id", actorID,
			"attempts_remaining", outcome.AttemptsRemaining,
		)
		s.recorder.Record(actorID, audit.ActionLoginFailed,
			fmt.Sprintf("Incorrect password (%d attempts left)", outcome.AttemptsRemaining), rc)
		return nil, errInvalidCredentials()
	}

	token, expiresAt, err := s.sessions.Issue(account)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue session").
			Wrap(err)
	}

	s.recorder.Record(actorID, audit.ActionLoginSuccess, "User logged in", rc)
	return &LoginResult{Account: account, Token: token, ExpiresAt: expiresAt}, nil
}

// Profile returns the account identified by id.
func (s *Service) Profile(ctx context.Context, id string) (*Account, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id).Wrap(ErrNotFound)
	}
	account, err := s.accounts.GetByID(ctx, parsed)
	if err != nil {
		return nil, oops.With("operation", "get profile").Wrap(err)
	}
	return account, nil
}
